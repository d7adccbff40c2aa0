package dispatcher

import (
	"errors"
	"sync"
)

// ErrBusy is returned when a run of the same kind is already queued or running
var ErrBusy = errors.New("a run of this kind is already in progress")

// Guard allows one holder per key
type Guard struct {
	locks sync.Map // map[string]chan struct{}
}

func NewGuard() *Guard {
	return &Guard{}
}

// TryAcquire takes the key and reports whether it was free
func (g *Guard) TryAcquire(key string) bool {
	actual, _ := g.locks.LoadOrStore(key, make(chan struct{}, 1))
	ch := actual.(chan struct{})

	select {
	case ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the key. Releasing a free key is a no-op.
func (g *Guard) Release(key string) {
	if actual, ok := g.locks.Load(key); ok {
		select {
		case <-actual.(chan struct{}):
		default:
		}
	}
}

// Busy reports whether key is held
func (g *Guard) Busy(key string) bool {
	actual, ok := g.locks.Load(key)
	return ok && len(actual.(chan struct{})) > 0
}
