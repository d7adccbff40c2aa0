// Package dispatcher queues job runs and executes them on a worker pool,
// in process or through Redis with asynq.
package dispatcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cexll/aidir/internal/jobs"
)

var (
	// ErrQueueFull is returned when the in-memory queue has no room
	ErrQueueFull = errors.New("dispatcher queue is full")
	// ErrQueueClosed is returned after Shutdown
	ErrQueueClosed = errors.New("dispatcher queue is closed")
)

// Task is one attempt at a run
type Task struct {
	RunID   string       `json:"run_id"`
	Kind    jobs.Kind    `json:"kind"`
	Options jobs.Options `json:"options"`
	Trigger string       `json:"trigger,omitempty"`

	Attempt     int `json:"-"`
	MaxAttempts int `json:"-"`
}

// Final reports whether a failure of this attempt ends the run
func (t *Task) Final() bool {
	return t.Attempt >= t.MaxAttempts
}

// TaskExecutor runs a queued task
type TaskExecutor interface {
	Execute(ctx context.Context, task *Task) error
}

// Queue accepts tasks for asynchronous execution
type Queue interface {
	Enqueue(task *Task) error
}

// Config controls dispatcher behaviour
type Config struct {
	Workers           int
	QueueSize         int
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// Dispatcher runs one task per job kind at a time and retries failed attempts with backoff
type Dispatcher struct {
	executor TaskExecutor
	cfg      Config
	logger   *zap.Logger

	queue chan *queueItem
	kinds *kindLocks

	// ctx is canceled when Shutdown gives up waiting so running jobs stop
	ctx    context.Context
	cancel context.CancelFunc

	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

type queueItem struct {
	task    *Task
	attempt int
}

// New creates a dispatcher and starts its workers
func New(executor TaskExecutor, cfg Config, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = normalizeConfig(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		executor: executor,
		cfg:      cfg,
		logger:   logger,
		queue:    make(chan *queueItem, cfg.QueueSize),
		kinds:    &kindLocks{slots: make(map[jobs.Kind]chan struct{})},
		ctx:      ctx,
		cancel:   cancel,
		stopCh:   make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

func normalizeConfig(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 15 * time.Second
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	return cfg
}

// Enqueue queues the first attempt of a run. It never blocks.
func (d *Dispatcher) Enqueue(task *Task) error {
	if task == nil {
		return errors.New("dispatcher enqueue: task is nil")
	}
	if d.stopped() {
		return ErrQueueClosed
	}
	select {
	case d.queue <- &queueItem{task: task, attempt: 1}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) stopped() bool {
	select {
	case <-d.stopCh:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case item := <-d.queue:
			d.process(item)
		}
	}
}

func (d *Dispatcher) process(item *queueItem) {
	task := *item.task
	task.Attempt = item.attempt
	task.MaxAttempts = d.cfg.MaxAttempts
	log := d.logger.With(
		zap.String("run_id", task.RunID),
		zap.String("kind", string(task.Kind)),
		zap.Int("attempt", task.Attempt),
	)

	if !d.kinds.acquire(d.ctx, task.Kind) {
		log.Warn("dispatcher stopped before run could start")
		return
	}
	err := d.executor.Execute(d.ctx, &task)
	d.kinds.release(task.Kind)

	switch {
	case err == nil:
		log.Info("run attempt succeeded")
	case jobs.IsNonRetryable(err):
		log.Warn("run attempt failed; not retryable", zap.Error(err))
	case task.Final():
		log.Error("run exceeded max attempts", zap.Int("max_attempts", task.MaxAttempts), zap.Error(err))
	default:
		delay := d.backoffDuration(item.attempt + 1)
		log.Warn("run attempt failed; retrying", zap.Duration("delay", delay), zap.Error(err))
		d.retryAfter(delay, &queueItem{task: item.task, attempt: item.attempt + 1})
	}
}

// retryAfter puts item back on the queue once delay has passed, waiting for
// room if the queue is full. Pending retries are dropped on Shutdown.
func (d *Dispatcher) retryAfter(delay time.Duration, item *queueItem) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-d.stopCh:
			return
		case <-timer.C:
		}
		select {
		case <-d.stopCh:
		case d.queue <- item:
		}
	}()
}

func (d *Dispatcher) backoffDuration(attempt int) time.Duration {
	backoff := float64(d.cfg.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= d.cfg.BackoffMultiplier
		if backoff >= float64(d.cfg.MaxBackoff) {
			return d.cfg.MaxBackoff
		}
	}
	return time.Duration(backoff)
}

// Shutdown stops accepting tasks and waits for running ones. When ctx ends
// first, running jobs are canceled.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.once.Do(func() {
		close(d.stopCh)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()

	select {
	case <-ctx.Done():
		d.cancel()
		<-done
	case <-done:
		d.cancel()
	}
}

// kindLocks admits one executing run per job kind. A waiting worker gives up
// when ctx is canceled.
type kindLocks struct {
	mu    sync.Mutex
	slots map[jobs.Kind]chan struct{}
}

func (k *kindLocks) slot(kind jobs.Kind) chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[kind]
	if !ok {
		s = make(chan struct{}, 1)
		k.slots[kind] = s
	}
	return s
}

func (k *kindLocks) acquire(ctx context.Context, kind jobs.Kind) bool {
	select {
	case k.slot(kind) <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func (k *kindLocks) release(kind jobs.Kind) {
	<-k.slot(kind)
}
