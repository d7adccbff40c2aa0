package dispatcher

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/cexll/aidir/internal/jobs"
)

type mockExecutor struct {
	fn func(ctx context.Context, task *Task) error
}

func (m *mockExecutor) Execute(ctx context.Context, task *Task) error {
	if m.fn == nil {
		return nil
	}
	return m.fn(ctx, task)
}

func testConfig(workers, attempts int) Config {
	return Config{
		Workers:           workers,
		QueueSize:         3,
		MaxAttempts:       attempts,
		InitialBackoff:    10 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        20 * time.Millisecond,
	}
}

func TestDispatcherEnqueueRunsTask(t *testing.T) {
	defer goleak.VerifyNone(t)

	done := make(chan *Task, 1)
	exec := &mockExecutor{
		fn: func(ctx context.Context, task *Task) error {
			done <- task
			return nil
		},
	}

	d := New(exec, testConfig(1, 1), nil)
	defer d.Shutdown(context.Background())

	if err := d.Enqueue(&Task{RunID: "r1", Kind: jobs.KindTags}); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	select {
	case task := <-done:
		if task.RunID != "r1" || task.Attempt != 1 || !task.Final() {
			t.Fatalf("task = %+v, want attempt 1 of 1", task)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("Timed out waiting for task execution")
	}
}

func TestDispatcherSerializesSameKind(t *testing.T) {
	var mu sync.Mutex
	active := map[jobs.Kind]int{}
	maxActive := map[jobs.Kind]int{}
	done := make(chan struct{}, 4)

	exec := &mockExecutor{
		fn: func(ctx context.Context, task *Task) error {
			mu.Lock()
			active[task.Kind]++
			if active[task.Kind] > maxActive[task.Kind] {
				maxActive[task.Kind] = active[task.Kind]
			}
			mu.Unlock()

			time.Sleep(20 * time.Millisecond)

			mu.Lock()
			active[task.Kind]--
			mu.Unlock()

			done <- struct{}{}
			return nil
		},
	}

	d := New(exec, Config{Workers: 3, QueueSize: 4, MaxAttempts: 1}, nil)
	defer d.Shutdown(context.Background())

	for _, kind := range []jobs.Kind{jobs.KindTags, jobs.KindTags, jobs.KindTags, jobs.KindCautions} {
		if err := d.Enqueue(&Task{RunID: "r", Kind: kind}); err != nil {
			t.Fatalf("Enqueue returned error: %v", err)
		}
	}

	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Timed out waiting for serialized tasks")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if maxActive[jobs.KindTags] != 1 {
		t.Fatalf("Expected max concurrent executions 1 for tags, got %d", maxActive[jobs.KindTags])
	}
}

func TestDispatcherRetries(t *testing.T) {
	var attemptsMu sync.Mutex
	var attempts []int
	var finals []bool
	done := make(chan struct{})

	exec := &mockExecutor{
		fn: func(ctx context.Context, task *Task) error {
			attemptsMu.Lock()
			attempts = append(attempts, task.Attempt)
			finals = append(finals, task.Final())
			attemptsMu.Unlock()

			if task.Attempt == 1 {
				return errors.New("first attempt fails")
			}

			close(done)
			return nil
		},
	}

	d := New(exec, testConfig(1, 2), nil)
	defer d.Shutdown(context.Background())

	if err := d.Enqueue(&Task{RunID: "r7", Kind: jobs.KindTags}); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Timed out waiting for retry success")
	}

	attemptsMu.Lock()
	defer attemptsMu.Unlock()

	if len(attempts) != 2 {
		t.Fatalf("Expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0] != 1 || attempts[1] != 2 {
		t.Fatalf("Unexpected attempt sequence: %v", attempts)
	}
	if finals[0] || !finals[1] {
		t.Fatalf("Unexpected final flags: %v", finals)
	}
}

func TestDispatcherSkipsRetryForNonRetryable(t *testing.T) {
	calls := make(chan int, 3)
	exec := &mockExecutor{
		fn: func(ctx context.Context, task *Task) error {
			calls <- task.Attempt
			return jobs.NonRetryable(errors.New("no model configured"))
		},
	}

	d := New(exec, testConfig(1, 3), nil)
	defer d.Shutdown(context.Background())

	if err := d.Enqueue(&Task{RunID: "r", Kind: jobs.KindTags}); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	<-calls

	select {
	case attempt := <-calls:
		t.Fatalf("unexpected retry attempt %d", attempt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDispatcherShutdownCancelsRunningTask(t *testing.T) {
	defer goleak.VerifyNone(t)

	started := make(chan struct{})
	exec := &mockExecutor{
		fn: func(ctx context.Context, task *Task) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		},
	}
	d := New(exec, testConfig(1, 1), nil)
	if err := d.Enqueue(&Task{RunID: "r", Kind: jobs.KindArticles}); err != nil {
		t.Fatalf("Enqueue returned error: %v", err)
	}
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	d.Shutdown(ctx)
}

func TestDispatcherEnqueueAfterShutdown(t *testing.T) {
	d := New(&mockExecutor{}, testConfig(1, 1), nil)

	d.Shutdown(context.Background())

	err := d.Enqueue(&Task{RunID: "r"})
	if !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Expected ErrQueueClosed, got %v", err)
	}
}

func TestDispatcherQueueFull(t *testing.T) {
	d := &Dispatcher{
		queue:  make(chan *queueItem, 1),
		stopCh: make(chan struct{}),
	}

	d.queue <- &queueItem{task: &Task{}}

	err := d.Enqueue(&Task{})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Expected ErrQueueFull, got %v", err)
	}
}

func TestBackoffDuration(t *testing.T) {
	d := &Dispatcher{cfg: normalizeConfig(Config{InitialBackoff: time.Second, MaxBackoff: 3 * time.Second})}
	if got := d.backoffDuration(2); got != 2*time.Second {
		t.Fatalf("backoff(2) = %s, want 2s", got)
	}
	if got := d.backoffDuration(5); got != 3*time.Second {
		t.Fatalf("backoff(5) = %s, want capped 3s", got)
	}
}

func TestGuard(t *testing.T) {
	g := NewGuard()
	if g.Busy("tags") {
		t.Fatal("new guard should not be busy")
	}
	if !g.TryAcquire("tags") {
		t.Fatal("first TryAcquire should succeed")
	}
	if g.TryAcquire("tags") {
		t.Fatal("second TryAcquire should fail")
	}
	if !g.TryAcquire("cautions") {
		t.Fatal("other keys are independent")
	}
	if !g.Busy("tags") {
		t.Fatal("held key should be busy")
	}
	g.Release("tags")
	g.Release("tags")
	if g.Busy("tags") || !g.TryAcquire("tags") {
		t.Fatal("released key should be free")
	}
}
