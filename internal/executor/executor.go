// Package executor runs queued job runs and exposes the run lifecycle to
// the admin API and the CLI.
package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cexll/aidir/internal/dispatcher"
	"github.com/cexll/aidir/internal/jobs"
	"github.com/cexll/aidir/internal/jobstore"
)

// Definitions builds the definition for a job kind
type Definitions interface {
	New(kind jobs.Kind) (jobs.Definition, error)
}

// Recorder persists finished runs
type Recorder interface {
	Record(ctx context.Context, run jobstore.Run) error
}

// Reindexer rebuilds the public search index
type Reindexer interface {
	Rebuild(ctx context.Context) error
}

const defaultRevokePoll = 2 * time.Second

// Executor runs one attempt of a queued run against the run store
type Executor struct {
	defs   Definitions
	runner *jobs.Runner
	store  *jobstore.Store
	mirror *jobstore.RedisMirror
	logger *zap.Logger

	revokePoll time.Duration
}

// Option configures an Executor
type Option func(*Executor)

// WithHistory records every finished run of the store in rec
func WithHistory(rec Recorder) Option {
	return func(e *Executor) {
		e.store.OnFinish(func(run jobstore.Run) {
			if err := rec.Record(context.Background(), run); err != nil {
				e.logger.Warn("failed to record run history", zap.String("run_id", run.ID), zap.Error(err))
			}
		})
	}
}

// WithMirror copies run state to Redis and watches it for revocations
func WithMirror(m *jobstore.RedisMirror) Option {
	return func(e *Executor) {
		if m == nil {
			return
		}
		e.mirror = m
		e.store.OnFinish(func(run jobstore.Run) {
			m.SetState(context.Background(), run.ID, jobstore.StateFor(run.Status), jobstore.RunResult(run))
		})
	}
}

// WithReindexer rebuilds the search index after a run that changed records
func WithReindexer(idx Reindexer) Option {
	return func(e *Executor) {
		e.store.OnFinish(func(run jobstore.Run) {
			if run.Status != jobstore.StatusCompleted || run.Options.DryRun {
				return
			}
			if run.Summary == nil || run.Summary.Updated == 0 {
				return
			}
			if err := idx.Rebuild(context.Background()); err != nil {
				e.logger.Warn("search reindex after run failed", zap.String("run_id", run.ID), zap.Error(err))
			}
		})
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRevokePoll sets how often a running run checks the mirror for a revoke flag
func WithRevokePoll(d time.Duration) Option {
	return func(e *Executor) {
		e.revokePoll = d
	}
}

// New creates an executor. History, mirror and reindex options register
// finish hooks on store, so they also see runs finished outside Execute.
func New(defs Definitions, runner *jobs.Runner, store *jobstore.Store, opts ...Option) *Executor {
	e := &Executor{
		defs:       defs,
		runner:     runner,
		store:      store,
		logger:     zap.NewNop(),
		revokePoll: defaultRevokePoll,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute implements dispatcher.TaskExecutor. A failed attempt that may be
// retried puts the run back to pending and returns the error; every other
// outcome finishes the run.
func (e *Executor) Execute(ctx context.Context, task *dispatcher.Task) error {
	run, ok := e.store.Get(task.RunID)
	if !ok {
		// queued by another process
		run = e.store.Adopt(task.RunID, task.Kind, task.Options, task.Trigger)
	}
	if run.Status.Finished() {
		return nil
	}
	log := e.logger.With(
		zap.String("run_id", run.ID),
		zap.String("kind", string(run.Kind)),
		zap.Int("attempt", task.Attempt),
	)

	if e.mirror.Revoked(ctx, run.ID) {
		_, _ = e.store.Finish(run.ID, jobstore.StatusCanceled, nil, "canceled before start")
		log.Info("run revoked before start")
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := e.store.Start(run.ID, cancel); err != nil {
		if errors.Is(err, jobstore.ErrFinished) {
			log.Info("run canceled while queued")
			return nil
		}
		return jobs.NonRetryable(err)
	}
	e.mirror.SetState(ctx, run.ID, jobstore.StateProgress, jobstore.RunResult(run))

	sink := e.store.Sink(run.ID)
	if task.Attempt > 1 {
		sink.Log(jobs.LevelInfo, fmt.Sprintf("Retrying, attempt %d of %d", task.Attempt, task.MaxAttempts))
	}

	def, err := e.defs.New(run.Kind)
	if err != nil {
		sink.Log(jobs.LevelError, err.Error())
		e.finish(run.ID, jobstore.StatusFailed, nil, err.Error())
		return jobs.NonRetryable(err)
	}

	log.Info("run started", zap.String("trigger", run.Trigger))
	stopWatch := e.watchRevoke(runCtx, run.ID)
	sum, err := e.runner.Run(runCtx, def, run.Options, jobs.MultiSink(sink, e.mirrorSink(run)))
	stopWatch()

	switch {
	case err == nil:
		e.finish(run.ID, jobstore.StatusCompleted, &sum, "")
		log.Info("run completed", zap.String("summary", sum.String()))
		return nil

	case e.store.CancelRequested(run.ID):
		e.finish(run.ID, jobstore.StatusCanceled, &sum, "canceled")
		log.Info("run canceled", zap.String("summary", sum.String()))
		return nil

	case ctx.Err() != nil:
		e.finish(run.ID, jobstore.StatusCanceled, &sum, "interrupted by shutdown")
		log.Warn("run interrupted by shutdown")
		return nil

	case jobs.IsNonRetryable(err) || task.Final():
		e.finish(run.ID, jobstore.StatusFailed, &sum, err.Error())
		log.Error("run failed", zap.Error(err))
		return err

	default:
		sink.Log(jobs.LevelError, fmt.Sprintf("Attempt %d of %d failed: %v", task.Attempt, task.MaxAttempts, err))
		if rerr := e.store.Requeue(run.ID, err.Error()); rerr != nil {
			log.Warn("failed to requeue run", zap.Error(rerr))
		}
		e.mirror.SetState(ctx, run.ID, jobstore.StatePending, nil)
		return err
	}
}

func (e *Executor) finish(id string, status jobstore.Status, sum *jobs.Summary, errMsg string) {
	if _, err := e.store.Finish(id, status, sum, errMsg); err != nil && !errors.Is(err, jobstore.ErrFinished) {
		e.logger.Warn("failed to finish run", zap.String("run_id", id), zap.Error(err))
	}
}

// watchRevoke cancels the run when the mirror carries a revoke flag for it.
// The returned func stops the watcher and waits for it.
func (e *Executor) watchRevoke(ctx context.Context, id string) func() {
	if e.mirror == nil || e.revokePoll <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(e.revokePoll)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if e.mirror.Revoked(ctx, id) {
					e.logger.Info("run revoked", zap.String("run_id", id))
					_, _ = e.store.Cancel(id)
					return
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (e *Executor) mirrorSink(run jobstore.Run) jobs.Sink {
	if e.mirror == nil {
		return nil
	}
	return &mirrorSink{mirror: e.mirror, id: run.ID, kind: run.Kind}
}

// mirrorSink writes a PROGRESS record per progress update, carrying the
// latest log line
type mirrorSink struct {
	mirror *jobstore.RedisMirror
	id     string
	kind   jobs.Kind

	mu   sync.Mutex
	last string
}

func (m *mirrorSink) Log(level jobs.Level, line string) {
	m.mu.Lock()
	m.last = line
	m.mu.Unlock()
}

func (m *mirrorSink) Progress(done, total int) {
	m.mu.Lock()
	last := m.last
	m.mu.Unlock()
	m.mirror.SetState(context.Background(), m.id, jobstore.StateProgress, map[string]any{
		"kind":    string(m.kind),
		"current": done,
		"total":   total,
		"message": last,
	})
}
