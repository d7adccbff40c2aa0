package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cexll/aidir/internal/dispatcher"
	"github.com/cexll/aidir/internal/jobs"
	"github.com/cexll/aidir/internal/jobstore"
)

var (
	// ErrUnknownKind is returned for a job kind that does not exist
	ErrUnknownKind = errors.New("unknown job kind")
	// ErrInvalidOptions wraps an options validation failure
	ErrInvalidOptions = errors.New("invalid job options")
)

// HistoryReader reads finished runs
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]jobstore.Run, error)
	Get(ctx context.Context, id string) (jobstore.Run, error)
}

// ServiceConfig configures a Service
type ServiceConfig struct {
	Store   *jobstore.Store
	Queue   dispatcher.Queue
	Guard   *dispatcher.Guard
	History HistoryReader
	Mirror  *jobstore.RedisMirror
	// Remote means runs execute in another process; the local copy of each
	// run then follows the mirror.
	Remote       bool
	PollInterval time.Duration
	Logger       *zap.Logger
}

// Service starts, cancels and reports job runs
type Service struct {
	store   *jobstore.Store
	queue   dispatcher.Queue
	guard   *dispatcher.Guard
	history HistoryReader
	mirror  *jobstore.RedisMirror
	remote  bool
	poll    time.Duration
	logger  *zap.Logger

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.Guard == nil {
		cfg.Guard = dispatcher.NewGuard()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	s := &Service{
		store:   cfg.Store,
		queue:   cfg.Queue,
		guard:   cfg.Guard,
		history: cfg.History,
		mirror:  cfg.Mirror,
		remote:  cfg.Remote && cfg.Mirror != nil,
		poll:    cfg.PollInterval,
		logger:  cfg.Logger,
		stop:    make(chan struct{}),
	}
	s.store.OnFinish(func(run jobstore.Run) {
		s.guard.Release(string(run.Kind))
	})
	return s
}

// Start validates opts and queues a run of kind. It fails with
// dispatcher.ErrBusy while another run of the same kind is unfinished.
func (s *Service) Start(ctx context.Context, kind jobs.Kind, opts jobs.Options, trigger string) (jobstore.Run, error) {
	k, ok := jobs.ParseKind(string(kind))
	if !ok {
		return jobstore.Run{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	opts = opts.Normalize()
	if err := opts.Validate(); err != nil {
		return jobstore.Run{}, fmt.Errorf("%w: %v", ErrInvalidOptions, err)
	}
	if !s.guard.TryAcquire(string(k)) {
		return jobstore.Run{}, dispatcher.ErrBusy
	}

	run := s.store.Create(k, opts, trigger)
	s.mirror.SetState(ctx, run.ID, jobstore.StatePending, jobstore.RunResult(run))
	err := s.queue.Enqueue(&dispatcher.Task{RunID: run.ID, Kind: k, Options: opts, Trigger: trigger})
	if err != nil {
		_, _ = s.store.Finish(run.ID, jobstore.StatusFailed, nil, "enqueue: "+err.Error())
		return jobstore.Run{}, fmt.Errorf("enqueue run: %w", err)
	}
	s.logger.Info("run queued",
		zap.String("run_id", run.ID),
		zap.String("kind", string(k)),
		zap.String("trigger", trigger),
	)
	if s.remote {
		s.follow(run.ID)
	}
	return run, nil
}

// Busy reports whether a run of kind is unfinished
func (s *Service) Busy(kind jobs.Kind) bool {
	return s.guard.Busy(string(kind))
}

// Cancel stops a queued or running run
func (s *Service) Cancel(ctx context.Context, id string) (jobstore.Run, error) {
	run, err := s.store.Cancel(id)
	if errors.Is(err, jobstore.ErrNotFound) && s.mirror != nil {
		// started before this process, possibly running elsewhere
		rec, ok := s.mirror.State(ctx, id)
		if !ok {
			return jobstore.Run{}, jobstore.ErrNotFound
		}
		remote := jobstore.RunFromState(id, rec)
		if remote.Status.Finished() {
			return remote, jobstore.ErrFinished
		}
		s.mirror.Revoke(ctx, id)
		return remote, nil
	}
	return run, err
}

// Get returns the run from memory, history, or the mirror, in that order
func (s *Service) Get(ctx context.Context, id string) (jobstore.Run, error) {
	if run, ok := s.store.Get(id); ok {
		return run, nil
	}
	if s.history != nil {
		run, err := s.history.Get(ctx, id)
		if err == nil {
			return run, nil
		}
		if !errors.Is(err, jobstore.ErrNotFound) {
			return jobstore.Run{}, err
		}
	}
	if rec, ok := s.mirror.State(ctx, id); ok {
		return jobstore.RunFromState(id, rec), nil
	}
	return jobstore.Run{}, jobstore.ErrNotFound
}

// List returns live runs and recent history, newest first, without log lines
func (s *Service) List(ctx context.Context, limit int) ([]jobstore.Run, error) {
	runs := s.store.List()
	seen := make(map[string]bool, len(runs))
	for _, r := range runs {
		seen[r.ID] = true
	}
	if s.history != nil {
		past, err := s.history.Recent(ctx, limit)
		if err != nil {
			return runs, fmt.Errorf("read run history: %w", err)
		}
		for _, r := range past {
			if !seen[r.ID] {
				r.Logs = nil
				runs = append(runs, r)
			}
		}
	}
	sort.SliceStable(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Subscribe follows a live run. A run found only in history is replayed
// from its stored log and the channel is closed.
func (s *Service) Subscribe(ctx context.Context, id string) (<-chan jobstore.Event, func(), error) {
	ch, unsubscribe, err := s.store.Subscribe(id)
	if err == nil || !errors.Is(err, jobstore.ErrNotFound) {
		return ch, unsubscribe, err
	}
	run, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return replay(run), func() {}, nil
}

func replay(run jobstore.Run) <-chan jobstore.Event {
	ch := make(chan jobstore.Event, len(run.Logs)+2)
	for i := range run.Logs {
		le := run.Logs[i]
		ch <- jobstore.Event{Type: jobstore.EventLog, Log: &le}
	}
	if run.Total > 0 {
		ch <- jobstore.Event{Type: jobstore.EventProgress, Done: run.Done, Total: run.Total}
	}
	ch <- jobstore.Event{Type: jobstore.EventStatus, Status: run.Status, Error: run.Error}
	close(ch)
	return ch
}

// Close stops following remote runs
func (s *Service) Close() {
	s.once.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
}

// follow copies the mirror's view of a run executing in another process into
// the local store until it finishes. Canceling the local run revokes it.
func (s *Service) follow(id string) {
	ctx, cancel := context.WithCancel(context.Background())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()

		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()
		started := false
		var lastMsg string
		for {
			select {
			case <-s.stop:
				return
			case <-ctx.Done():
				// local Cancel of a running run
				s.mirror.Revoke(context.Background(), id)
				_, _ = s.store.Finish(id, jobstore.StatusCanceled, nil, "canceled")
				return
			case <-ticker.C:
			}

			local, ok := s.store.Get(id)
			if !ok {
				return
			}
			if local.Status.Finished() {
				if local.Status == jobstore.StatusCanceled {
					s.mirror.Revoke(context.Background(), id)
				}
				return
			}
			rec, ok := s.mirror.State(ctx, id)
			if !ok {
				continue
			}
			remote := jobstore.RunFromState(id, rec)
			if remote.Status != jobstore.StatusPending && !started {
				if err := s.store.Start(id, cancel); err != nil {
					s.mirror.Revoke(context.Background(), id)
					return
				}
				started = true
			}
			if msg, _ := rec.Result["message"].(string); msg != "" && msg != lastMsg {
				lastMsg = msg
				_ = s.store.AppendLog(id, jobs.LevelInfo, msg)
			}
			if remote.Total > 0 {
				_ = s.store.SetProgress(id, remote.Done, remote.Total)
			}
			if remote.Status.Finished() {
				var sum *jobs.Summary
				if s.history != nil {
					if past, err := s.history.Get(ctx, id); err == nil {
						sum = past.Summary
					}
				}
				_, _ = s.store.Finish(id, remote.Status, sum, remote.Error)
				return
			}
		}
	}()
}
