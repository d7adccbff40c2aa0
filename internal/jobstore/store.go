// Package jobstore tracks job runs: live state and log lines in memory,
// finished runs in SQLite, and an optional state mirror in Redis.
package jobstore

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cexll/aidir/internal/jobs"
)

var (
	ErrNotFound = errors.New("run not found")
	ErrFinished = errors.New("run already finished")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Finished reports whether no more events will follow
func (s Status) Finished() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCanceled
}

// Run is one execution of a job kind
type Run struct {
	ID         string        `json:"id"`
	Kind       jobs.Kind     `json:"kind"`
	Options    jobs.Options  `json:"options"`
	Trigger    string        `json:"trigger,omitempty"`
	Status     Status        `json:"status"`
	Done       int           `json:"done"`
	Total      int           `json:"total"`
	Summary    *jobs.Summary `json:"summary,omitempty"`
	Error      string        `json:"error,omitempty"`
	Logs       []LogEntry    `json:"logs,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  time.Time     `json:"started_at,omitzero"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

type LogEntry struct {
	Seq       int        `json:"seq"`
	Timestamp time.Time  `json:"ts"`
	Level     jobs.Level `json:"level"`
	Message   string     `json:"message"`
}

// Event is pushed to subscribers
type Event struct {
	Type   string    `json:"type"` // log, progress, status, lagged
	Log    *LogEntry `json:"log,omitempty"`
	Done   int       `json:"done,omitempty"`
	Total  int       `json:"total,omitempty"`
	Status Status    `json:"status,omitempty"`
	Error  string    `json:"error,omitempty"`
}

const (
	EventLog      = "log"
	EventProgress = "progress"
	EventStatus   = "status"
)

// EventLagged is the last event of a subscription dropped for falling
// behind. The run goes on; subscribing again replays its log.
const EventLagged = "lagged"

const (
	defaultMaxRuns = 50
	subBuffer      = 256
)

type subscriber struct {
	ch chan Event
}

type entry struct {
	run             Run
	cancel          context.CancelFunc
	cancelRequested bool
	subs            map[*subscriber]struct{}
}

// Store holds runs in memory. Finished runs beyond maxRuns are dropped oldest first.
type Store struct {
	mu      sync.RWMutex
	runs    map[string]*entry
	maxRuns int
	now     func() time.Time
	hooks   []func(Run)
}

func NewStore(maxRuns int) *Store {
	if maxRuns <= 0 {
		maxRuns = defaultMaxRuns
	}
	return &Store{
		runs:    make(map[string]*entry),
		maxRuns: maxRuns,
		now:     time.Now,
	}
}

// Create registers a pending run and returns a snapshot of it
func (s *Store) Create(kind jobs.Kind, opts jobs.Options, trigger string) Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	e := &entry{
		run: Run{
			ID:        uuid.NewString(),
			Kind:      kind,
			Options:   opts,
			Trigger:   trigger,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
		subs: make(map[*subscriber]struct{}),
	}
	s.runs[e.run.ID] = e
	s.pruneLocked()
	return snapshot(&e.run, true)
}

// Adopt registers a pending run under an id created elsewhere, such as
// by the web process when the worker runs out of process. An existing run is
// returned unchanged.
func (s *Store) Adopt(id string, kind jobs.Kind, opts jobs.Options, trigger string) Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.runs[id]; ok {
		return snapshot(&e.run, true)
	}
	now := s.now()
	e := &entry{
		run: Run{
			ID:        id,
			Kind:      kind,
			Options:   opts,
			Trigger:   trigger,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		},
		subs: make(map[*subscriber]struct{}),
	}
	s.runs[id] = e
	s.pruneLocked()
	return snapshot(&e.run, true)
}

// Get returns a copy of the run including its log
func (s *Store) Get(id string) (Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.runs[id]
	if !ok {
		return Run{}, false
	}
	return snapshot(&e.run, true), true
}

// List returns runs newest first, without log lines
func (s *Store) List() []Run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Run, 0, len(s.runs))
	for _, e := range s.runs {
		out = append(out, snapshot(&e.run, false))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Active returns the unfinished run of kind, if any
func (s *Store) Active(kind jobs.Kind) (Run, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.runs {
		if e.run.Kind == kind && !e.run.Status.Finished() {
			return snapshot(&e.run, false), true
		}
	}
	return Run{}, false
}

// AppendLog adds a line and forwards it to subscribers
func (s *Store) AppendLog(id string, level jobs.Level, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	le := LogEntry{
		Seq:       len(e.run.Logs) + 1,
		Timestamp: now,
		Level:     level,
		Message:   message,
	}
	e.run.Logs = append(e.run.Logs, le)
	e.run.UpdatedAt = now
	s.publishLocked(e, Event{Type: EventLog, Log: &le})
	return nil
}

// SetProgress records items done out of total
func (s *Store) SetProgress(id string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	e.run.Done, e.run.Total = done, total
	e.run.UpdatedAt = s.now()
	s.publishLocked(e, Event{Type: EventProgress, Done: done, Total: total})
	return nil
}

// Start marks a pending run as running. It fails with ErrFinished when the
// run was canceled while queued.
func (s *Store) Start(id string, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	if e.run.Status.Finished() || e.cancelRequested {
		return ErrFinished
	}
	now := s.now()
	e.run.Status = StatusRunning
	e.run.Error = ""
	e.run.StartedAt = now
	e.run.UpdatedAt = now
	e.cancel = cancel
	s.publishLocked(e, Event{Type: EventStatus, Status: StatusRunning})
	return nil
}

// Requeue puts a failed attempt back to pending so the dispatcher can retry it
func (s *Store) Requeue(id string, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[id]
	if !ok {
		return ErrNotFound
	}
	if e.run.Status.Finished() {
		return ErrFinished
	}
	e.run.Status = StatusPending
	e.run.Error = errMsg
	e.run.UpdatedAt = s.now()
	e.cancel = nil
	s.publishLocked(e, Event{Type: EventStatus, Status: StatusPending, Error: errMsg})
	return nil
}

// OnFinish registers fn to be called with the final snapshot of every run
// that finishes. Hooks run in the finishing goroutine, after the store lock
// is released.
func (s *Store) OnFinish(fn func(Run)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

// Finish records the final state, closes every subscription and returns the final snapshot
func (s *Store) Finish(id string, status Status, sum *jobs.Summary, errMsg string) (Run, error) {
	run, hooks, err := s.finish(id, status, sum, errMsg)
	if err != nil {
		return run, err
	}
	for _, fn := range hooks {
		fn(run)
	}
	return run, nil
}

func (s *Store) finish(id string, status Status, sum *jobs.Summary, errMsg string) (Run, []func(Run), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[id]
	if !ok {
		return Run{}, nil, ErrNotFound
	}
	if e.run.Status.Finished() {
		return snapshot(&e.run, true), nil, ErrFinished
	}
	now := s.now()
	e.run.Status = status
	e.run.Summary = sum
	e.run.Error = errMsg
	e.run.FinishedAt = now
	e.run.UpdatedAt = now
	e.cancel = nil
	s.publishLocked(e, Event{Type: EventStatus, Status: status, Error: errMsg})
	for sub := range e.subs {
		close(sub.ch)
		delete(e.subs, sub)
	}
	s.pruneLocked()
	hooks := slices.Clone(s.hooks)
	return snapshot(&e.run, true), hooks, nil
}

// Cancel stops a run. A queued run is finished immediately; a running run
// has its context canceled and finishes once the runner returns.
func (s *Store) Cancel(id string) (Run, error) {
	s.mu.Lock()
	e, ok := s.runs[id]
	if !ok {
		s.mu.Unlock()
		return Run{}, ErrNotFound
	}
	if e.run.Status.Finished() {
		s.mu.Unlock()
		return snapshot(&e.run, false), ErrFinished
	}
	e.cancelRequested = true
	if e.run.Status == StatusPending {
		s.mu.Unlock()
		return s.Finish(id, StatusCanceled, nil, "canceled before start")
	}
	cancel := e.cancel
	snap := snapshot(&e.run, false)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return snap, nil
}

// CancelRequested reports whether Cancel was called for id
func (s *Store) CancelRequested(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.runs[id]
	return ok && e.cancelRequested
}

// Subscribe replays the run's log and then follows it. The channel is
// closed after the final status event, or after an EventLagged event if the
// subscriber falls too far behind.
func (s *Store) Subscribe(id string) (<-chan Event, func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.runs[id]
	if !ok {
		return nil, nil, ErrNotFound
	}

	sub := &subscriber{ch: make(chan Event, len(e.run.Logs)+subBuffer)}
	for i := range e.run.Logs {
		le := e.run.Logs[i]
		sub.ch <- Event{Type: EventLog, Log: &le}
	}
	if e.run.Total > 0 {
		sub.ch <- Event{Type: EventProgress, Done: e.run.Done, Total: e.run.Total}
	}
	if e.run.Status.Finished() {
		sub.ch <- Event{Type: EventStatus, Status: e.run.Status, Error: e.run.Error}
		close(sub.ch)
		return sub.ch, func() {}, nil
	}
	e.subs[sub] = struct{}{}

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := e.subs[sub]; ok {
				delete(e.subs, sub)
				close(sub.ch)
			}
		})
	}
	return sub.ch, unsubscribe, nil
}

// Sink adapts the store to a runner sink for run id
func (s *Store) Sink(id string) jobs.Sink {
	return &runSink{store: s, id: id}
}

type runSink struct {
	store *Store
	id    string
}

func (r *runSink) Log(level jobs.Level, line string) {
	_ = r.store.AppendLog(r.id, level, line)
}

func (r *runSink) Progress(done, total int) {
	_ = r.store.SetProgress(r.id, done, total)
}

// publishLocked fans ev out. The last buffer slot of each subscriber is kept
// for the lag notice, so a full send never blocks.
func (s *Store) publishLocked(e *entry, ev Event) {
	for sub := range e.subs {
		if len(sub.ch) >= cap(sub.ch)-1 {
			sub.ch <- Event{Type: EventLagged, Status: e.run.Status}
			close(sub.ch)
			delete(e.subs, sub)
			continue
		}
		sub.ch <- ev
	}
}

func (s *Store) pruneLocked() {
	if len(s.runs) <= s.maxRuns {
		return
	}
	var finished []*entry
	for _, e := range s.runs {
		if e.run.Status.Finished() {
			finished = append(finished, e)
		}
	}
	sort.Slice(finished, func(i, j int) bool {
		return finished[i].run.CreatedAt.Before(finished[j].run.CreatedAt)
	})
	for _, e := range finished {
		if len(s.runs) <= s.maxRuns {
			break
		}
		delete(s.runs, e.run.ID)
	}
}

func snapshot(r *Run, withLogs bool) Run {
	out := *r
	out.Logs = nil
	if withLogs && len(r.Logs) > 0 {
		out.Logs = append([]LogEntry(nil), r.Logs...)
	}
	if r.Summary != nil {
		sum := *r.Summary
		out.Summary = &sum
	}
	return out
}
