package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cexll/aidir/internal/catalog"
	"github.com/cexll/aidir/internal/llm"
)

// Item is one unit of work in a run
type Item struct {
	ID   string
	Name string
	Tool catalog.Tool
	// Tools and Topic are set for article items
	Tools []catalog.Tool
	Topic string
}

// Status is the result of processing one item
type Status string

const (
	StatusUpdated Status = "updated"
	StatusSkipped Status = "skipped"
	StatusFailed  Status = "failed"
)

// Outcome describes what happened to one item
type Outcome struct {
	Status  Status
	Message string
}

// Definition is a job kind's working set and per-item step. A Definition
// is created per run and may cache state between WorkingSet and Process.
type Definition interface {
	WorkingSet(ctx context.Context, opts Options) ([]Item, error)
	Process(ctx context.Context, item Item) (Outcome, error)
}

// Level tags a progress line
type Level string

const (
	LevelInfo  Level = "info"
	LevelError Level = "error"
)

// Sink receives progress from a run
type Sink interface {
	Log(level Level, line string)
	Progress(done, total int)
}

// Summary counts item outcomes
type Summary struct {
	Total   int `json:"total"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

func (s Summary) String() string {
	return fmt.Sprintf("%d updated, %d skipped, %d failed of %d", s.Updated, s.Skipped, s.Failed, s.Total)
}

const defaultItemTimeout = 3 * time.Minute

// Runner drives a Definition over its working set
type Runner struct {
	logger      *zap.Logger
	itemTimeout time.Duration
}

// NewRunner creates a runner. itemTimeout bounds each Process call; 0 uses the default.
func NewRunner(logger *zap.Logger, itemTimeout time.Duration) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if itemTimeout <= 0 {
		itemTimeout = defaultItemTimeout
	}
	return &Runner{logger: logger, itemTimeout: itemTimeout}
}

// Run fetches the working set and processes it in order. Item failures are
// counted and logged; the run stops early only when ctx is canceled, the model
// budget is exhausted, or the model rejects the credentials.
func (r *Runner) Run(ctx context.Context, def Definition, opts Options, sink Sink) (Summary, error) {
	var sum Summary
	sink.Log(LevelInfo, "Fetching working set…")
	items, err := def.WorkingSet(ctx, opts)
	if err != nil {
		sink.Log(LevelError, "Failed to fetch working set: "+err.Error())
		return sum, fmt.Errorf("fetch working set: %w", err)
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	n := len(items)
	sum.Total = n
	if opts.DryRun {
		sink.Log(LevelInfo, fmt.Sprintf("Processing %d item(s) (dry run, nothing is written)", n))
	} else {
		sink.Log(LevelInfo, fmt.Sprintf("Processing %d item(s)", n))
	}
	sink.Progress(0, n)

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			sink.Log(LevelError, fmt.Sprintf("Canceled after %d of %d", i, n))
			sink.Log(LevelInfo, "Stopped: "+sum.String())
			return sum, err
		}

		prefix := fmt.Sprintf("[%d/%d] %s", i+1, n, item.Name)
		start := time.Now()
		out, err := r.process(ctx, def, item)
		switch {
		case err == nil:
			switch out.Status {
			case StatusSkipped:
				sum.Skipped++
			case StatusFailed:
				sum.Failed++
			default:
				out.Status = StatusUpdated
				sum.Updated++
			}
			level := LevelInfo
			if out.Status == StatusFailed {
				level = LevelError
			}
			sink.Log(level, prefix+": "+out.Message)

		case llm.IsLimit(err):
			sink.Log(LevelError, prefix+": "+err.Error())
			sink.Log(LevelError, "Model call budget exhausted, stopping")
			sink.Log(LevelInfo, "Stopped: "+sum.String())
			return sum, NonRetryable(err)

		case ctx.Err() != nil:
			sink.Log(LevelError, fmt.Sprintf("Canceled after %d of %d", i, n))
			sink.Log(LevelInfo, "Stopped: "+sum.String())
			return sum, ctx.Err()

		case llm.IsPermanent(err):
			sum.Failed++
			sink.Log(LevelError, prefix+": error: "+err.Error())
			sink.Log(LevelError, "Model rejected the request, stopping")
			sink.Log(LevelInfo, "Stopped: "+sum.String())
			return sum, NonRetryable(err)

		case llm.IsTemporary(err):
			sum.Failed++
			sink.Log(LevelError, prefix+": error: "+err.Error()+" (model busy, rerun later)")

		default:
			sum.Failed++
			sink.Log(LevelError, prefix+": error: "+err.Error())
		}
		r.logger.Debug("job item processed",
			zap.String("item", item.ID),
			zap.Duration("took", time.Since(start)),
			zap.Error(err),
		)
		sink.Progress(i+1, n)
	}

	sink.Log(LevelInfo, "Done: "+sum.String())
	return sum, nil
}

func (r *Runner) process(ctx context.Context, def Definition, item Item) (out Outcome, err error) {
	ictx, cancel := context.WithTimeout(ctx, r.itemTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("job item panicked", zap.String("item", item.ID), zap.Any("panic", p))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	out, err = def.Process(ictx, item)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = fmt.Errorf("timed out after %s", r.itemTimeout)
	}
	return out, err
}

// WriterSink prints progress lines to w; safe for concurrent use
type WriterSink struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriterSink(w io.Writer) *WriterSink {
	return &WriterSink{w: w}
}

func (s *WriterSink) Log(level Level, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level == LevelError {
		fmt.Fprintln(s.w, "ERROR "+line)
		return
	}
	fmt.Fprintln(s.w, line)
}

func (s *WriterSink) Progress(done, total int) {}

// MultiSink forwards to every non-nil sink in order
func MultiSink(sinks ...Sink) Sink {
	var out multiSink
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type multiSink []Sink

func (m multiSink) Log(level Level, line string) {
	for _, s := range m {
		s.Log(level, line)
	}
}

func (m multiSink) Progress(done, total int) {
	for _, s := range m {
		s.Progress(done, total)
	}
}
