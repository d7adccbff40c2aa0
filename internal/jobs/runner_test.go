package jobs

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/cexll/aidir/internal/llm"
)

type recordSink struct {
	mu    sync.Mutex
	lines []string
	done  int
	total int
}

func (s *recordSink) Log(level Level, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level == LevelError {
		line = "! " + line
	}
	s.lines = append(s.lines, line)
}

func (s *recordSink) Progress(done, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done, s.total = done, total
}

func (s *recordSink) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lines) == 0 {
		return ""
	}
	return s.lines[len(s.lines)-1]
}

func (s *recordSink) has(sub string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.lines {
		if strings.Contains(l, sub) {
			return true
		}
	}
	return false
}

type fakeDef struct {
	items   []Item
	fetch   error
	process func(ctx context.Context, item Item) (Outcome, error)
	seen    []string
}

func (d *fakeDef) WorkingSet(ctx context.Context, opts Options) ([]Item, error) {
	return d.items, d.fetch
}

func (d *fakeDef) Process(ctx context.Context, item Item) (Outcome, error) {
	d.seen = append(d.seen, item.ID)
	return d.process(ctx, item)
}

func items(names ...string) []Item {
	out := make([]Item, len(names))
	for i, n := range names {
		out[i] = Item{ID: strings.ToLower(n), Name: n}
	}
	return out
}

func TestRunner_Outcomes(t *testing.T) {
	defer goleak.VerifyNone(t)

	def := &fakeDef{
		items: items("A", "B", "C", "D"),
		process: func(ctx context.Context, item Item) (Outcome, error) {
			switch item.ID {
			case "b":
				return Outcome{Status: StatusSkipped, Message: "nothing to do"}, nil
			case "c":
				return Outcome{}, errors.New("boom")
			case "d":
				panic("bad answer")
			}
			return Outcome{Message: "ok"}, nil
		},
	}
	sink := &recordSink{}
	sum, err := NewRunner(nil, 0).Run(context.Background(), def, Options{}, sink)
	require.NoError(t, err)

	assert.Equal(t, Summary{Total: 4, Updated: 1, Skipped: 1, Failed: 2}, sum)
	assert.Equal(t, []string{"a", "b", "c", "d"}, def.seen)
	assert.Equal(t, "Fetching working set…", sink.lines[0])
	assert.True(t, sink.has("[1/4] A: ok"))
	assert.True(t, sink.has("[2/4] B: nothing to do"))
	assert.True(t, sink.has("! [3/4] C: error: boom"))
	assert.True(t, sink.has("! [4/4] D: error: panic: bad answer"))
	assert.Equal(t, "Done: 1 updated, 1 skipped, 2 failed of 4", sink.last())
	assert.Equal(t, 4, sink.done)
	assert.Equal(t, 4, sink.total)
}

func TestRunner_Limit(t *testing.T) {
	def := &fakeDef{
		items:   items("A", "B", "C"),
		process: func(ctx context.Context, item Item) (Outcome, error) { return Outcome{Message: "ok"}, nil },
	}
	sink := &recordSink{}
	sum, err := NewRunner(nil, 0).Run(context.Background(), def, Options{Limit: 2}, sink)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Total)
	assert.Equal(t, []string{"a", "b"}, def.seen)
	assert.True(t, sink.has("Processing 2 item(s)"))
}

func TestRunner_FetchError(t *testing.T) {
	def := &fakeDef{fetch: errors.New("table down")}
	sink := &recordSink{}
	_, err := NewRunner(nil, 0).Run(context.Background(), def, Options{}, sink)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "table down")
	assert.True(t, sink.has("! Failed to fetch working set: table down"))
}

func TestRunner_Cancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	def := &fakeDef{
		items: items("A", "B", "C"),
		process: func(_ context.Context, item Item) (Outcome, error) {
			cancel()
			return Outcome{Message: "ok"}, nil
		},
	}
	sink := &recordSink{}
	sum, err := NewRunner(nil, 0).Run(ctx, def, Options{}, sink)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, sum.Updated)
	assert.Equal(t, []string{"a"}, def.seen)
	assert.True(t, sink.has("Canceled after 1 of 3"))
	assert.Equal(t, "Stopped: 1 updated, 0 skipped, 0 failed of 3", sink.last())
}

func TestRunner_StopsOnBudget(t *testing.T) {
	def := &fakeDef{
		items: items("A", "B", "C"),
		process: func(ctx context.Context, item Item) (Outcome, error) {
			if item.ID == "b" {
				return Outcome{}, &llm.LimitError{Type: "daily_calls", Limit: 1, Current: 1, Message: "daily model call limit reached"}
			}
			return Outcome{Message: "ok"}, nil
		},
	}
	sink := &recordSink{}
	sum, err := NewRunner(nil, 0).Run(context.Background(), def, Options{}, sink)
	require.Error(t, err)
	assert.True(t, IsNonRetryable(err))
	assert.True(t, llm.IsLimit(err))
	assert.Equal(t, []string{"a", "b"}, def.seen)
	assert.Equal(t, 1, sum.Updated)
	assert.True(t, strings.HasPrefix(sink.last(), "Stopped:"))
}

func TestRunner_StopsOnPermanentModelError(t *testing.T) {
	def := &fakeDef{
		items: items("A", "B"),
		process: func(ctx context.Context, item Item) (Outcome, error) {
			return Outcome{}, &llm.StatusError{Provider: "openai", Status: 401, Message: "invalid api key"}
		},
	}
	sink := &recordSink{}
	sum, err := NewRunner(nil, 0).Run(context.Background(), def, Options{}, sink)
	require.Error(t, err)
	assert.True(t, IsNonRetryable(err))
	assert.Equal(t, 1, sum.Failed)
	assert.Equal(t, []string{"a"}, def.seen)
}

func TestRunner_TemporaryModelErrorKeepsGoing(t *testing.T) {
	def := &fakeDef{
		items: items("A", "B"),
		process: func(ctx context.Context, item Item) (Outcome, error) {
			if item.ID == "a" {
				return Outcome{}, &llm.StatusError{Provider: "anthropic", Status: 529, Message: "overloaded"}
			}
			return Outcome{Message: "ok"}, nil
		},
	}
	sink := &recordSink{}
	sum, err := NewRunner(nil, 0).Run(context.Background(), def, Options{}, sink)
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 2, Updated: 1, Failed: 1}, sum)
	assert.True(t, sink.has("! [1/2] A: error: anthropic: HTTP 529: overloaded (model busy, rerun later)"))
	assert.Equal(t, []string{"a", "b"}, def.seen)
}

func TestRunner_ItemTimeout(t *testing.T) {
	defer goleak.VerifyNone(t)

	def := &fakeDef{
		items: items("Slow", "Fast"),
		process: func(ctx context.Context, item Item) (Outcome, error) {
			if item.ID == "slow" {
				<-ctx.Done()
				return Outcome{}, ctx.Err()
			}
			return Outcome{Message: "ok"}, nil
		},
	}
	sink := &recordSink{}
	sum, err := NewRunner(nil, 20*time.Millisecond).Run(context.Background(), def, Options{}, sink)
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 2, Updated: 1, Failed: 1}, sum)
	assert.True(t, sink.has("[1/2] Slow: error: timed out after 20ms"))
}

func TestWriterSink(t *testing.T) {
	var b strings.Builder
	s := NewWriterSink(&b)
	s.Log(LevelInfo, "hello")
	s.Log(LevelError, "bad")
	assert.Equal(t, "hello\nERROR bad\n", b.String())
}

func TestMultiSink(t *testing.T) {
	a, b := &recordSink{}, &recordSink{}
	sink := MultiSink(a, nil, b)

	sink.Log(LevelError, "boom")
	sink.Progress(2, 5)

	for _, s := range []*recordSink{a, b} {
		assert.Equal(t, "! boom", s.last())
		assert.Equal(t, 2, s.done)
		assert.Equal(t, 5, s.total)
	}
}
