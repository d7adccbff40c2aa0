package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cexll/aidir/internal/jobs"
)

type memRedis struct {
	mu   sync.Mutex
	vals map[string]string
	ttls map[string]time.Duration
	fail error
}

func newMemRedis() *memRedis {
	return &memRedis{vals: map[string]string{}, ttls: map[string]time.Duration{}}
}

func (m *memRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return redis.NewStatusResult("", m.fail)
	}
	switch v := value.(type) {
	case []byte:
		m.vals[key] = string(v)
	case string:
		m.vals[key] = v
	}
	m.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func (m *memRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vals[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (m *memRedis) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return redis.NewIntResult(0, m.fail)
	}
	var n int64
	for _, k := range keys {
		if _, ok := m.vals[k]; ok {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func TestRedisMirror_SetAndGetState(t *testing.T) {
	rdb := newMemRedis()
	m := NewRedisMirror(rdb, nil)
	m.now = func() time.Time { return time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	run := Run{
		ID:      "abc",
		Kind:    jobs.KindTags,
		Status:  StatusCompleted,
		Done:    3,
		Total:   3,
		Summary: &jobs.Summary{Total: 3, Updated: 3},
		Logs:    []LogEntry{{Message: "Done: 3 updated, 0 skipped, 0 failed of 3"}},
	}
	m.SetState(ctx, run.ID, StateFor(run.Status), RunResult(run))

	assert.Equal(t, runMetaTTL, rdb.ttls["aidir:run-meta-abc"])
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(rdb.vals["aidir:run-meta-abc"]), &raw))
	assert.Equal(t, "SUCCESS", raw["status"])
	assert.Equal(t, "2025-05-01T08:00:00Z", raw["updated_at"])

	rec, ok := m.State(ctx, "abc")
	require.True(t, ok)
	assert.Equal(t, StateSuccess, rec.Status)
	assert.Equal(t, "tags", rec.Result["kind"])
	assert.Equal(t, "3 updated, 0 skipped, 0 failed of 3", rec.Result["summary"])

	_, ok = m.State(ctx, "missing")
	assert.False(t, ok)
}

func TestRedisMirror_ErrorsAreSwallowed(t *testing.T) {
	rdb := newMemRedis()
	rdb.fail = errors.New("connection refused")
	m := NewRedisMirror(rdb, nil)
	m.SetState(context.Background(), "x", StatePending, nil)
	assert.Empty(t, rdb.vals)

	var nilMirror *RedisMirror
	nilMirror.SetState(context.Background(), "x", StatePending, nil)
	_, ok := nilMirror.State(context.Background(), "x")
	assert.False(t, ok)
}

func TestStateFor(t *testing.T) {
	assert.Equal(t, StatePending, StateFor(StatusPending))
	assert.Equal(t, StateProgress, StateFor(StatusRunning))
	assert.Equal(t, StateFailure, StateFor(StatusFailed))
	assert.Equal(t, StateRevoked, StateFor(StatusCanceled))
}

func TestRedisMirror_Revoke(t *testing.T) {
	rdb := newMemRedis()
	m := NewRedisMirror(rdb, nil)
	ctx := context.Background()

	assert.False(t, m.Revoked(ctx, "r1"))
	m.Revoke(ctx, "r1")
	m.SetState(ctx, "r1", StateProgress, nil)
	assert.True(t, m.Revoked(ctx, "r1"))
	assert.False(t, m.Revoked(ctx, "r2"))

	var nilMirror *RedisMirror
	nilMirror.Revoke(ctx, "r1")
	assert.False(t, nilMirror.Revoked(ctx, "r1"))
}

func TestRunFromState(t *testing.T) {
	rdb := newMemRedis()
	m := NewRedisMirror(rdb, nil)
	m.now = func() time.Time { return time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	m.SetState(ctx, "r9", StateFailure, RunResult(Run{Kind: jobs.KindArticles, Done: 1, Total: 4, Error: "quota"}))
	rec, ok := m.State(ctx, "r9")
	require.True(t, ok)

	run := RunFromState("r9", rec)
	assert.Equal(t, "r9", run.ID)
	assert.Equal(t, jobs.KindArticles, run.Kind)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, 1, run.Done)
	assert.Equal(t, 4, run.Total)
	assert.Equal(t, "quota", run.Error)
	assert.Equal(t, time.Date(2025, 5, 1, 8, 0, 0, 0, time.UTC), run.UpdatedAt)
	assert.Equal(t, StatusPending, StatusForState("unknown"))
}
