package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cexll/aidir/internal/jobs"
)

// Mirror states, readable by tooling that polls task records in Redis
const (
	StatePending  = "PENDING"
	StateProgress = "PROGRESS"
	StateSuccess  = "SUCCESS"
	StateFailure  = "FAILURE"
	StateRevoked  = "REVOKED"
)

const (
	runMetaPrefix   = "aidir:run-meta-"
	runRevokePrefix = "aidir:run-revoke-"
	runMetaTTL    = 7 * 24 * time.Hour
)

// StateRecord is the JSON value stored per run
type StateRecord struct {
	Status    string         `json:"status"`
	Result    map[string]any `json:"result,omitempty"`
	UpdatedAt string         `json:"updated_at"`
}

// stateClient is the subset of *redis.Client the mirror uses
type stateClient interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
}

// RedisMirror copies run state into Redis. A nil mirror does nothing.
type RedisMirror struct {
	rdb    stateClient
	logger *zap.Logger
	now    func() time.Time
}

func NewRedisMirror(rdb stateClient, logger *zap.Logger) *RedisMirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisMirror{rdb: rdb, logger: logger, now: time.Now}
}

// SetState writes the state record for runID; failures are logged, not returned
func (m *RedisMirror) SetState(ctx context.Context, runID, state string, result map[string]any) {
	if m == nil {
		return
	}
	rec := StateRecord{Status: state, Result: result, UpdatedAt: m.now().UTC().Format(time.RFC3339)}
	b, err := json.Marshal(rec)
	if err != nil {
		m.logger.Error("failed to encode run state", zap.String("run_id", runID), zap.Error(err))
		return
	}
	if err := m.rdb.Set(ctx, runMetaPrefix+runID, b, runMetaTTL).Err(); err != nil {
		m.logger.Error("failed to persist run state",
			zap.String("run_id", runID),
			zap.String("status", state),
			zap.Error(err),
		)
		return
	}
	if state == StateProgress {
		m.logger.Debug("run state updated", zap.String("run_id", runID), zap.String("status", state))
	}
}

// State reads the record for runID
func (m *RedisMirror) State(ctx context.Context, runID string) (StateRecord, bool) {
	if m == nil {
		return StateRecord{}, false
	}
	raw, err := m.rdb.Get(ctx, runMetaPrefix+runID).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			m.logger.Warn("failed to read run state", zap.String("run_id", runID), zap.Error(err))
		}
		return StateRecord{}, false
	}
	var rec StateRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return StateRecord{}, false
	}
	return rec, true
}

// Revoke asks whichever process runs runID to cancel it. The flag is kept
// apart from the state record so progress writes cannot overwrite it.
func (m *RedisMirror) Revoke(ctx context.Context, runID string) {
	if m == nil {
		return
	}
	if err := m.rdb.Set(ctx, runRevokePrefix+runID, "1", runMetaTTL).Err(); err != nil {
		m.logger.Error("failed to revoke run", zap.String("run_id", runID), zap.Error(err))
	}
}

// Revoked reports whether Revoke was called for runID
func (m *RedisMirror) Revoked(ctx context.Context, runID string) bool {
	if m == nil {
		return false
	}
	n, err := m.rdb.Exists(ctx, runRevokePrefix+runID).Result()
	if err != nil {
		m.logger.Warn("failed to check run revocation", zap.String("run_id", runID), zap.Error(err))
		return false
	}
	return n > 0
}

// StateFor maps a run status to its mirror state
func StateFor(s Status) string {
	switch s {
	case StatusRunning:
		return StateProgress
	case StatusCompleted:
		return StateSuccess
	case StatusFailed:
		return StateFailure
	case StatusCanceled:
		return StateRevoked
	}
	return StatePending
}

// StatusForState maps a mirror state back to a run status
func StatusForState(state string) Status {
	switch state {
	case StateProgress:
		return StatusRunning
	case StateSuccess:
		return StatusCompleted
	case StateFailure:
		return StatusFailed
	case StateRevoked:
		return StatusCanceled
	}
	return StatusPending
}

// RunFromState rebuilds the parts of a run the mirror carries
func RunFromState(id string, rec StateRecord) Run {
	run := Run{ID: id, Status: StatusForState(rec.Status)}
	if k, ok := rec.Result["kind"].(string); ok {
		run.Kind = jobs.Kind(k)
	}
	run.Done = intField(rec.Result, "current")
	run.Total = intField(rec.Result, "total")
	if msg, ok := rec.Result["error"].(string); ok {
		run.Error = msg
	}
	if ts, err := time.Parse(time.RFC3339, rec.UpdatedAt); err == nil {
		run.UpdatedAt = ts
	}
	return run
}

// intField reads a number decoded from JSON (float64) or set in process (int)
func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// RunResult is the result payload mirrored for run
func RunResult(run Run) map[string]any {
	res := map[string]any{
		"kind":    string(run.Kind),
		"current": run.Done,
		"total":   run.Total,
	}
	if n := len(run.Logs); n > 0 {
		res["message"] = run.Logs[n-1].Message
	}
	if run.Summary != nil {
		res["summary"] = run.Summary.String()
	}
	if run.Error != "" {
		res["error"] = run.Error
	}
	return res
}
