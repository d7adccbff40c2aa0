package jobstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cexll/aidir/internal/jobs"
)

// logTail caps the log lines kept per run in history
const logTail = 200

// History persists finished runs so they survive restarts
type History struct {
	mu sync.Mutex
	db *sql.DB
}

// OpenHistory opens or creates the history database at path
func OpenHistory(path string) (*History, error) {
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history directory %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, stmt := range []string{
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			triggered_by TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			options TEXT NOT NULL DEFAULT '{}',
			total INTEGER NOT NULL DEFAULT 0,
			updated INTEGER NOT NULL DEFAULT 0,
			skipped INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			logs TEXT NOT NULL DEFAULT '[]',
			created_at TEXT NOT NULL,
			started_at TEXT NOT NULL DEFAULT '',
			finished_at TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS runs_created_at ON runs(created_at);`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init history %s: %w", path, err)
		}
	}
	return &History{db: db}, nil
}

func (h *History) Close() error {
	return h.db.Close()
}

// Record stores a finished run, replacing any earlier record with the same id
func (h *History) Record(ctx context.Context, run Run) error {
	opts, err := json.Marshal(run.Options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	logs := run.Logs
	if len(logs) > logTail {
		logs = logs[len(logs)-logTail:]
	}
	if logs == nil {
		logs = []LogEntry{}
	}
	rawLogs, err := json.Marshal(logs)
	if err != nil {
		return fmt.Errorf("encode logs: %w", err)
	}
	var sum jobs.Summary
	if run.Summary != nil {
		sum = *run.Summary
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err = h.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO runs
			(id, kind, triggered_by, status, options, total, updated, skipped, failed, error, logs, created_at, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, string(run.Kind), run.Trigger, string(run.Status), string(opts),
		sum.Total, sum.Updated, sum.Skipped, sum.Failed, run.Error, string(rawLogs),
		formatTime(run.CreatedAt), formatTime(run.StartedAt), formatTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", run.ID, err)
	}
	return nil
}

const runColumns = `id, kind, triggered_by, status, options, total, updated, skipped, failed, error, logs, created_at, started_at, finished_at`

// Recent returns up to limit runs, newest first, without log lines
func (h *History) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	rows, err := h.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		r.Logs = nil
		out = append(out, r)
	}
	return out, rows.Err()
}

// Get loads one run including its stored log tail
func (h *History) Get(ctx context.Context, id string) (Run, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, err := scanRun(h.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, ErrNotFound
	}
	if err != nil {
		return Run{}, fmt.Errorf("load run %s: %w", id, err)
	}
	return r, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var (
		r                          Run
		kind, status, opts, logs   string
		created, started, finished string
		sum                        jobs.Summary
	)
	if err := row.Scan(&r.ID, &kind, &r.Trigger, &status, &opts,
		&sum.Total, &sum.Updated, &sum.Skipped, &sum.Failed, &r.Error, &logs,
		&created, &started, &finished); err != nil {
		return Run{}, err
	}
	r.Kind = jobs.Kind(kind)
	r.Status = Status(status)
	_ = json.Unmarshal([]byte(opts), &r.Options)
	_ = json.Unmarshal([]byte(logs), &r.Logs)
	r.Summary = &sum
	r.Total, r.Done = sum.Total, sum.Total
	r.CreatedAt = parseTime(created)
	r.StartedAt = parseTime(started)
	r.FinishedAt = parseTime(finished)
	r.UpdatedAt = r.FinishedAt
	return r, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if strings.TrimSpace(s) == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
