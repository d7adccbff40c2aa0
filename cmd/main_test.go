package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/cexll/aidir/internal/web"
)

func setRequiredEnv(t *testing.T, provider string) {
	t.Helper()
	tableAPI := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"records":[]}`))
	}))
	t.Cleanup(tableAPI.Close)

	t.Setenv("ADMIN_PASSWORD", "hunter2")
	t.Setenv("SESSION_SECRET", "0123456789abcdef0123")
	t.Setenv("TABLE_API_URL", tableAPI.URL)
	t.Setenv("TABLE_API_KEY", "key")
	t.Setenv("TABLE_BASE_ID", "app123")
	t.Setenv("LLM_PROVIDER", provider)
	t.Setenv("OPENAI_API_KEY", "test-openai-key")
	t.Setenv("OPENAI_BASE_URL", "")
	t.Setenv("QUEUE_BACKEND", "memory")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("JOB_HISTORY_DB", filepath.Join(t.TempDir(), "jobs.db"))
	t.Setenv("PROMPTS_FILE", "")
	t.Setenv("DISPATCHER_WORKERS", "1")
	t.Setenv("DISPATCHER_QUEUE_SIZE", "1")
	t.Setenv("LOG_LEVEL", "error")
}

func TestRun_StartsServerWithValidConfig(t *testing.T) {
	setRequiredEnv(t, "openai")
	t.Setenv("PORT", "4321")

	var servedAddr string
	var servedHandler http.Handler

	serve := func(addr string, handler http.Handler) error {
		servedAddr = addr
		servedHandler = handler

		// Smoke test a couple of routes while the components are alive.
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("/health status = %d, want 200", rec.Code)
		}

		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/login", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("/admin/login status = %d, want 200", rec.Code)
		}

		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/jobs", nil))
		if rec.Code != http.StatusSeeOther {
			t.Errorf("/admin/jobs status = %d, want 303 to login", rec.Code)
		}
		if rec.Header().Get("X-Request-Id") == "" {
			t.Errorf("request id middleware is not installed")
		}
		return nil
	}

	if err := run(context.Background(), serve); err != nil {
		t.Fatalf("run() returned error: %v", err)
	}

	if servedAddr != ":4321" {
		t.Fatalf("serve addr = %q, want :4321", servedAddr)
	}
	if servedHandler == nil {
		t.Fatalf("serve handler is nil")
	}
}

func TestRun_ReturnsErrorWhenServeFails(t *testing.T) {
	setRequiredEnv(t, "openai")

	expected := errors.New("listen failed")
	err := run(context.Background(), func(string, http.Handler) error {
		return expected
	})

	if err == nil {
		t.Fatalf("run() error = nil, want %v", expected)
	}
	if !errors.Is(err, expected) {
		t.Fatalf("run() error = %v, want to wrap %v", err, expected)
	}
}

func TestRun_ConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unsupported provider", map[string]string{"LLM_PROVIDER": "unknown"}, "invalid provider"},
		{"missing admin password", map[string]string{"ADMIN_PASSWORD": ""}, "ADMIN_PASSWORD"},
		{"missing table key", map[string]string{"TABLE_API_KEY": ""}, "TABLE_API_KEY"},
		{"redis backend without address", map[string]string{"QUEUE_BACKEND": "redis"}, "REDIS_ADDR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequiredEnv(t, "openai")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			called := false
			err := run(context.Background(), func(string, http.Handler) error {
				called = true
				return nil
			})
			if err == nil {
				t.Fatal("run() error = nil, want configuration error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want mention of %s", err, tt.want)
			}
			if called {
				t.Fatalf("serve should not be called when configuration fails")
			}
		})
	}
}

func TestRun_RedisBackend(t *testing.T) {
	setRequiredEnv(t, "openai")
	t.Setenv("QUEUE_BACKEND", "redis")
	// nothing listens here; clients connect lazily
	t.Setenv("REDIS_ADDR", "127.0.0.1:1")

	err := run(context.Background(), func(addr string, handler http.Handler) error {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("/health status = %d, want 200", rec.Code)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("run() returned error: %v", err)
	}
}

func TestRun_WebHandlerError(t *testing.T) {
	setRequiredEnv(t, "openai")

	prevWebHandler := newWebHandler
	defer func() { newWebHandler = prevWebHandler }()
	newWebHandler = func(web.Catalog, web.Searcher, *zap.Logger) (*web.Handler, error) {
		return nil, errors.New("inject failure")
	}

	err := run(context.Background(), func(string, http.Handler) error {
		t.Fatalf("serve should not be called on web handler failure")
		return nil
	})
	if err == nil {
		t.Fatal("run() error = nil, want web handler failure")
	}
	if !strings.Contains(err.Error(), "failed to initialize web handler") {
		t.Fatalf("error = %v, want web handler failure", err)
	}
}

func TestRun_LoggerError(t *testing.T) {
	setRequiredEnv(t, "openai")

	prevLogger := newLogger
	defer func() { newLogger = prevLogger }()
	newLogger = func(level, format string) (*zap.Logger, error) {
		return nil, errors.New("bad sink")
	}

	err := run(context.Background(), func(string, http.Handler) error {
		t.Fatalf("serve should not be called on logger failure")
		return nil
	})
	if err == nil || !strings.Contains(err.Error(), "failed to initialize logger") {
		t.Fatalf("error = %v, want logger failure", err)
	}
}
