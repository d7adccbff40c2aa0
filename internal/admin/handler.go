// Package admin serves the password-protected admin panel: record editing,
// the job API with its progress streams, and cron triggers.
package admin

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/cexll/aidir/internal/auth"
	"github.com/cexll/aidir/internal/catalog"
	"github.com/cexll/aidir/internal/jobs"
	"github.com/cexll/aidir/internal/jobstore"
	"github.com/cexll/aidir/internal/table"
	"github.com/cexll/aidir/internal/web"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Jobs starts and reports job runs
type Jobs interface {
	Start(ctx context.Context, kind jobs.Kind, opts jobs.Options, trigger string) (jobstore.Run, error)
	Busy(kind jobs.Kind) bool
	Cancel(ctx context.Context, id string) (jobstore.Run, error)
	Get(ctx context.Context, id string) (jobstore.Run, error)
	List(ctx context.Context, limit int) ([]jobstore.Run, error)
	Subscribe(ctx context.Context, id string) (<-chan jobstore.Event, func(), error)
}

// Records edits raw table records
type Records interface {
	Records(ctx context.Context, e catalog.Entity) ([]table.Record, error)
	Record(ctx context.Context, e catalog.Entity, id string) (*table.Record, error)
	CreateRecord(ctx context.Context, e catalog.Entity, fields table.Fields) (*table.Record, error)
	SaveRecord(ctx context.Context, e catalog.Entity, id string, fields table.Fields) (*table.Record, error)
	DeleteRecord(ctx context.Context, e catalog.Entity, id string) error
}

// Reindexer refreshes the public search index in the background
type Reindexer interface {
	RebuildAsync()
}

// Config wires the admin handler
type Config struct {
	Sessions   *auth.Sessions
	Jobs       Jobs
	Records    Records
	Index      Reindexer
	CronSecret string
	Logger     *zap.Logger
}

// Handler handles admin pages and the admin API
type Handler struct {
	sessions   *auth.Sessions
	jobs       Jobs
	records    Records
	index      Reindexer
	cronSecret string
	logger     *zap.Logger

	pages      map[string]*template.Template
	loginLimit *rate.Limiter
	deliveries *deliveryDeduper
}

const recentRuns = 20

func NewHandler(cfg Config) (*Handler, error) {
	if cfg.Sessions == nil {
		return nil, errors.New("admin: sessions are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	pages, err := web.ParsePages(templatesFS, "templates/layout.html", "templates/*.html")
	if err != nil {
		return nil, err
	}
	return &Handler{
		sessions:   cfg.Sessions,
		jobs:       cfg.Jobs,
		records:    cfg.Records,
		index:      cfg.Index,
		cronSecret: cfg.CronSecret,
		logger:     cfg.Logger,
		pages:      pages,
		loginLimit: rate.NewLimiter(rate.Every(time.Second), 5),
		deliveries: newDeliveryDeduper(12 * time.Hour),
	}, nil
}

// RegisterRoutes registers the admin pages, the admin API, the legacy bulk
// endpoints and the cron trigger on r
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/admin/login", h.handleLoginPage).Methods("GET")
	r.HandleFunc("/admin/login", h.handleLogin).Methods("POST")
	r.HandleFunc("/admin/logout", h.handleLogout).Methods("POST")
	r.HandleFunc("/api/cron/{kind}", h.handleCron).Methods("POST")
	r.Handle("/api/bulk-update-{kind}", h.sessions.Middleware(http.HandlerFunc(h.handleBulkUpdate))).Methods("POST")

	api := r.PathPrefix("/api/admin").Subrouter()
	api.Use(h.sessions.Middleware)
	api.HandleFunc("/jobs", h.handleListRuns).Methods("GET")
	api.HandleFunc("/jobs/{kind}", h.handleStartRun).Methods("POST")
	api.HandleFunc("/jobs/{id}", h.handleGetRun).Methods("GET")
	api.HandleFunc("/jobs/{id}/cancel", h.handleCancelRun).Methods("POST")
	api.HandleFunc("/jobs/{id}/stream", h.handleStream).Methods("GET")
	api.HandleFunc("/jobs/{id}/events", h.handleEvents).Methods("GET")
	api.HandleFunc("/jobs/{id}/ws", h.handleWebSocket).Methods("GET")

	pages := r.PathPrefix("/admin").Subrouter()
	pages.Use(h.sessions.Middleware)
	pages.HandleFunc("", h.handleDashboard).Methods("GET")
	pages.HandleFunc("/", h.handleDashboard).Methods("GET")
	pages.HandleFunc("/jobs", h.handleJobsPage).Methods("GET")
	pages.HandleFunc("/jobs/{id}", h.handleRunPage).Methods("GET")
	pages.HandleFunc("/records/{entity}", h.handleRecordList).Methods("GET")
	pages.HandleFunc("/records/{entity}/new", h.handleRecordNew).Methods("GET")
	pages.HandleFunc("/records/{entity}/new", h.handleRecordCreate).Methods("POST")
	pages.HandleFunc("/records/{entity}/{id}", h.handleRecordEdit).Methods("GET")
	pages.HandleFunc("/records/{entity}/{id}", h.handleRecordSave).Methods("POST")
	pages.HandleFunc("/records/{entity}/{id}/delete", h.handleRecordDelete).Methods("POST")
}

func (h *Handler) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	if h.sessions.Check(r) == nil {
		http.Redirect(w, r, auth.SafeNext(r.URL.Query().Get("next")), http.StatusSeeOther)
		return
	}
	h.render(w, r, http.StatusOK, "login.html", map[string]any{
		"Title": "Sign in",
		"Next":  r.URL.Query().Get("next"),
	})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Error parsing form", http.StatusBadRequest)
		return
	}
	next := r.PostForm.Get("next")
	if !h.loginLimit.Allow() {
		h.render(w, r, http.StatusTooManyRequests, "login.html", map[string]any{
			"Title": "Sign in",
			"Next":  next,
			"Error": "Too many attempts. Wait a moment and try again.",
		})
		return
	}
	if err := h.sessions.Login(w, r.PostForm.Get("password")); err != nil {
		status := http.StatusUnauthorized
		msg := "Wrong password."
		if !errors.Is(err, auth.ErrBadPassword) {
			h.logger.Error("failed to issue session", zap.Error(err))
			status, msg = http.StatusInternalServerError, "Could not sign in."
		} else {
			h.logger.Warn("admin login failed", zap.String("remote_addr", r.RemoteAddr))
		}
		h.render(w, r, status, "login.html", map[string]any{
			"Title": "Sign in",
			"Next":  next,
			"Error": msg,
		})
		return
	}
	h.logger.Info("admin logged in", zap.String("remote_addr", r.RemoteAddr))
	http.Redirect(w, r, auth.SafeNext(next), http.StatusSeeOther)
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	h.sessions.Logout(w)
	http.Redirect(w, r, "/admin/login", http.StatusSeeOther)
}

type kindState struct {
	Kind        jobs.Kind
	Description string
	Busy        bool
}

func (h *Handler) kindStates() []kindState {
	kinds := jobs.Kinds()
	out := make([]kindState, len(kinds))
	for i, k := range kinds {
		out[i] = kindState{Kind: k, Description: k.Describe(), Busy: h.jobs.Busy(k)}
	}
	return out
}

func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	runs, err := h.jobs.List(r.Context(), 5)
	if err != nil {
		// history is optional on the dashboard
		h.logger.Warn("failed to list runs", zap.Error(err))
	}
	h.render(w, r, http.StatusOK, "dashboard.html", map[string]any{
		"Title":    "Dashboard",
		"Entities": catalog.Entities,
		"Kinds":    h.kindStates(),
		"Runs":     runs,
	})
}

func (h *Handler) handleJobsPage(w http.ResponseWriter, r *http.Request) {
	runs, err := h.jobs.List(r.Context(), recentRuns)
	if err != nil {
		h.logger.Warn("failed to list runs", zap.Error(err))
	}
	h.render(w, r, http.StatusOK, "jobs.html", map[string]any{
		"Title": "Jobs",
		"Kinds": h.kindStates(),
		"Runs":  runs,
	})
}

func (h *Handler) handleRunPage(w http.ResponseWriter, r *http.Request) {
	run, err := h.jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			h.render(w, r, http.StatusNotFound, "error.html", map[string]any{
				"Title":   "Run not found",
				"Message": "That run is not in memory or in the run history.",
			})
			return
		}
		h.serverError(w, r, err)
		return
	}
	h.render(w, r, http.StatusOK, "run.html", map[string]any{
		"Title": fmt.Sprintf("Run %s", run.Kind),
		"Run":   run,
	})
}

func (h *Handler) reindex() {
	if h.index != nil {
		h.index.RebuildAsync()
	}
}

func (h *Handler) render(w http.ResponseWriter, r *http.Request, status int, page string, data map[string]any) {
	tmpl, ok := h.pages[page]
	if !ok {
		h.serverError(w, r, fmt.Errorf("unknown page %s", page))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := tmpl.ExecuteTemplate(w, "layout", data); err != nil {
		h.logger.Error("failed to render admin page",
			zap.String("page", page),
			zap.String("request_id", web.RequestID(r.Context())),
			zap.Error(err),
		)
	}
}

func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Error("admin request failed",
		zap.String("path", r.URL.Path),
		zap.String("request_id", web.RequestID(r.Context())),
		zap.Error(err),
	)
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
