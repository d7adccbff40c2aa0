package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cexll/aidir/internal/dispatcher"
	"github.com/cexll/aidir/internal/executor"
	"github.com/cexll/aidir/internal/jobs"
	"github.com/cexll/aidir/internal/jobstore"
)

const maxOptionsBody = 64 << 10

type kindJSON struct {
	Kind        jobs.Kind `json:"kind"`
	Description string    `json:"description"`
	Busy        bool      `json:"busy"`
}

type startResponse struct {
	RunID     string          `json:"run_id"`
	Kind      jobs.Kind       `json:"kind"`
	Status    jobstore.Status `json:"status"`
	StreamURL string          `json:"stream_url"`
	EventsURL string          `json:"events_url"`
}

func newStartResponse(run jobstore.Run) startResponse {
	return startResponse{
		RunID:     run.ID,
		Kind:      run.Kind,
		Status:    run.Status,
		StreamURL: "/api/admin/jobs/" + run.ID + "/stream",
		EventsURL: "/api/admin/jobs/" + run.ID + "/events",
	}
}

// decodeOptions reads run options from a JSON body, a form body, or the
// query string. An empty body means default options.
func decodeOptions(r *http.Request) (jobs.Options, error) {
	var opts jobs.Options
	ct := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(ct, "application/x-www-form-urlencoded"):
		if err := r.ParseForm(); err != nil {
			return opts, fmt.Errorf("parse form: %w", err)
		}
		return optionsFromValues(r.PostForm)
	case r.Body != nil && r.Body != http.NoBody:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxOptionsBody))
		if err != nil {
			return opts, fmt.Errorf("read body: %w", err)
		}
		if len(strings.TrimSpace(string(body))) > 0 {
			if err := json.Unmarshal(body, &opts); err != nil {
				return opts, fmt.Errorf("decode options: %w", err)
			}
			return opts, nil
		}
	}
	return optionsFromValues(r.URL.Query())
}

func optionsFromValues(v map[string][]string) (jobs.Options, error) {
	get := func(key string) string {
		if vals := v[key]; len(vals) > 0 {
			return strings.TrimSpace(vals[0])
		}
		return ""
	}
	opts := jobs.Options{
		Scope: jobs.Scope(get("scope")),
		IDs:   v["ids"],
		Topic: get("topic"),
	}
	if raw := get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return opts, fmt.Errorf("limit: %q is not a number", raw)
		}
		opts.Limit = n
	}
	switch strings.ToLower(get("dry_run")) {
	case "", "0", "false", "off":
	default:
		opts.DryRun = true
	}
	return opts, nil
}

// startError maps a Start failure onto a status code
func startError(err error) (int, string) {
	switch {
	case errors.Is(err, executor.ErrUnknownKind):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, executor.ErrInvalidOptions):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, dispatcher.ErrBusy):
		return http.StatusConflict, err.Error()
	case errors.Is(err, dispatcher.ErrQueueFull), errors.Is(err, dispatcher.ErrQueueClosed):
		return http.StatusServiceUnavailable, err.Error()
	default:
		return http.StatusInternalServerError, "failed to start run"
	}
}

func (h *Handler) handleStartRun(w http.ResponseWriter, r *http.Request) {
	opts, err := decodeOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	run, err := h.jobs.Start(r.Context(), jobs.Kind(mux.Vars(r)["kind"]), opts, "admin")
	if err != nil {
		status, msg := startError(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("failed to start run", zap.Error(err))
		}
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusAccepted, newStartResponse(run))
}

func (h *Handler) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := recentRuns
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive number")
			return
		}
		limit = n
	}
	runs, err := h.jobs.List(r.Context(), limit)
	if err != nil {
		h.logger.Warn("failed to read run history", zap.Error(err))
	}
	if runs == nil {
		runs = []jobstore.Run{}
	}
	kinds := make([]kindJSON, 0, len(jobs.Kinds()))
	for _, k := range h.kindStates() {
		kinds = append(kinds, kindJSON{Kind: k.Kind, Description: k.Description, Busy: k.Busy})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"kinds": kinds,
	})
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.jobs.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		h.logger.Error("failed to get run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (h *Handler) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	run, err := h.jobs.Cancel(r.Context(), id)
	switch {
	case err == nil:
		h.logger.Info("run cancel requested", zap.String("run_id", id))
		writeJSON(w, http.StatusOK, run)
	case errors.Is(err, jobstore.ErrNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, jobstore.ErrFinished):
		writeJSON(w, http.StatusConflict, map[string]any{"error": err.Error(), "run": run})
	default:
		h.logger.Error("failed to cancel run", zap.String("run_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel run")
	}
}

// subscribe opens the event feed of the run in the request path, writing a
// JSON error when there is none
func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) (<-chan jobstore.Event, func(), bool) {
	events, unsubscribe, err := h.jobs.Subscribe(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
		} else {
			h.logger.Error("failed to subscribe to run", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to follow run")
		}
		return nil, nil, false
	}
	return events, unsubscribe, true
}

func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	events, unsubscribe, ok := h.subscribe(w, r)
	if !ok {
		return
	}
	defer unsubscribe()
	streamText(r.Context(), w, events, "")
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	events, unsubscribe, ok := h.subscribe(w, r)
	if !ok {
		return
	}
	defer unsubscribe()
	streamSSE(r.Context(), w, events, h.logger)
}

// handleBulkUpdate starts a run and streams its progress lines in the same
// response until it finishes
func (h *Handler) handleBulkUpdate(w http.ResponseWriter, r *http.Request) {
	opts, err := decodeOptions(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	run, err := h.jobs.Start(r.Context(), jobs.Kind(mux.Vars(r)["kind"]), opts, "admin")
	if err != nil {
		status, msg := startError(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("failed to start bulk update", zap.Error(err))
		}
		http.Error(w, msg, status)
		return
	}
	events, unsubscribe, err := h.jobs.Subscribe(r.Context(), run.ID)
	if err != nil {
		h.logger.Error("failed to follow bulk update", zap.String("run_id", run.ID), zap.Error(err))
		http.Error(w, "failed to follow run", http.StatusInternalServerError)
		return
	}
	defer unsubscribe()
	w.Header().Set("X-Run-Id", run.ID)
	streamText(r.Context(), w, events, fmt.Sprintf("Started %s run %s", run.Kind, run.ID))
}
