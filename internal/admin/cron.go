package admin

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/cexll/aidir/internal/auth"
	"github.com/cexll/aidir/internal/jobs"
)

// DeliveryHeader optionally names a cron delivery so retried deliveries
// start only one run
const DeliveryHeader = "X-Cron-Delivery"

type deliveryDeduper struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
	now     func() time.Time
}

func newDeliveryDeduper(ttl time.Duration) *deliveryDeduper {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &deliveryDeduper{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// markIfNew returns true if id has not been seen within the ttl, and records it
func (d *deliveryDeduper) markIfNew(id string) bool {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for key, expiry := range d.entries {
		if now.After(expiry) {
			delete(d.entries, key)
		}
	}
	if expiry, ok := d.entries[id]; ok && now.Before(expiry) {
		return false
	}
	d.entries[id] = now.Add(d.ttl)
	return true
}

// forget drops id so a delivery whose run failed to start can be retried
func (d *deliveryDeduper) forget(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, id)
}

// handleCron starts a run for an external scheduler. The body is the JSON
// run options, signed with the cron secret.
func (h *Handler) handleCron(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeError(w, http.StatusNotFound, "cron triggers are disabled")
		return
	}
	if _, err := auth.VerifyRequest(r, h.cronSecret); err != nil {
		h.logger.Warn("cron signature rejected", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		writeError(w, http.StatusUnauthorized, "invalid signature")
		return
	}
	r.Header.Set("Content-Type", "application/json")
	opts, err := decodeOptions(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	delivery := strings.TrimSpace(r.Header.Get(DeliveryHeader))
	if delivery != "" && !h.deliveries.markIfNew(delivery) {
		h.logger.Info("ignoring duplicate cron delivery", zap.String("delivery", delivery))
		writeJSON(w, http.StatusOK, map[string]string{"status": "duplicate delivery ignored"})
		return
	}

	kind := jobs.Kind(mux.Vars(r)["kind"])
	run, err := h.jobs.Start(r.Context(), kind, opts, "cron")
	if err != nil {
		if delivery != "" {
			h.deliveries.forget(delivery)
		}
		status, msg := startError(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("failed to start cron run", zap.String("kind", string(kind)), zap.Error(err))
		} else {
			h.logger.Info("cron run not started", zap.String("kind", string(kind)), zap.Error(err))
		}
		writeError(w, status, msg)
		return
	}
	writeJSON(w, http.StatusAccepted, newStartResponse(run))
}
