package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/cexll/aidir/internal/jobs"
	"github.com/cexll/aidir/internal/jobstore"
)

const (
	keepAliveInterval = 15 * time.Second
	wsWriteWait       = 10 * time.Second
	wsPongWait        = 60 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// EventLine formats an event as a plain progress line. Progress counters
// have no line of their own; the runner already logs "[i/n]" lines.
func EventLine(ev jobstore.Event) (string, bool) {
	switch ev.Type {
	case jobstore.EventLog:
		if ev.Log == nil {
			return "", false
		}
		if ev.Log.Level == jobs.LevelError {
			return "ERROR " + ev.Log.Message, true
		}
		return ev.Log.Message, true
	case jobstore.EventStatus:
		if ev.Error != "" {
			return fmt.Sprintf("Run %s: %s", ev.Status, ev.Error), true
		}
		return fmt.Sprintf("Run %s", ev.Status), true
	case jobstore.EventLagged:
		return fmt.Sprintf("Stream lagged behind the run (%s); reconnect to replay the log", ev.Status), true
	}
	return "", false
}

func streamHeaders(w http.ResponseWriter, contentType string) {
	h := w.Header()
	h.Set("Content-Type", contentType)
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Accel-Buffering", "no")
}

// streamText writes one line per event and flushes after each, until the
// feed closes or the client goes away. A feed that closes without a final
// status gets a closing line saying so.
func streamText(ctx context.Context, w http.ResponseWriter, events <-chan jobstore.Event, first string) {
	streamHeaders(w, "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	if first != "" {
		fmt.Fprintln(w, first)
	}
	_ = rc.Flush()

	ended := false
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				if !ended {
					fmt.Fprintln(w, "Stream closed before the run finished; reconnect to follow it")
					_ = rc.Flush()
				}
				return
			}
			if (ev.Type == jobstore.EventStatus && ev.Status.Finished()) || ev.Type == jobstore.EventLagged {
				ended = true
			}
			line, ok := EventLine(ev)
			if !ok {
				continue
			}
			if _, err := fmt.Fprintln(w, line); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// streamSSE writes each event as a server-sent event named after its type,
// with comment pings to keep proxies from closing an idle stream
func streamSSE(ctx context.Context, w http.ResponseWriter, events <-chan jobstore.Event, logger *zap.Logger) {
	streamHeaders(w, "text/event-stream")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	_ = rc.Flush()

	ping := time.NewTicker(keepAliveInterval)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		case ev, ok := <-events:
			if !ok {
				fmt.Fprint(w, "event: end\ndata: {}\n\n")
				_ = rc.Flush()
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				logger.Warn("failed to encode run event", zap.Error(err))
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// handleWebSocket sends the run's events as JSON messages and closes the
// socket once the run finishes
func (h *Handler) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	events, unsubscribe, ok := h.subscribe(w, r)
	if !ok {
		return
	}
	defer unsubscribe()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// The read side only handles control frames; it ends when the client goes away.
	gone := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	closeReason := "run finished"
	ping := time.NewTicker(keepAliveInterval)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, closeReason)
				_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsWriteWait))
				// give the client a moment to answer the close frame
				select {
				case <-gone:
				case <-time.After(time.Second):
				}
				return
			}
			if ev.Type == jobstore.EventLagged {
				closeReason = "lagged, reconnect"
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("websocket write failed", zap.Error(err))
				return
			}
		}
	}
}
