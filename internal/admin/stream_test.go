package admin

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cexll/aidir/internal/auth"
	"github.com/cexll/aidir/internal/jobs"
	"github.com/cexll/aidir/internal/jobstore"
)

func dialRun(t *testing.T, f *fixture, srv *httptest.Server, id string, authed bool) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	header := http.Header{}
	if authed {
		token, _, err := f.sessions.Issue()
		require.NoError(t, err)
		header.Set("Cookie", (&http.Cookie{Name: auth.CookieName, Value: token}).String())
	}
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/admin/jobs/" + id + "/ws"
	return websocket.DefaultDialer.Dial(wsURL, header)
}

func TestWebSocket_SendsEventsAndCloses(t *testing.T) {
	f := newFixture(t, "")
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	run := f.store.Create(jobs.KindTags, jobs.Options{}, "admin")
	require.NoError(t, f.store.Start(run.ID, func() {}))
	require.NoError(t, f.store.AppendLog(run.ID, jobs.LevelInfo, "Fetching working set..."))

	conn, _, err := dialRun(t, f, srv, run.ID, true)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var ev jobstore.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, jobstore.EventLog, ev.Type)
	require.NotNil(t, ev.Log)
	assert.Equal(t, "Fetching working set...", ev.Log.Message)

	require.NoError(t, f.store.AppendLog(run.ID, jobs.LevelError, "[1/1] Zed Writer: model timeout"))
	_, err = f.store.Finish(run.ID, jobstore.StatusFailed, nil, "boom")
	require.NoError(t, err)

	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, jobs.LevelError, ev.Log.Level)
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, jobstore.EventStatus, ev.Type)
	assert.Equal(t, jobstore.StatusFailed, ev.Status)
	assert.Equal(t, "boom", ev.Error)

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)
}

func TestWebSocket_Rejections(t *testing.T) {
	f := newFixture(t, "")
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	_, resp, err := dialRun(t, f, srv, "nope", true)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	run := f.store.Create(jobs.KindTags, jobs.Options{}, "admin")
	_, resp, err = dialRun(t, f, srv, run.ID, false)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestStreamText_FeedEndsWithoutFinalStatus(t *testing.T) {
	feed := func(evs ...jobstore.Event) <-chan jobstore.Event {
		ch := make(chan jobstore.Event, len(evs))
		for _, ev := range evs {
			ch <- ev
		}
		close(ch)
		return ch
	}
	logLine := jobstore.Event{Type: jobstore.EventLog, Log: &jobstore.LogEntry{Level: jobs.LevelInfo, Message: "[1/300] Zed Writer: Writing"}}

	tests := []struct {
		name    string
		events  <-chan jobstore.Event
		want    string
		notWant string
	}{
		{
			name:    "lag notice",
			events:  feed(logLine, jobstore.Event{Type: jobstore.EventLagged, Status: jobstore.StatusRunning}),
			want:    "Stream lagged behind the run (running); reconnect to replay the log\n",
			notWant: "Stream closed before",
		},
		{
			name:   "closed early",
			events: feed(logLine),
			want:   "[1/300] Zed Writer: Writing\nStream closed before the run finished; reconnect to follow it\n",
		},
		{
			name:    "finished",
			events:  feed(logLine, jobstore.Event{Type: jobstore.EventStatus, Status: jobstore.StatusCompleted}),
			want:    "Run completed\n",
			notWant: "reconnect",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			streamText(context.Background(), rec, tt.events, "")
			assert.True(t, strings.HasSuffix(rec.Body.String(), tt.want), rec.Body.String())
			if tt.notWant != "" {
				assert.NotContains(t, rec.Body.String(), tt.notWant)
			}
		})
	}
}

func TestStreamText_SlowSubscriberSeesLagNotice(t *testing.T) {
	f := newFixture(t, "")
	run := f.store.Create(jobs.KindTags, jobs.Options{}, "admin")
	require.NoError(t, f.store.Start(run.ID, func() {}))

	events, unsubscribe, err := f.store.Subscribe(run.ID)
	require.NoError(t, err)
	defer unsubscribe()
	for i := 0; i < 300; i++ {
		require.NoError(t, f.store.AppendLog(run.ID, jobs.LevelInfo, "line"))
	}
	_, err = f.store.Finish(run.ID, jobstore.StatusCompleted, &jobs.Summary{}, "")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	streamText(context.Background(), rec, events, "")
	body := rec.Body.String()
	assert.Contains(t, body, "reconnect to replay the log")
	assert.NotContains(t, body, "Run completed")
}
