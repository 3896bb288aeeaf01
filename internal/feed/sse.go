package feed

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/ashureev/classwatch/internal/domain"
	"github.com/ashureev/classwatch/internal/identity"
)

// StreamConfig tunes the SSE and WebSocket handlers.
type StreamConfig struct {
	KeepaliveInterval time.Duration
	RetryDelay        time.Duration
	DefaultReplay     int
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = 15 * time.Second
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 5 * time.Second
	}
	return c
}

// SSEHandler streams violation events as server-sent events.
type SSEHandler struct {
	hub *Hub
	cfg StreamConfig
}

// NewSSEHandler creates an SSE handler backed by hub.
func NewSSEHandler(hub *Hub, cfg StreamConfig) *SSEHandler {
	return &SSEHandler{hub: hub, cfg: cfg.withDefaults()}
}

// ServeHTTP handles GET /api/feed/stream.
//
// Query parameters: student_id filters to one student; replay=N sends the N
// most recent buffered events; Last-Event-ID (header) or last_event_id
// resumes after a previously seen seq.
func (h *SSEHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	viewerID := identity.ViewerIDFromContext(r.Context())
	q := r.URL.Query()

	studentID := q.Get("student_id")
	if studentID != "" && !domain.ValidStudentID(studentID) {
		http.Error(w, `{"error": "invalid student_id"}`, http.StatusBadRequest)
		return
	}

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = q.Get("last_event_id")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil && parsed > 0 {
			lastEventID = parsed
			slog.Info("SSE viewer reconnecting with Last-Event-ID", "viewer_id", viewerID, "last_event_id", lastEventID)
		}
	}

	replay := replayParam(q, h.cfg.DefaultReplay)

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", h.cfg.RetryDelay.Milliseconds())); err != nil {
		slog.Warn("failed to write SSE retry header", "error", err, "viewer_id", viewerID)
		return
	}
	flusher.Flush()

	sub, missed := h.hub.Subscribe(SubscribeOptions{
		Name:      "sse:" + viewerID,
		StudentID: studentID,
		AfterSeq:  lastEventID,
		Replay:    replay,
	})
	defer sub.Close()

	connected := fmt.Sprintf(`{"status":"connected","viewer_id":%q,"replayed":%d}`, viewerID, len(missed))
	if err := writeSSE(w, "connected", connected); err != nil {
		slog.Warn("failed to write SSE connected event", "error", err, "viewer_id", viewerID)
		return
	}
	for _, ev := range missed {
		if err := writeEvent(w, ev); err != nil {
			slog.Warn("failed to replay SSE event", "error", err, "viewer_id", viewerID)
			return
		}
	}
	flusher.Flush()

	slog.Info("SSE viewer connected",
		"viewer_id", viewerID,
		"student_id", studentID,
		"replayed", len(missed),
		"reconnect", lastEventID > 0,
	)

	keepalive := time.NewTicker(h.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("SSE viewer disconnected", "viewer_id", viewerID)
			return
		case ev, ok := <-sub.C():
			if !ok {
				slog.Info("SSE feed closed", "viewer_id", viewerID)
				return
			}
			if err := writeEvent(w, ev); err != nil {
				slog.Warn("failed to write SSE event", "error", err, "viewer_id", viewerID)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeSSE(w, "ping", `{"status":"alive"}`); err != nil {
				slog.Warn("failed to write SSE keepalive ping", "error", err, "viewer_id", viewerID)
				return
			}
			flusher.Flush()
		}
	}
}

// replayParam reads ?replay=N, falling back to def when absent or invalid.
func replayParam(q url.Values, def int) int {
	if v := q.Get("replay"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return def
}

func writeEvent(w io.Writer, ev domain.ViolationEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: violation\ndata: %s\n\n", ev.Seq, data)
	return err
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
