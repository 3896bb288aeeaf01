package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/classwatch/internal/domain"
	"github.com/ashureev/classwatch/internal/identity"
	"github.com/coder/websocket"
)

const wsWriteTimeout = 5 * time.Second

// Message types exchanged on the dashboard WebSocket.
const (
	MsgHistory   = "history"
	MsgAlert     = "violation_alert"
	MsgScreen    = "screen"
	MsgSubscribe = "subscribe"
	MsgPing      = "ping"
	MsgPong      = "pong"
)

// Message is the envelope sent to dashboard WebSocket clients.
// The flat fields mirror the alert format older dashboards understand.
type Message struct {
	Type          string                  `json:"type"`
	StudentID     string                  `json:"student_id,omitempty"`
	ViolationType domain.Kind             `json:"violation_type,omitempty"`
	ViolationData string                  `json:"violation_data,omitempty"`
	Timestamp     string                  `json:"timestamp,omitempty"`
	Image         string                  `json:"image,omitempty"`
	Event         *domain.ViolationEvent  `json:"event,omitempty"`
	Events        []domain.ViolationEvent `json:"events,omitempty"`
}

// AlertMessage wraps ev in the dashboard alert envelope.
func AlertMessage(ev domain.ViolationEvent) Message {
	return Message{
		Type:          MsgAlert,
		StudentID:     ev.StudentID,
		ViolationType: ev.Kind,
		ViolationData: ev.Details,
		Timestamp:     ev.OccurredAt.Format(time.RFC3339Nano),
		Event:         &ev,
	}
}

// clientMessage is what viewers may send.
type clientMessage struct {
	Type      string `json:"type"`
	StudentID string `json:"student_id,omitempty"`
}

// WSHandler serves the dashboard feed over WebSocket.
type WSHandler struct {
	hub            *Hub
	screens        *ScreenRelay
	cfg            StreamConfig
	originPatterns []string
}

// NewWSHandler creates a WebSocket feed handler.
func NewWSHandler(hub *Hub, cfg StreamConfig, originPatterns []string) *WSHandler {
	if len(originPatterns) == 0 {
		originPatterns = []string{"*"}
	}
	return &WSHandler{hub: hub, cfg: cfg.withDefaults(), originPatterns: originPatterns}
}

// WithScreens makes the handler forward shared screens from relay and answer
// subscribe requests with the student's latest frame.
func (h *WSHandler) WithScreens(relay *ScreenRelay) *WSHandler {
	h.screens = relay
	return h
}

// ServeHTTP handles GET /ws/teacher.
//
// Query parameters: student_id filters to one student; replay=N sets how
// many recent events the opening history message carries.
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	viewerID := identity.ViewerIDFromContext(r.Context())
	q := r.URL.Query()
	studentID := q.Get("student_id")
	if studentID != "" && !domain.ValidStudentID(studentID) {
		http.Error(w, `{"error": "invalid student_id"}`, http.StatusBadRequest)
		return
	}
	replay := replayParam(q, h.cfg.DefaultReplay)
	slog.Info("Dashboard WebSocket request", "viewer_id", viewerID, "ip", identity.IPFromRequest(r))

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "viewer_id", viewerID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "feed ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "viewer_id", viewerID)
		}
	}()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	filters := make(chan string, 1)
	go func() {
		defer cancel()
		h.readLoop(ctx, ws, viewerID, filters)
	}()

	h.writeLoop(ctx, ws, viewerID, studentID, replay, filters)
	slog.Info("Dashboard WebSocket closed", "viewer_id", viewerID)
}

func (h *WSHandler) readLoop(ctx context.Context, ws *websocket.Conn, viewerID string, filters chan string) {
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by viewer", "viewer_id", viewerID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "viewer_id", viewerID)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case MsgPing:
			if err := writeJSON(ctx, ws, Message{Type: MsgPong}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		case MsgSubscribe:
			if msg.StudentID != "" && !domain.ValidStudentID(msg.StudentID) {
				continue
			}
			// Keep only the latest requested filter.
			select {
			case <-filters:
			default:
			}
			filters <- msg.StudentID
		}
	}
}

// sendLastFrame gives a viewer who just picked a student that student's
// current screen without waiting for the next frame.
func (h *WSHandler) sendLastFrame(ctx context.Context, ws *websocket.Conn, viewerID, studentID string) {
	if h.screens == nil || studentID == "" {
		return
	}
	f, ok := h.screens.Last(studentID)
	if !ok {
		return
	}
	if err := writeJSON(ctx, ws, ScreenMessage(f)); err != nil {
		slog.Debug("Failed to send last screen", "error", err, "viewer_id", viewerID)
	}
}

func (h *WSHandler) writeLoop(ctx context.Context, ws *websocket.Conn, viewerID, studentID string, replay int, filters <-chan string) {
	sub, history := h.hub.Subscribe(SubscribeOptions{
		Name:      "ws:" + viewerID,
		StudentID: studentID,
		Replay:    replay,
	})
	defer func() { sub.Close() }()

	var screens <-chan Frame
	if h.screens != nil {
		watch := h.screens.Watch()
		defer watch.Close()
		screens = watch.C()
	}

	var lastSeq int64
	if err := writeJSON(ctx, ws, Message{Type: MsgHistory, Events: history}); err != nil {
		slog.Debug("Failed to send history", "error", err, "viewer_id", viewerID)
		return
	}
	if len(history) > 0 {
		lastSeq = history[len(history)-1].Seq
	}
	h.sendLastFrame(ctx, ws, viewerID, studentID)

	keepalive := time.NewTicker(h.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case id := <-filters:
			// Resubscribe from the last seq sent so the switch loses nothing.
			sub.Close()
			var missed []domain.ViolationEvent
			sub, missed = h.hub.Subscribe(SubscribeOptions{
				Name:      "ws:" + viewerID,
				StudentID: id,
				AfterSeq:  lastSeq,
			})
			studentID = id
			slog.Info("Dashboard filter changed", "viewer_id", viewerID, "student_id", id)
			for _, ev := range missed {
				if err := writeJSON(ctx, ws, AlertMessage(ev)); err != nil {
					return
				}
				lastSeq = ev.Seq
			}
			h.sendLastFrame(ctx, ws, viewerID, id)
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			if err := writeJSON(ctx, ws, AlertMessage(ev)); err != nil {
				slog.Debug("Failed to write alert", "error", err, "viewer_id", viewerID)
				return
			}
			lastSeq = ev.Seq
		case f, ok := <-screens:
			if !ok {
				screens = nil
				continue
			}
			if studentID != "" && f.StudentID != studentID {
				continue
			}
			if err := writeJSON(ctx, ws, ScreenMessage(f)); err != nil {
				slog.Debug("Failed to write screen", "error", err, "viewer_id", viewerID)
				return
			}
		case <-keepalive.C:
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				slog.Debug("WebSocket ping failed", "error", err, "viewer_id", viewerID)
				return
			}
		}
	}
}

func writeJSON(ctx context.Context, ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}
