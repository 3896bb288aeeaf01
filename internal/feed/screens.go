package feed

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/classwatch/internal/domain"
	"github.com/ashureev/classwatch/internal/identity"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// DefaultMaxScreenBytes caps one decoded screen frame.
const DefaultMaxScreenBytes = 2 << 20

const helloTimeout = 10 * time.Second

// Frame is the most recent screen image a student shared.
type Frame struct {
	StudentID string
	Image     string // base64, as the student sent it
	At        time.Time
}

// ScreenMessage wraps f in the dashboard screen envelope.
func ScreenMessage(f Frame) Message {
	return Message{
		Type:      MsgScreen,
		StudentID: f.StudentID,
		Image:     f.Image,
		Timestamp: f.At.Format(time.RFC3339Nano),
	}
}

// ScreenRelay keeps each student's latest frame and forwards new frames to
// watching dashboards. Like Hub it never blocks the sender: a watcher that
// falls behind misses frames.
type ScreenRelay struct {
	mu       sync.RWMutex
	last     map[string]Frame
	online   map[string]int
	watchers map[*ScreenWatch]struct{}
	bufSize  int
	closed   bool

	relayed atomic.Uint64
	dropped atomic.Uint64
}

// NewScreenRelay creates a relay. buffer is each watcher's channel capacity.
func NewScreenRelay(buffer int) *ScreenRelay {
	if buffer <= 0 {
		buffer = 4
	}
	return &ScreenRelay{
		last:     make(map[string]Frame),
		online:   make(map[string]int),
		watchers: make(map[*ScreenWatch]struct{}),
		bufSize:  buffer,
	}
}

// ScreenWatch is one dashboard's frame stream.
type ScreenWatch struct {
	relay *ScreenRelay
	ch    chan Frame
	once  sync.Once
}

// C delivers frames. It is closed on Close or relay shutdown.
func (w *ScreenWatch) C() <-chan Frame { return w.ch }

// Close stops the watch. It is safe to call more than once.
func (w *ScreenWatch) Close() {
	w.once.Do(func() {
		w.relay.mu.Lock()
		defer w.relay.mu.Unlock()
		if _, ok := w.relay.watchers[w]; ok {
			delete(w.relay.watchers, w)
			close(w.ch)
		}
	})
}

// Watch starts a frame stream.
func (r *ScreenRelay) Watch() *ScreenWatch {
	w := &ScreenWatch{relay: r, ch: make(chan Frame, r.bufSize)}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		close(w.ch)
		return w
	}
	r.watchers[w] = struct{}{}
	return w
}

// Put records f as the student's latest frame and forwards it.
func (r *ScreenRelay) Put(f Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.last[f.StudentID] = f
	for w := range r.watchers {
		select {
		case w.ch <- f:
			r.relayed.Add(1)
		default:
			r.dropped.Add(1)
		}
	}
}

// Last returns the student's latest frame, if one was ever shared.
func (r *ScreenRelay) Last(studentID string) (Frame, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.last[studentID]
	return f, ok
}

// Online returns how many screen connections studentID has open.
func (r *ScreenRelay) Online(studentID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.online[studentID]
}

func (r *ScreenRelay) connected(studentID string, delta int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := r.online[studentID] + delta; n > 0 {
		r.online[studentID] = n
	} else {
		delete(r.online, studentID)
	}
}

// ScreenStats is a snapshot of relay counters.
type ScreenStats struct {
	Watchers int    `json:"watchers"`
	Online   int    `json:"online"`
	Students int    `json:"students"`
	Relayed  uint64 `json:"relayed"`
	Dropped  uint64 `json:"dropped"`
}

// Stats returns current counters.
func (r *ScreenRelay) Stats() ScreenStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return ScreenStats{
		Watchers: len(r.watchers),
		Online:   len(r.online),
		Students: len(r.last),
		Relayed:  r.relayed.Load(),
		Dropped:  r.dropped.Load(),
	}
}

// Close ends every watch. Later Puts are ignored.
func (r *ScreenRelay) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	for w := range r.watchers {
		delete(r.watchers, w)
		close(w.ch)
	}
}

// studentMessage is what a sharing student sends: a hello carrying
// student_id, then screen frames.
type studentMessage struct {
	Type      string `json:"type"`
	StudentID string `json:"student_id,omitempty"`
	Image     string `json:"image,omitempty"`
}

// StudentWSHandler accepts screen sharing from student agents.
type StudentWSHandler struct {
	relay          *ScreenRelay
	maxImageBytes  int
	originPatterns []string
}

// NewStudentWSHandler creates the /ws/student handler. maxImageBytes <= 0
// means DefaultMaxScreenBytes.
func NewStudentWSHandler(relay *ScreenRelay, maxImageBytes int, originPatterns []string) *StudentWSHandler {
	if maxImageBytes <= 0 {
		maxImageBytes = DefaultMaxScreenBytes
	}
	if len(originPatterns) == 0 {
		originPatterns = []string{"*"}
	}
	return &StudentWSHandler{relay: relay, maxImageBytes: maxImageBytes, originPatterns: originPatterns}
}

// ServeHTTP handles GET /ws/student.
func (h *StudentWSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		slog.Error("Failed to accept student WebSocket", "error", err, "ip", identity.IPFromRequest(r))
		return
	}
	// Base64 grows data by a third; leave room for the envelope.
	ws.SetReadLimit(int64(base64.StdEncoding.EncodedLen(h.maxImageBytes)) + 1024)

	ctx := r.Context()
	studentID, reason := h.hello(ctx, ws, identity.StudentIDFromContext(ctx))
	if studentID == "" {
		slog.Info("Student WebSocket rejected", "reason", reason, "ip", identity.IPFromRequest(r))
		_ = ws.Close(websocket.StatusPolicyViolation, reason)
		return
	}

	h.relay.connected(studentID, 1)
	defer h.relay.connected(studentID, -1)
	slog.Info("Student screen online", "student_id", studentID)

	err = h.receive(ctx, ws, studentID)
	switch {
	case errors.Is(err, errBadFrame):
		slog.Warn("Student screen rejected a frame", "student_id", studentID, "error", err)
		_ = ws.Close(websocket.StatusPolicyViolation, errBadFrame.Error())
	case websocket.CloseStatus(err) != -1, ctx.Err() != nil:
		slog.Info("Student screen offline", "student_id", studentID)
	default:
		slog.Warn("Student screen dropped", "student_id", studentID, "error", err)
		_ = ws.CloseNow()
	}
}

// hello reads the first message, which must name the student. A student
// header, when present, must agree with it.
func (h *StudentWSHandler) hello(ctx context.Context, ws *websocket.Conn, declared string) (string, string) {
	helloCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()
	var msg studentMessage
	if err := wsjson.Read(helloCtx, ws, &msg); err != nil {
		return "", "expected a hello message"
	}
	if !domain.ValidStudentID(msg.StudentID) {
		return "", "invalid student_id"
	}
	if declared != "" && declared != msg.StudentID {
		return "", "student_id does not match the " + identity.StudentHeaderName + " header"
	}
	return msg.StudentID, ""
}

var errBadFrame = errors.New("screen image is too large or not base64")

func (h *StudentWSHandler) receive(ctx context.Context, ws *websocket.Conn, studentID string) error {
	for {
		var msg studentMessage
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			return err
		}
		if msg.Type != MsgScreen {
			continue
		}
		if msg.Image == "" || base64.StdEncoding.DecodedLen(len(msg.Image)) > h.maxImageBytes {
			return errBadFrame
		}
		if _, err := base64.StdEncoding.DecodeString(msg.Image); err != nil {
			return errBadFrame
		}
		h.relay.Put(Frame{StudentID: studentID, Image: msg.Image, At: time.Now()})
	}
}
