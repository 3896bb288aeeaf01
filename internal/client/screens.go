package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ashureev/classwatch/internal/camera"
	"github.com/ashureev/classwatch/internal/domain"
	"github.com/ashureev/classwatch/internal/identity"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const screenWriteTimeout = 5 * time.Second

// ScreenOptions configures a ScreenStreamer.
type ScreenOptions struct {
	ServerURL string
	StudentID string
	Interval  time.Duration // time between frames sent
	Reconnect *RetryPolicy  // only its delays are used
	Logger    *slog.Logger
}

// ScreenStats is a snapshot of streamer counters.
type ScreenStats struct {
	Sent     uint64 `json:"sent"`
	Sessions uint64 `json:"sessions"`
}

// ScreenStreamer shares the agent's live view with the teacher over
// /ws/student. It sends the newest offered frame once per interval and
// reconnects with backoff when the connection drops.
type ScreenStreamer struct {
	url       string
	studentID string
	interval  time.Duration
	reconnect *RetryPolicy
	logger    *slog.Logger

	latest   atomic.Pointer[camera.Frame]
	sent     atomic.Uint64
	sessions atomic.Uint64
}

// screenMessage is the student side of the screen protocol.
type screenMessage struct {
	Type      string `json:"type,omitempty"`
	StudentID string `json:"student_id,omitempty"`
	Image     string `json:"image,omitempty"`
}

// NewScreenStreamer creates a streamer. Call Run to start sharing.
func NewScreenStreamer(opts ScreenOptions) (*ScreenStreamer, error) {
	base, err := baseURL(opts.ServerURL)
	if err != nil {
		return nil, err
	}
	if !domain.ValidStudentID(opts.StudentID) {
		return nil, fmt.Errorf("client: invalid student id %q", opts.StudentID)
	}
	if opts.Interval <= 0 {
		return nil, errors.New("client: screen interval must be positive")
	}
	if opts.Reconnect == nil {
		opts.Reconnect = &RetryPolicy{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	// http -> ws, https -> wss
	return &ScreenStreamer{
		url:       "ws" + strings.TrimPrefix(base, "http") + "/ws/student",
		studentID: opts.StudentID,
		interval:  opts.Interval,
		reconnect: opts.Reconnect,
		logger:    opts.Logger,
	}, nil
}

// Offer makes f the frame to send next. It never blocks.
func (s *ScreenStreamer) Offer(f camera.Frame) {
	s.latest.Store(&f)
}

// Run keeps a sharing session open until ctx is done.
func (s *ScreenStreamer) Run(ctx context.Context) error {
	s.logger.Info("[SCREEN] Sharing started", "url", s.url, "interval", s.interval)
	attempt := 0
	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			attempt = 0
		}
		attempt++
		delay := s.reconnect.NextDelay(attempt)
		s.logger.Warn("[SCREEN] Connection lost, reconnecting", "error", err, "retry_in", delay)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// session runs one connection. connected reports whether the hello got
// through, which resets the reconnect backoff.
func (s *ScreenStreamer) session(ctx context.Context) (connected bool, err error) {
	conn, _, err := websocket.Dial(ctx, s.url, &websocket.DialOptions{
		HTTPHeader: http.Header{identity.StudentHeaderName: []string{s.studentID}},
	})
	if err != nil {
		return false, err
	}
	defer conn.CloseNow()

	if err := s.write(ctx, conn, screenMessage{StudentID: s.studentID}); err != nil {
		return false, err
	}
	s.sessions.Add(1)
	s.logger.Info("[SCREEN] Connected", "url", s.url)

	// The server never sends data; CloseRead handles its control frames and
	// cancels readCtx when it goes away.
	readCtx := conn.CloseRead(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	var last *camera.Frame
	for {
		select {
		case <-readCtx.Done():
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "agent stopping")
				return true, ctx.Err()
			}
			return true, errors.New("server closed the connection")
		case <-ticker.C:
			f := s.latest.Load()
			if f == nil || f == last || len(f.Data) == 0 {
				continue
			}
			msg := screenMessage{Type: "screen", Image: base64.StdEncoding.EncodeToString(f.Data)}
			if err := s.write(readCtx, conn, msg); err != nil {
				return true, err
			}
			last = f
			s.sent.Add(1)
		}
	}
}

func (s *ScreenStreamer) write(ctx context.Context, conn *websocket.Conn, msg screenMessage) error {
	wctx, cancel := context.WithTimeout(ctx, screenWriteTimeout)
	defer cancel()
	return wsjson.Write(wctx, conn, msg)
}

// Stats returns a snapshot of the streamer counters.
func (s *ScreenStreamer) Stats() ScreenStats {
	return ScreenStats{Sent: s.sent.Load(), Sessions: s.sessions.Load()}
}
