package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/ashureev/classwatch/internal/feed"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// DefaultReconnect is the pause between connection attempts.
const DefaultReconnect = 5 * time.Second

// Client follows the server's dashboard WebSocket and prints every alert.
type Client struct {
	URL       string
	StudentID string // empty for every student
	Reconnect time.Duration
	Printer   *Printer
}

// Run connects, prints, and reconnects after failures until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	if _, err := url.Parse(c.URL); err != nil {
		return fmt.Errorf("invalid dashboard url: %w", err)
	}
	wait := c.Reconnect
	if wait <= 0 {
		wait = DefaultReconnect
	}

	c.Printer.Status("Connecting to %s ...", c.URL)
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.Printer.Status("Connection error: %v", err)
		c.Printer.Status("Reconnecting in %s ...", wait)
		slog.Warn("[DASHBOARD] Feed connection lost", "url", c.URL, "error", err)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// session runs one connection until it fails or ctx ends.
func (c *Client) session(ctx context.Context) error {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	ws, _, err := websocket.Dial(dialCtx, c.URL, nil)
	cancel()
	if err != nil {
		return err
	}
	defer ws.CloseNow()
	ws.SetReadLimit(1 << 20)

	c.Printer.Status("Connected. Listening for violation alerts...")
	if c.StudentID != "" {
		if err := wsjson.Write(ctx, ws, map[string]string{"type": feed.MsgSubscribe, "student_id": c.StudentID}); err != nil {
			return fmt.Errorf("send subscribe: %w", err)
		}
	}

	for {
		var msg feed.Message
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if ctx.Err() != nil {
				_ = ws.Close(websocket.StatusNormalClosure, "dashboard stopped")
				return ctx.Err()
			}
			if websocket.CloseStatus(err) != -1 {
				return fmt.Errorf("server closed the feed: %w", err)
			}
			return err
		}
		c.handle(msg)
	}
}

func (c *Client) handle(msg feed.Message) {
	switch msg.Type {
	case feed.MsgHistory:
		for _, ev := range msg.Events {
			if c.StudentID == "" || ev.StudentID == c.StudentID {
				c.Printer.Alert(ev)
			}
		}
	case feed.MsgAlert:
		if msg.Event != nil {
			c.Printer.Alert(*msg.Event)
			return
		}
		slog.Debug("[DASHBOARD] Alert without event body", "student_id", msg.StudentID)
	case feed.MsgPong:
	default:
		slog.Debug("[DASHBOARD] Ignoring message", "type", msg.Type)
	}
}

// RunLocal prints alerts straight from an in-process hub, for a server
// started with its own terminal dashboard.
func RunLocal(ctx context.Context, hub *feed.Hub, p *Printer, studentID string) error {
	if hub == nil {
		return errors.New("hub is required")
	}
	sub, replay := hub.Subscribe(feed.SubscribeOptions{Name: "terminal", StudentID: studentID})
	defer sub.Close()
	for _, ev := range replay {
		p.Alert(ev)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			p.Alert(ev)
		}
	}
}
