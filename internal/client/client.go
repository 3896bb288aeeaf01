// Package client delivers violation reports from the agent to the teacher server.
//
// Send never blocks the capture loop: reports go into a bounded queue that
// drops its oldest entry when full, and a single sender goroutine (Run) posts
// them in order with retries.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/classwatch/internal/domain"
	"github.com/ashureev/classwatch/internal/identity"
	"github.com/ashureev/classwatch/internal/wire"
)

// ErrDeliveryFailed marks a report dropped after its retries ran out.
var ErrDeliveryFailed = errors.New("delivery failed")

const (
	DefaultQueueSize = 256
	DefaultGrace     = 5 * time.Second
	requestTimeout   = 10 * time.Second
)

// Options configures a Client.
type Options struct {
	ServerURL  string
	StudentID  string
	Format     wire.Format
	QueueSize  int
	Grace      time.Duration
	Retry      *RetryPolicy
	HTTPClient *http.Client
	Logger     *slog.Logger
	// OnFailure, when set, observes every report that could not be delivered.
	OnFailure func(domain.ViolationReport, error)
}

// Stats is a snapshot of client counters.
type Stats struct {
	Queued          uint64 `json:"queued"`
	Sent            uint64 `json:"sent"`
	Failed          uint64 `json:"failed"`
	DroppedOverflow uint64 `json:"dropped_overflow"`
	Retries         uint64 `json:"retries"`
	Abandoned       uint64 `json:"abandoned"`
	Pending         int    `json:"pending"`
}

// Client is the agent's delivery queue and sender.
type Client struct {
	endpoint  string
	studentID string
	format    wire.Format
	grace     time.Duration
	retry     *RetryPolicy
	http      *http.Client
	logger    *slog.Logger
	onFailure func(domain.ViolationReport, error)

	mu     sync.Mutex // serialises producers so drop-oldest stays atomic
	queue  chan domain.ViolationReport
	closed bool

	stopping chan struct{}
	abort    context.Context
	abortFn  context.CancelFunc
	done     chan struct{}
	started  atomic.Bool

	queued    atomic.Uint64
	sent      atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
	retries   atomic.Uint64
	abandoned atomic.Uint64
}

// New creates a client. Call Run to start delivering.
func New(opts Options) (*Client, error) {
	base, err := baseURL(opts.ServerURL)
	if err != nil {
		return nil, err
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.Retry == nil {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: requestTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Format == "" {
		opts.Format = wire.FormatJSON
	}

	abort, abortFn := context.WithCancel(context.Background())
	return &Client{
		endpoint:  base + "/violations",
		studentID: opts.StudentID,
		format:    opts.Format,
		grace:     opts.Grace,
		retry:     opts.Retry,
		http:      opts.HTTPClient,
		logger:    opts.Logger,
		onFailure: opts.OnFailure,
		queue:     make(chan domain.ViolationReport, opts.QueueSize),
		stopping:  make(chan struct{}),
		abort:     abort,
		abortFn:   abortFn,
		done:      make(chan struct{}),
	}, nil
}

// baseURL checks a server URL and strips trailing slashes.
func baseURL(raw string) (string, error) {
	base := strings.TrimRight(raw, "/")
	if base == "" {
		return "", errors.New("client: server url is required")
	}
	if u, err := url.Parse(base); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", fmt.Errorf("client: server url %q must be http(s)://host[:port]", raw)
	}
	return base, nil
}

// Send queues a report for delivery and returns immediately. When the queue
// is full the oldest queued report is discarded. Returns false once the
// client is closed.
func (c *Client) Send(r domain.ViolationReport) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}

	select {
	case c.queue <- r:
		c.queued.Add(1)
		return true
	default:
	}

	select {
	case old := <-c.queue:
		c.dropped.Add(1)
		c.logger.Warn("[SENDER] Queue full, dropped oldest report",
			"student_id", old.StudentID,
			"kind", old.Kind,
			"queue_capacity", cap(c.queue),
		)
	default:
	}

	// Only the sender removes entries besides us, so there is room now.
	select {
	case c.queue <- r:
		c.queued.Add(1)
	default:
		c.dropped.Add(1)
	}
	return true
}

// Run delivers queued reports until Close is called or ctx is done.
// Cancelling ctx abandons pending reports immediately; Close drains them
// within the grace period.
func (c *Client) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("client: already running")
	}
	defer close(c.done)

	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.abort, cancel)
	defer stop()

	c.logger.Info("[SENDER] Started", "endpoint", c.endpoint, "format", c.format)

	for {
		select {
		case <-sendCtx.Done():
			c.abandonPending()
			return nil
		case <-c.stopping:
			c.drain(sendCtx)
			return nil
		case r := <-c.queue:
			c.deliver(sendCtx, r)
		}
	}
}

func (c *Client) drain(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			c.abandonPending()
			return
		}
		select {
		case r := <-c.queue:
			c.deliver(ctx, r)
		default:
			return
		}
	}
}

func (c *Client) abandonPending() {
	n := 0
	for {
		select {
		case <-c.queue:
			n++
		default:
			if n > 0 {
				c.abandoned.Add(uint64(n))
				c.logger.Warn("[SENDER] Abandoned pending reports", "count", n)
			}
			return
		}
	}
}

func (c *Client) deliver(ctx context.Context, r domain.ViolationReport) {
	body, contentType, err := wire.EncodeReport(c.format, r)
	if err != nil {
		c.fail(r, err)
		return
	}

	err = c.retry.Execute(ctx, func(attempt int) error {
		if attempt > 1 {
			c.retries.Add(1)
			c.logger.Debug("[SENDER] Retrying report", "kind", r.Kind, "attempt", attempt)
		}
		return c.post(ctx, body, contentType)
	})
	if err != nil {
		if ctx.Err() != nil {
			c.abandoned.Add(1)
			return
		}
		c.fail(r, err)
		return
	}

	c.sent.Add(1)
	c.logger.Debug("[SENDER] Report delivered", "student_id", r.StudentID, "kind", r.Kind)
}

func (c *Client) fail(r domain.ViolationReport, cause error) {
	c.failed.Add(1)
	err := fmt.Errorf("%w: %w", ErrDeliveryFailed, cause)
	c.logger.Error("[SENDER] Report dropped",
		"student_id", r.StudentID,
		"kind", r.Kind,
		"occurred_at", r.OccurredAt,
		"error", err,
	)
	if c.onFailure != nil {
		c.onFailure(r, err)
	}
}

func (c *Client) post(ctx context.Context, body []byte, contentType string) error {
	return postTo(ctx, c.http, c.endpoint, c.studentID, body, contentType)
}

// postTo sends one request and turns non-2xx answers into *StatusError.
func postTo(ctx context.Context, hc *http.Client, endpoint, studentID string, body []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", wire.ContentTypeJSON)
	if studentID != "" {
		req.Header.Set(identity.StudentHeaderName, studentID)
	}

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
}

// Close stops accepting reports and waits for the sender to flush the queue.
// Whatever is still pending when the grace period or ctx expires is abandoned.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.stopping)
	c.mu.Unlock()

	if !c.started.Load() {
		c.abortFn()
		c.abandonPending()
		return nil
	}

	timer := time.NewTimer(c.grace)
	defer timer.Stop()

	select {
	case <-c.done:
		c.abortFn()
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	c.logger.Warn("[SENDER] Grace period elapsed, abandoning pending reports",
		"pending", len(c.queue),
	)
	c.abortFn()
	<-c.done
	return nil
}

// Stats returns a snapshot of the client counters.
func (c *Client) Stats() Stats {
	return Stats{
		Queued:          c.queued.Load(),
		Sent:            c.sent.Load(),
		Failed:          c.failed.Load(),
		DroppedOverflow: c.dropped.Load(),
		Retries:         c.retries.Load(),
		Abandoned:       c.abandoned.Load(),
		Pending:         len(c.queue),
	}
}
