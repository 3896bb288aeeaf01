package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// ClientConfig holds dial settings for a health client.
type ClientConfig struct {
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultClientConfig returns default dial settings.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// Client checks a remote health service.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	addr   string
}

// Dial connects to a health server and waits until the channel is ready.
func Dial(ctx context.Context, addr string, cfg ClientConfig) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:    cfg.KeepaliveTime,
			Timeout: cfg.KeepaliveTimeout,
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create client for %s: %w", addr, err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			slog.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("health server at %s not ready: %w", addr, err)
	}

	return &Client{conn: conn, health: healthpb.NewHealthClient(conn), addr: addr}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Check returns true when service reports SERVING.
func (c *Client) Check(ctx context.Context, service string) (bool, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return false, fmt.Errorf("health check %q at %s: %w", service, c.addr, err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close closes the connection.
func (c *Client) Close() {
	if err := c.conn.Close(); err != nil {
		slog.Warn("failed to close gRPC connection", "error", err)
	}
}
