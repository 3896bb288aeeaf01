// Package status exposes process liveness over the standard gRPC health
// protocol, for both the agent and the teacher server.
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Health service names.
const (
	ServiceAgent  = "classwatch.Agent"
	ServiceServer = "classwatch.Server"
)

// Server is a gRPC server carrying only the health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	lis    net.Listener
}

// Listen binds addr and registers the health service. The overall status
// ("") and every named service start as SERVING.
func Listen(addr string, services ...string) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	for _, svc := range services {
		hs.SetServingStatus(svc, healthpb.HealthCheckResponse_SERVING)
	}

	return &Server{grpc: gs, health: hs, lis: lis}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.lis.Addr().String() }

// SetServing flips a service between SERVING and NOT_SERVING.
func (s *Server) SetServing(service string, ok bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(service, st)
}

// Serve blocks until ctx is cancelled, then stops gracefully.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Health server listening", "addr", s.Addr())
		errCh <- s.grpc.Serve(s.lis)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("health server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	// Watchers see NOT_SERVING before the listener goes away.
	s.health.Shutdown()
	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		slog.Warn("Health server graceful stop timed out, forcing")
		s.grpc.Stop()
	}
	return nil
}

// WatchFreshness marks service NOT_SERVING while last() is older than maxAge,
// checking every interval until ctx is done. A zero time counts as stale
// only after the first interval has passed.
func (s *Server) WatchFreshness(ctx context.Context, service string, last func() time.Time, maxAge, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	serving := true
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			fresh := now.Sub(last()) <= maxAge
			if fresh != serving {
				serving = fresh
				s.SetServing(service, fresh)
				if fresh {
					slog.Info("Frames flowing again, reporting SERVING", "service", service)
				} else {
					slog.Warn("No recent frames, reporting NOT_SERVING", "service", service, "max_age", maxAge)
				}
			}
		}
	}
}
