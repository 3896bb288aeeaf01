// Package server assembles the teacher server: ingestion API, live feed,
// analytics and the background workers that hang off them.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/ashureev/classwatch/internal/analytics"
	"github.com/ashureev/classwatch/internal/archive"
	"github.com/ashureev/classwatch/internal/api"
	"github.com/ashureev/classwatch/internal/config"
	"github.com/ashureev/classwatch/internal/feed"
	"github.com/ashureev/classwatch/internal/identity"
	"github.com/ashureev/classwatch/internal/ingest"
	"github.com/ashureev/classwatch/internal/middleware"
	"github.com/ashureev/classwatch/internal/relay"
	"github.com/ashureev/classwatch/internal/retention"
	"github.com/ashureev/classwatch/internal/status"
	"github.com/ashureev/classwatch/internal/store"
	"github.com/ashureev/classwatch/web"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Server owns the HTTP router, the feed hub and the screen relay.
type Server struct {
	cfg     *config.Config
	repo    store.Repository
	hub     *feed.Hub
	screens *feed.ScreenRelay
	archive *archive.Store // nil when STORAGE_DIR is empty
	ingest  *ingest.Service
	limiter *api.RateLimiter
	uploads *api.RateLimiter
	router  chi.Router
}

// New wires handlers around repo. The caller keeps ownership of repo.
func New(cfg *config.Config, repo store.Repository) (*Server, error) {
	hub := feed.NewHub(feed.Options{
		HistorySize:      cfg.FeedHistory,
		SubscriberBuffer: cfg.FeedBuffer,
	})
	s := &Server{
		cfg:     cfg,
		repo:    repo,
		hub:     hub,
		screens: feed.NewScreenRelay(4),
		ingest:  ingest.NewService(repo, hub),
		limiter: api.NewRateLimiter(cfg.RateLimitPerMinute, time.Minute),
		uploads: api.NewRateLimiter(cfg.RateLimitPerMinute, time.Minute),
	}
	if cfg.StorageDir != "" {
		a, err := archive.Open(cfg.StorageDir, cfg.UploadMaxBytes)
		if err != nil {
			s.shutdownFeed()
			return nil, err
		}
		s.archive = a
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	streamCfg := feed.StreamConfig{
		KeepaliveInterval: s.cfg.SSEKeepalive,
		RetryDelay:        s.cfg.SSERetry,
		DefaultReplay:     s.cfg.FeedReplay,
	}
	origins := originPatterns(s.cfg.CORSOrigins)

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))
	r.Use(middleware.CORS(s.cfg.CORSOrigins))
	r.Use(identity.Middleware(!s.cfg.IsDevelopment()))

	api.NewHealthHandler(s.repo, s.hub, 2*time.Second).WithScreens(s.screens).RegisterHealth(r)
	api.NewViolationHandler(s.ingest, s.limiter).RegisterRoutes(r)
	api.NewAnalyticsHandler(analytics.NewService(s.repo)).RegisterRoutes(r)
	if s.archive != nil {
		api.NewScreenshotHandler(s.archive, s.uploads).RegisterRoutes(r)
	}

	r.Get("/api/feed/stream", feed.NewSSEHandler(s.hub, streamCfg).ServeHTTP)
	r.Get("/ws/teacher", feed.NewWSHandler(s.hub, streamCfg, origins).WithScreens(s.screens).ServeHTTP)
	r.Get("/ws/student", feed.NewStudentWSHandler(s.screens, s.cfg.ScreenMaxBytes, origins).ServeHTTP)

	// Browser dashboard (SPA catch-all).
	r.Handle("/*", web.SPAHandler())
	return r
}

// originPatterns turns CORS origins into the host patterns the WebSocket
// handshake matches against.
func originPatterns(origins []string) []string {
	out := make([]string, 0, len(origins))
	for _, o := range origins {
		if o == "*" {
			return []string{"*"}
		}
		if u, err := url.Parse(o); err == nil && u.Host != "" {
			out = append(out, u.Host)
			continue
		}
		out = append(out, o)
	}
	return out
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the live feed.
func (s *Server) Hub() *feed.Hub { return s.hub }

// Run serves HTTP and starts the optional retention, MQTT relay and gRPC
// health workers. It returns after ctx is cancelled and everything has shut
// down, or when a component fails to start.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.Addr(),
		Handler: s.router,
		// SSE and WebSocket streams need no write timeout.
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	if err := s.startWorkers(gctx, g); err != nil {
		s.shutdownFeed()
		return err
	}

	g.Go(func() error {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down gracefully...")
		// Close viewers first so long-lived streams do not hold Shutdown open.
		s.shutdownFeed()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server forced to shutdown", "error", err)
			_ = srv.Close()
		}
		return nil
	})

	return g.Wait()
}

func (s *Server) startWorkers(ctx context.Context, g *errgroup.Group) error {
	if s.cfg.RetentionDays > 0 {
		w, err := retention.New(s.repo, time.Duration(s.cfg.RetentionDays)*24*time.Hour, s.cfg.RetentionSchedule)
		if err != nil {
			return err
		}
		if s.archive != nil {
			w.Also("screenshots", s.archive)
		}
		g.Go(func() error { return w.Run(ctx) })
	}

	if s.cfg.MQTTBroker != "" {
		pub := relay.NewMQTTPublisher(relay.MQTTConfig{Broker: s.cfg.MQTTBroker, QoS: 1})
		if err := pub.Connect(ctx); err != nil {
			// The client keeps retrying in the background.
			slog.Warn("[RELAY] MQTT broker not reachable yet", "broker", s.cfg.MQTTBroker, "error", err)
		}
		rl := relay.New(s.hub, pub, s.cfg.MQTTTopic)
		g.Go(func() error {
			defer pub.Close()
			return rl.Run(ctx)
		})
	}

	if s.cfg.GRPCAddr != "" {
		hs, err := status.Listen(s.cfg.GRPCAddr, status.ServiceServer)
		if err != nil {
			return err
		}
		g.Go(func() error {
			go s.watchStore(ctx, hs)
			return hs.Serve(ctx)
		})
	}
	return nil
}

// watchStore mirrors store reachability into the gRPC health status.
func (s *Server) watchStore(ctx context.Context, hs *status.Server) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			err := s.repo.Ping(pingCtx)
			cancel()
			hs.SetServing(status.ServiceServer, err == nil)
		}
	}
}

func (s *Server) shutdownFeed() {
	s.hub.Close()
	s.screens.Close()
	s.limiter.Stop()
	s.uploads.Stop()
}
