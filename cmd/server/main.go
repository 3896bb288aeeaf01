// classwatch teacher server: receives violation reports from student agents
// and streams them to dashboards.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ashureev/classwatch/internal/config"
	"github.com/ashureev/classwatch/internal/dashboard"
	"github.com/ashureev/classwatch/internal/server"
	"github.com/ashureev/classwatch/internal/store"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var flags struct {
	host          string
	port          string
	storeDriver   string
	dbPath        string
	mqttBroker    string
	grpcAddr      string
	withDashboard bool
}

var rootCmd = &cobra.Command{
	Use:          "classwatch-server",
	Short:        "Receive proctoring violations and stream them to teachers",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runServer,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.host, "host", "", "listen host (env HOST)")
	f.StringVar(&flags.port, "port", "", "listen port (env PORT)")
	f.StringVar(&flags.storeDriver, "store", "", "event store: memory or sqlite (env STORE_DRIVER)")
	f.StringVar(&flags.dbPath, "db-path", "", "sqlite database file (env DB_PATH)")
	f.StringVar(&flags.mqttBroker, "mqtt-broker", "", "relay the feed to this MQTT broker (env MQTT_BROKER)")
	f.StringVar(&flags.grpcAddr, "grpc-addr", "", "serve gRPC health on this address (env GRPC_ADDR)")
	f.BoolVar(&flags.withDashboard, "with-dashboard", false, "also print alerts in this terminal")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	slog.Info("Starting server", "addr", cfg.Addr(), "store", cfg.StoreDriver, "dev", cfg.IsDevelopment())

	repo, err := store.Open(cfg.StoreDriver, cfg.DBPath)
	if err != nil {
		slog.Error("Failed to initialize store", "error", err)
		return err
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			slog.Error("Failed to close store", "error", closeErr)
		}
	}()

	if err := repo.Ping(context.Background()); err != nil {
		slog.Error("Store health check failed", "error", err)
		return err
	}
	slog.Info("Store ready", "driver", cfg.StoreDriver)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, repo)
	if err != nil {
		slog.Error("Failed to initialize server", "error", err)
		return err
	}

	if flags.withDashboard {
		p := dashboard.NewPrinter(os.Stderr)
		p.Banner("in-process feed")
		go func() {
			if err := dashboard.RunLocal(ctx, srv.Hub(), p, ""); err != nil {
				slog.Error("Terminal dashboard stopped", "error", err)
			}
		}()
	}

	if err := srv.Run(ctx); err != nil {
		slog.Error("Server failed", "error", err)
		return err
	}

	slog.Info("Server stopped successfully")
	return nil
}

// applyFlags overrides environment configuration with explicitly set flags.
func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Host = flags.host
	}
	if f.Changed("port") {
		cfg.Port = flags.port
	}
	if f.Changed("store") {
		cfg.StoreDriver = flags.storeDriver
	}
	if f.Changed("db-path") {
		cfg.DBPath = flags.dbPath
	}
	if f.Changed("mqtt-broker") {
		cfg.MQTTBroker = flags.mqttBroker
	}
	if f.Changed("grpc-addr") {
		cfg.GRPCAddr = flags.grpcAddr
	}
}
