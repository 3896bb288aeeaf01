// classwatch terminal dashboard: prints violation alerts as the teacher
// server receives them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/classwatch/internal/dashboard"
	"github.com/ashureev/classwatch/internal/status"
	"github.com/spf13/cobra"
)

var (
	feedURL   string
	studentID string
	reconnect time.Duration

	healthAddr    string
	healthService string
	healthTimeout time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "classwatch-dashboard",
	Short:        "Print live violation alerts from the teacher server",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runDashboard,
}

var healthCmd = &cobra.Command{
	Use:          "health",
	Short:        "Query the gRPC health endpoint of an agent or server",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runHealth,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&feedURL, "url", "ws://127.0.0.1:8000/ws/teacher", "teacher server WebSocket feed")
	f.StringVar(&studentID, "student", "", "only show alerts for this student")
	f.DurationVar(&reconnect, "reconnect", dashboard.DefaultReconnect, "pause between reconnect attempts")

	hf := healthCmd.Flags()
	hf.StringVar(&healthAddr, "addr", "127.0.0.1:9090", "health server address")
	hf.StringVar(&healthService, "service", "", fmt.Sprintf("service name, e.g. %s or %s (empty checks the process)", status.ServiceServer, status.ServiceAgent))
	hf.DurationVar(&healthTimeout, "timeout", 5*time.Second, "overall timeout")

	rootCmd.AddCommand(healthCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runDashboard(_ *cobra.Command, _ []string) error {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := dashboard.NewPrinter(os.Stdout)
	p.Banner(feedURL)
	c := &dashboard.Client{
		URL:       feedURL,
		StudentID: studentID,
		Reconnect: reconnect,
		Printer:   p,
	}
	if err := c.Run(ctx); err != nil {
		return err
	}
	p.Status("Dashboard stopped after %d alerts.", p.Shown())
	return nil
}

func runHealth(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), healthTimeout)
	defer cancel()

	cfg := status.DefaultClientConfig()
	cfg.ConnectTimeout = healthTimeout
	c, err := status.Dial(ctx, healthAddr, cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	ok, err := c.Check(ctx, healthService)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%s is not serving", describe(healthService))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s at %s is serving\n", describe(healthService), healthAddr)
	return nil
}

func describe(service string) string {
	if service == "" {
		return "process"
	}
	return service
}
