// classwatch student agent: watches the camera, detects violations and
// reports them to the teacher server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/classwatch/internal/camera"
	"github.com/ashureev/classwatch/internal/client"
	"github.com/ashureev/classwatch/internal/config"
	"github.com/ashureev/classwatch/internal/detect"
	"github.com/ashureev/classwatch/internal/domain"
	"github.com/ashureev/classwatch/internal/pipeline"
	"github.com/ashureev/classwatch/internal/status"
	"github.com/ashureev/classwatch/internal/wire"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var flags struct {
	configPath string

	studentID       string
	serverURL       string
	cameraDriver    string
	cameraIndex     int
	cameraSearchMax int
	cameraDir       string
	failNoCamera    bool

	fps           float64
	cooldown      float64
	minConfidence float64

	phone       bool
	attention   bool
	detectorCmd string
	workerCodec string
	faceCascade string
	phoneModel  string

	wireFormat string
	queueSize  int
	statusAddr string
	logLevel   string

	uploadSnapshots bool
	screenInterval  float64
}

var rootCmd = &cobra.Command{
	Use:          "classwatch-agent",
	Short:        "Monitor this student's camera and report violations to the teacher",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runAgent,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&flags.configPath, "config", "", "YAML config file")

	f.StringVar(&flags.studentID, "student-id", "", "student identifier (required)")
	f.StringVar(&flags.serverURL, "server-url", "", "teacher server base URL")
	f.StringVar(&flags.cameraDriver, "camera-driver", "", fmt.Sprintf("camera driver %v (default %q)", camera.Drivers(), camera.DefaultDriver))
	f.IntVar(&flags.cameraIndex, "camera-index", camera.AutoIndex, "camera index, -1 searches")
	f.IntVar(&flags.cameraSearchMax, "camera-search-max", 5, "number of indices to try when searching")
	f.StringVar(&flags.cameraDir, "camera-dir", "", "frame directory for the file driver")
	f.BoolVar(&flags.failNoCamera, "fail-on-no-camera", true, "exit when no camera can be opened at startup; false keeps waiting for one")

	f.Float64Var(&flags.fps, "fps", 5, "frames analysed per second")
	f.Float64Var(&flags.cooldown, "cooldown", 8, "seconds between reports of the same violation kind")
	f.Float64Var(&flags.minConfidence, "min-confidence", pipeline.DefaultMinConfidence, "ignore detections below this confidence")

	f.BoolVar(&flags.phone, "enable-phone-detection", false, "detect phones (needs a model or a detector command)")
	f.BoolVar(&flags.attention, "enable-attention-detection", true, "detect missing, extra and inattentive faces")
	f.StringVar(&flags.detectorCmd, "detector-cmd", "", "external detector worker command line")
	f.StringVar(&flags.workerCodec, "worker-codec", detect.CodecJSON, "detector worker protocol: json or msgpack")
	f.StringVar(&flags.faceCascade, "face-cascade", "", "Haar cascade XML for face detection")
	f.StringVar(&flags.phoneModel, "phone-model", "", "YOLO ONNX model for phone detection")

	f.StringVar(&flags.wireFormat, "wire-format", string(wire.FormatJSON), "report encoding: json or protobuf")
	f.IntVar(&flags.queueSize, "queue-size", client.DefaultQueueSize, "pending report queue size")
	f.StringVar(&flags.statusAddr, "status-addr", "", "serve gRPC health on this address")
	f.StringVar(&flags.logLevel, "log-level", "info", "debug, info, warn or error")
	f.BoolVar(&flags.uploadSnapshots, "upload-snapshots", false, "upload the frame behind each report to the teacher's archive")
	f.Float64Var(&flags.screenInterval, "screen-interval", 0, "share the live view every N seconds, 0 disables")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runAgent(cmd *cobra.Command, _ []string) error {
	cfg, err := config.LoadAgent(flags.configPath)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		return fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	format, err := wire.ParseFormat(cfg.WireFormat)
	if err != nil {
		return err
	}

	driverName := cfg.Camera.Driver
	if driverName == "" {
		driverName = camera.DefaultDriver
	}
	driver, err := camera.NewDriver(driverName, camera.DriverConfig{Dir: cfg.Camera.Dir})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting agent",
		"student_id", cfg.StudentID,
		"server", cfg.ServerURL,
		"camera", driverName,
		"fps", cfg.FPS,
		"cooldown", cfg.Cooldown(),
	)

	openOpts := camera.OpenOptions{
		IndexHint:    cfg.Camera.Index,
		SearchMax:    cfg.Camera.SearchMax,
		OpenTimeout: cfg.OpenTimeout(),
	}
	if err := checkCamera(ctx, driver, openOpts, cfg.Camera.FailIfNotFound); err != nil {
		return err
	}

	det, err := detect.Select(ctx, detect.Capabilities{
		AttentionDetection: cfg.Detector.AttentionDetection,
		PhoneDetection:     cfg.Detector.PhoneDetection,
		WorkerCommand:      cfg.Detector.WorkerCommand,
		WorkerCodec:        cfg.Detector.WorkerCodec,
		FaceCascade:        cfg.Detector.FaceCascade,
		PhoneModel:         cfg.Detector.PhoneModel,
		Budget:             cfg.DetectBudget(),
	})
	if err != nil {
		return fmt.Errorf("failed to start detectors: %w", err)
	}
	defer func() {
		if err := det.Close(); err != nil {
			slog.Warn("Detector close failed", "error", err)
		}
	}()

	sender, err := client.New(client.Options{
		ServerURL: cfg.ServerURL,
		StudentID: cfg.StudentID,
		Format:    format,
		QueueSize: cfg.QueueSize,
		Grace:     cfg.Grace(),
	})
	if err != nil {
		return err
	}
	// The sender outlives ctx so Close can flush the queue after a signal.
	senderDone := make(chan error, 1)
	go func() { senderDone <- sender.Run(context.Background()) }()

	pipeCfg := pipeline.Config{
		StudentID:     cfg.StudentID,
		Cooldown:      cfg.Cooldown(),
		MinConfidence: cfg.MinConfidence,
	}
	var uploader *client.Uploader
	if cfg.UploadSnapshots {
		if uploader, err = client.NewUploader(client.UploaderOptions{
			ServerURL: cfg.ServerURL,
			StudentID: cfg.StudentID,
		}); err != nil {
			return err
		}
		pipeCfg.OnReport = func(r domain.ViolationReport, f camera.Frame) {
			uploader.Enqueue(client.Snapshot{Kind: r.Kind, Data: f.Data, Format: f.Format})
		}
	}
	var streamer *client.ScreenStreamer
	if interval := cfg.ScreenInterval(); interval > 0 {
		if streamer, err = client.NewScreenStreamer(client.ScreenOptions{
			ServerURL: cfg.ServerURL,
			StudentID: cfg.StudentID,
			Interval:  interval,
		}); err != nil {
			return err
		}
		pipeCfg.OnFrame = streamer.Offer
	}

	pipe, err := pipeline.New(pipeCfg, det, sender)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pipe.Run(gctx, camera.Stream(gctx, driver, openOpts, cfg.FPS))
	})
	if uploader != nil {
		g.Go(func() error { return uploader.Run(gctx) })
	}
	if streamer != nil {
		g.Go(func() error { return streamer.Run(gctx) })
	}
	if interval := cfg.StatsInterval(); interval > 0 {
		g.Go(func() error {
			pipe.LogStats(gctx, interval)
			return nil
		})
	}
	if cfg.StatusAddr != "" {
		hs, err := status.Listen(cfg.StatusAddr, status.ServiceAgent)
		if err != nil {
			stop()
			_ = g.Wait()
			closeSender(sender, senderDone, cfg.Grace())
			return err
		}
		g.Go(func() error { return hs.Serve(gctx) })
		g.Go(func() error {
			hs.WatchFreshness(gctx, status.ServiceAgent, func() time.Time {
				return pipe.Stats().LastFrameAt
			}, staleAfter(cfg.FPS), 5*time.Second)
			return nil
		})
	}

	runErr := g.Wait()
	slog.Info("Shutting down, flushing pending reports", "grace", cfg.Grace())
	closeSender(sender, senderDone, cfg.Grace())

	st := pipe.Stats()
	cs := sender.Stats()
	slog.Info("Agent stopped",
		"frames", st.Frames,
		"emitted", st.Emitted,
		"suppressed", st.Suppressed,
		"sent", cs.Sent,
		"failed", cs.Failed,
		"abandoned", cs.Abandoned,
	)
	if uploader != nil {
		us := uploader.Stats()
		slog.Info("Snapshot uploads", "uploaded", us.Uploaded, "failed", us.Failed, "dropped", us.Dropped)
	}
	if streamer != nil {
		ss := streamer.Stats()
		slog.Info("Screen sharing", "sent", ss.Sent, "sessions", ss.Sessions)
	}
	return runErr
}

// checkCamera opens the camera once at startup. Without failIfMissing the
// agent keeps running and the stream keeps retrying in the background.
func checkCamera(ctx context.Context, driver camera.Driver, opts camera.OpenOptions, failIfMissing bool) error {
	h, err := camera.Open(ctx, driver, opts)
	if err == nil {
		return h.Close()
	}
	if ctx.Err() != nil {
		return nil
	}
	if failIfMissing {
		return fmt.Errorf("camera unavailable (use --fail-on-no-camera=false to wait for one): %w", err)
	}
	if errors.Is(err, camera.ErrNoCameraFound) {
		slog.Warn("No camera found, running in no-camera mode until one appears", "error", err)
		return nil
	}
	slog.Warn("Camera check failed, will keep retrying", "error", err)
	return nil
}

func closeSender(c *client.Client, done <-chan error, grace time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), grace+time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		slog.Warn("Sender close failed", "error", err)
	}
	if err := <-done; err != nil {
		slog.Warn("Sender stopped with error", "error", err)
	}
}

// staleAfter is how long the agent may go without a frame before it reports
// NOT_SERVING.
func staleAfter(fps float64) time.Duration {
	d := time.Duration(10 * float64(time.Second) / fps)
	if d < 10*time.Second {
		d = 10 * time.Second
	}
	return d
}

// applyFlags overrides file and environment configuration with explicitly
// set flags.
func applyFlags(cmd *cobra.Command, cfg *config.Agent) {
	f := cmd.Flags()
	set := func(name string, apply func()) {
		if f.Changed(name) {
			apply()
		}
	}
	set("student-id", func() { cfg.StudentID = flags.studentID })
	set("server-url", func() { cfg.ServerURL = flags.serverURL })
	set("camera-driver", func() { cfg.Camera.Driver = flags.cameraDriver })
	set("camera-index", func() { cfg.Camera.Index = flags.cameraIndex })
	set("camera-search-max", func() { cfg.Camera.SearchMax = flags.cameraSearchMax })
	set("camera-dir", func() { cfg.Camera.Dir = flags.cameraDir })
	set("fail-on-no-camera", func() { cfg.Camera.FailIfNotFound = flags.failNoCamera })
	set("fps", func() { cfg.FPS = flags.fps })
	set("cooldown", func() { cfg.CooldownSeconds = flags.cooldown })
	set("min-confidence", func() { cfg.MinConfidence = flags.minConfidence })
	set("enable-phone-detection", func() { cfg.Detector.PhoneDetection = flags.phone })
	set("enable-attention-detection", func() { cfg.Detector.AttentionDetection = flags.attention })
	set("detector-cmd", func() { cfg.Detector.WorkerCommand = flags.detectorCmd })
	set("worker-codec", func() { cfg.Detector.WorkerCodec = flags.workerCodec })
	set("face-cascade", func() { cfg.Detector.FaceCascade = flags.faceCascade })
	set("phone-model", func() { cfg.Detector.PhoneModel = flags.phoneModel })
	set("wire-format", func() { cfg.WireFormat = flags.wireFormat })
	set("queue-size", func() { cfg.QueueSize = flags.queueSize })
	set("status-addr", func() { cfg.StatusAddr = flags.statusAddr })
	set("log-level", func() { cfg.LogLevel = flags.logLevel })
	set("upload-snapshots", func() { cfg.UploadSnapshots = flags.uploadSnapshots })
	set("screen-interval", func() { cfg.ScreenIntervalS = flags.screenInterval })
}
