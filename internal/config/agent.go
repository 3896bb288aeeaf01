package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/ashureev/classwatch/internal/domain"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every agent environment variable.
const EnvPrefix = "CLASSWATCH_"

// Agent holds the student agent configuration. It is built once at startup
// and treated as read-only afterwards.
type Agent struct {
	StudentID string `yaml:"student_id"`
	ServerURL string `yaml:"server_url"`

	Camera   CameraConfig   `yaml:"camera"`
	Detector DetectorConfig `yaml:"detector"`

	FPS             float64 `yaml:"fps"`
	CooldownSeconds float64 `yaml:"cooldown_seconds"`
	MinConfidence   float64 `yaml:"min_confidence"`

	WireFormat     string  `yaml:"wire_format"`
	QueueSize      int     `yaml:"queue_size"`
	GraceSeconds   float64 `yaml:"grace_seconds"`
	StatusAddr     string  `yaml:"status_addr"`
	LogLevel       string  `yaml:"log_level"`
	StatsIntervalS float64 `yaml:"stats_interval_s"`

	// UploadSnapshots archives the frame behind each report on the server.
	UploadSnapshots bool `yaml:"upload_snapshots"`
	// ScreenIntervalS shares the live view every N seconds; 0 disables it.
	ScreenIntervalS float64 `yaml:"screen_interval_s"`
}

// CameraConfig selects and opens the capture device.
type CameraConfig struct {
	Driver         string  `yaml:"driver"` // empty uses the build's default
	Index          int     `yaml:"index"`  // -1 searches
	SearchMax      int     `yaml:"search_max"`
	Dir            string  `yaml:"dir"` // frames directory for the file driver
	OpenTimeoutS  float64 `yaml:"open_timeout_s"`
	FailIfNotFound bool    `yaml:"fail_if_not_found"`
}

// DetectorConfig selects the detector backends.
type DetectorConfig struct {
	PhoneDetection     bool    `yaml:"phone_detection"`
	AttentionDetection bool    `yaml:"attention_detection"`
	WorkerCommand      string  `yaml:"worker_command"`
	WorkerCodec        string  `yaml:"worker_codec"` // json or msgpack
	FaceCascade        string  `yaml:"face_cascade"`
	PhoneModel         string  `yaml:"phone_model"`
	BudgetSeconds      float64 `yaml:"budget_seconds"`
}

// DefaultAgent returns the agent defaults.
func DefaultAgent() *Agent {
	return &Agent{
		ServerURL: "http://127.0.0.1:8000",
		Camera: CameraConfig{
			Index:          -1,
			SearchMax:      5,
			OpenTimeoutS:  2,
			FailIfNotFound: true,
		},
		Detector: DetectorConfig{
			AttentionDetection: true,
			WorkerCodec:        "json",
			BudgetSeconds:      2,
		},
		FPS:             5,
		CooldownSeconds: 8,
		MinConfidence:   0.5,
		WireFormat:      "json",
		QueueSize:       256,
		GraceSeconds:    5,
		LogLevel:        "info",
		StatsIntervalS:  60,
	}
}

// LoadAgent builds the agent config from defaults, an optional YAML file and
// CLASSWATCH_* environment variables, in increasing order of precedence.
// Command-line flags are applied on top by the caller before Validate.
func LoadAgent(path string) (*Agent, error) {
	cfg := DefaultAgent()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (a *Agent) applyEnv() {
	a.StudentID = getEnv(EnvPrefix+"STUDENT_ID", a.StudentID)
	a.ServerURL = getEnv(EnvPrefix+"SERVER_URL", a.ServerURL)
	a.Camera.Driver = getEnv(EnvPrefix+"CAMERA_DRIVER", a.Camera.Driver)
	a.Camera.Index = getEnvInt(EnvPrefix+"CAMERA_INDEX", a.Camera.Index)
	a.Camera.SearchMax = getEnvInt(EnvPrefix+"CAMERA_SEARCH_MAX", a.Camera.SearchMax)
	a.Camera.Dir = getEnv(EnvPrefix+"CAMERA_DIR", a.Camera.Dir)
	a.Camera.FailIfNotFound = getEnvBool(EnvPrefix+"FAIL_ON_NO_CAMERA", a.Camera.FailIfNotFound)
	a.Detector.PhoneDetection = getEnvBool(EnvPrefix+"ENABLE_PHONE_DETECTION", a.Detector.PhoneDetection)
	a.Detector.AttentionDetection = getEnvBool(EnvPrefix+"ENABLE_ATTENTION_DETECTION", a.Detector.AttentionDetection)
	a.Detector.WorkerCommand = getEnv(EnvPrefix+"DETECTOR_CMD", a.Detector.WorkerCommand)
	a.Detector.WorkerCodec = getEnv(EnvPrefix+"WORKER_CODEC", a.Detector.WorkerCodec)
	a.Detector.FaceCascade = getEnv(EnvPrefix+"FACE_CASCADE", a.Detector.FaceCascade)
	a.Detector.PhoneModel = getEnv(EnvPrefix+"PHONE_MODEL", a.Detector.PhoneModel)
	a.FPS = getEnvFloat(EnvPrefix+"FPS", a.FPS)
	a.CooldownSeconds = getEnvFloat(EnvPrefix+"COOLDOWN", a.CooldownSeconds)
	a.MinConfidence = getEnvFloat(EnvPrefix+"MIN_CONFIDENCE", a.MinConfidence)
	a.WireFormat = getEnv(EnvPrefix+"WIRE_FORMAT", a.WireFormat)
	a.QueueSize = getEnvInt(EnvPrefix+"QUEUE_SIZE", a.QueueSize)
	a.StatusAddr = getEnv(EnvPrefix+"STATUS_ADDR", a.StatusAddr)
	a.LogLevel = getEnv(EnvPrefix+"LOG_LEVEL", a.LogLevel)
	a.UploadSnapshots = getEnvBool(EnvPrefix+"UPLOAD_SNAPSHOTS", a.UploadSnapshots)
	a.ScreenIntervalS = getEnvFloat(EnvPrefix+"SCREEN_INTERVAL", a.ScreenIntervalS)
}

// Validate checks the agent configuration.
func (a *Agent) Validate() error {
	var errs []error
	if a.StudentID == "" {
		errs = append(errs, errors.New("student id is required"))
	} else if !domain.ValidStudentID(a.StudentID) {
		errs = append(errs, fmt.Errorf("student id %q must be 1-128 characters of [A-Za-z0-9._:-]", a.StudentID))
	}
	if u, err := url.Parse(a.ServerURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("server url %q must be an http(s) URL", a.ServerURL))
	}
	if a.Camera.Index < -1 {
		errs = append(errs, errors.New("camera index must be >= -1"))
	}
	if a.Camera.SearchMax <= 0 {
		errs = append(errs, errors.New("camera search max must be > 0"))
	}
	if a.FPS <= 0 {
		errs = append(errs, errors.New("fps must be > 0"))
	}
	if a.CooldownSeconds < 0 {
		errs = append(errs, errors.New("cooldown must be >= 0"))
	}
	if a.MinConfidence < 0 || a.MinConfidence > 1 {
		errs = append(errs, errors.New("min confidence must be within [0, 1]"))
	}
	if a.QueueSize <= 0 {
		errs = append(errs, errors.New("queue size must be > 0"))
	}
	if c := a.Detector.WorkerCodec; c != "" && c != "json" && c != "msgpack" {
		errs = append(errs, fmt.Errorf("worker codec %q must be json or msgpack", c))
	}
	if a.Detector.BudgetSeconds <= 0 {
		errs = append(errs, errors.New("detector budget must be > 0"))
	}
	if a.ScreenIntervalS < 0 {
		errs = append(errs, errors.New("screen interval must be >= 0"))
	}
	return errors.Join(errs...)
}

// Cooldown returns the per-kind cooldown.
func (a *Agent) Cooldown() time.Duration { return seconds(a.CooldownSeconds) }

// Grace returns how long shutdown waits for queued reports.
func (a *Agent) Grace() time.Duration { return seconds(a.GraceSeconds) }

// OpenTimeout returns the per-index camera open timeout.
func (a *Agent) OpenTimeout() time.Duration { return seconds(a.Camera.OpenTimeoutS) }

// DetectBudget returns the per-frame detection deadline.
func (a *Agent) DetectBudget() time.Duration { return seconds(a.Detector.BudgetSeconds) }

// StatsInterval returns how often the agent logs pipeline counters.
func (a *Agent) StatsInterval() time.Duration { return seconds(a.StatsIntervalS) }

// ScreenInterval returns the live view sharing period, zero when disabled.
func (a *Agent) ScreenInterval() time.Duration { return seconds(a.ScreenIntervalS) }

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
