package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8000" {
		t.Errorf("Port = %q, want 8000", cfg.Port)
	}
	if cfg.StoreDriver != "memory" {
		t.Errorf("StoreDriver = %q, want memory", cfg.StoreDriver)
	}
	if cfg.SSEKeepalive != 15*time.Second {
		t.Errorf("SSEKeepalive = %v, want 15s", cfg.SSEKeepalive)
	}
	if len(cfg.CORSOrigins) != 1 || cfg.CORSOrigins[0] != "*" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
	if cfg.FeedReplay != 50 || cfg.StorageDir != "./storage" || cfg.UploadMaxBytes != 5<<20 {
		t.Errorf("FeedReplay = %d StorageDir = %q UploadMaxBytes = %d", cfg.FeedReplay, cfg.StorageDir, cfg.UploadMaxBytes)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9100")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SSE_KEEPALIVE", "3")
	t.Setenv("FEED_HISTORY", "20")
	t.Setenv("FEED_REPLAY", "7")
	t.Setenv("STORAGE_DIR", "")
	t.Setenv("CORS_ORIGINS", "http://a.local, http://b.local")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr() != "0.0.0.0:9100" {
		t.Errorf("Addr = %q", cfg.Addr())
	}
	if cfg.SSEKeepalive != 3*time.Second {
		t.Errorf("SSEKeepalive = %v, want 3s", cfg.SSEKeepalive)
	}
	if cfg.FeedHistory != 20 || cfg.FeedReplay != 7 {
		t.Errorf("FeedHistory = %d FeedReplay = %d, want 20 and 7", cfg.FeedHistory, cfg.FeedReplay)
	}
	if cfg.StorageDir != "" {
		t.Errorf("StorageDir = %q, an empty value should disable the archive", cfg.StorageDir)
	}
	if len(cfg.CORSOrigins) != 2 || cfg.CORSOrigins[1] != "http://b.local" {
		t.Errorf("CORSOrigins = %v", cfg.CORSOrigins)
	}
}

func TestLoadRejectsNegativeReplay(t *testing.T) {
	t.Setenv("FEED_REPLAY", "-1")
	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "FEED_REPLAY") {
		t.Fatalf("Load error = %v, want FEED_REPLAY", err)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "postgres")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for unknown store driver")
	}
}

func TestLoadAgentPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	yaml := `
student_id: from-file
fps: 10
cooldown_seconds: 3
camera:
  driver: file
  dir: /tmp/frames
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CLASSWATCH_STUDENT_ID", "from-env")
	t.Setenv("CLASSWATCH_UPLOAD_SNAPSHOTS", "true")
	t.Setenv("CLASSWATCH_SCREEN_INTERVAL", "1.5")

	cfg, err := LoadAgent(path)
	if err != nil {
		t.Fatalf("LoadAgent: %v", err)
	}
	if cfg.StudentID != "from-env" {
		t.Errorf("StudentID = %q, env should win over file", cfg.StudentID)
	}
	if cfg.FPS != 10 || cfg.Cooldown() != 3*time.Second {
		t.Errorf("FPS = %v cooldown = %v", cfg.FPS, cfg.Cooldown())
	}
	if cfg.Camera.Driver != "file" || cfg.Camera.Dir != "/tmp/frames" {
		t.Errorf("Camera = %+v", cfg.Camera)
	}
	if !cfg.UploadSnapshots || cfg.ScreenInterval() != 1500*time.Millisecond {
		t.Errorf("UploadSnapshots = %v ScreenInterval = %v", cfg.UploadSnapshots, cfg.ScreenInterval())
	}
	// Untouched keys keep their defaults.
	if cfg.Camera.SearchMax != 5 || cfg.QueueSize != 256 || cfg.MinConfidence != 0.5 {
		t.Errorf("defaults lost: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestAgentValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Agent)
		wantErr string
	}{
		{"valid", func(a *Agent) {}, ""},
		{"missing student", func(a *Agent) { a.StudentID = "" }, "student id is required"},
		{"bad student", func(a *Agent) { a.StudentID = "has space" }, "student id"},
		{"bad url", func(a *Agent) { a.ServerURL = "ftp://x" }, "server url"},
		{"bad index", func(a *Agent) { a.Camera.Index = -2 }, "camera index"},
		{"bad confidence", func(a *Agent) { a.MinConfidence = 2 }, "min confidence"},
		{"bad fps", func(a *Agent) { a.FPS = 0 }, "fps"},
		{"bad codec", func(a *Agent) { a.Detector.WorkerCodec = "cbor" }, "worker codec"},
		{"negative screen interval", func(a *Agent) { a.ScreenIntervalS = -1 }, "screen interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultAgent()
			cfg.StudentID = "s1"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}
