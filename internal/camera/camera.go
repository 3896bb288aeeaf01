// Package camera acquires frames from local capture devices.
//
// Devices are provided by named drivers: "synthetic" for demos and tests,
// "file" for replaying a directory of images, and "gocv" (built with the
// gocv tag) for real webcams.
package camera

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrNoCameraFound is returned by Open when no index yields a frame.
	ErrNoCameraFound = errors.New("no camera found")
	// ErrCameraDisconnected is returned by Handle.Next after repeated read failures.
	ErrCameraDisconnected = errors.New("camera disconnected")
	// ErrDeviceNotPresent is returned by drivers for indices with no device.
	ErrDeviceNotPresent = errors.New("device not present")
	// ErrUnknownDriver is returned by NewDriver for unregistered names.
	ErrUnknownDriver = errors.New("unknown camera driver")
)

// Frame encodings.
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
)

// Frame is one captured image. Data is encoded (see Format) and must be
// treated as read-only once returned.
type Frame struct {
	Seq        uint64
	Device     int
	Data       []byte
	Format     string
	Width      int
	Height     int
	CapturedAt time.Time
}

// Device is an opened capture device.
type Device interface {
	Read(ctx context.Context) (Frame, error)
	Close() error
}

// Driver opens devices by index.
type Driver interface {
	Name() string
	OpenDevice(index int) (Device, error)
}

// DriverConfig carries driver-specific settings.
type DriverConfig struct {
	Dir string // frame directory for the file driver
}

// Factory builds a driver from its config.
type Factory func(DriverConfig) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}

	// DefaultDriver is the driver used when none is configured.
	DefaultDriver = "synthetic"
)

// Register makes a driver available by name. Registering a name twice
// replaces the earlier factory.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// NewDriver builds the named driver.
func NewDriver(name string, cfg DriverConfig) (Driver, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (available: %v)", ErrUnknownDriver, name, Drivers())
	}
	return f(cfg)
}

// Drivers lists registered driver names.
func Drivers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func init() {
	Register("synthetic", func(DriverConfig) (Driver, error) {
		return NewSynthetic(0), nil
	})
	Register("file", func(cfg DriverConfig) (Driver, error) {
		if cfg.Dir == "" {
			return nil, errors.New("file driver needs a frame directory")
		}
		return NewFileDriver(cfg.Dir), nil
	})
}
