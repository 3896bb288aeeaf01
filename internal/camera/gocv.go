//go:build gocv

package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"gocv.io/x/gocv"
)

var errEmptyFrame = errors.New("empty frame")

func init() {
	Register("gocv", func(DriverConfig) (Driver, error) {
		return gocvDriver{}, nil
	})
	DefaultDriver = "gocv"
}

// gocvDriver opens local webcams through OpenCV.
type gocvDriver struct{}

func (gocvDriver) Name() string { return "gocv" }

func (gocvDriver) OpenDevice(index int) (Device, error) {
	vc, err := gocv.VideoCaptureDevice(index)
	if err != nil {
		return nil, fmt.Errorf("open webcam %d: %w: %v", index, ErrDeviceNotPresent, err)
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, fmt.Errorf("webcam %d: %w", index, ErrDeviceNotPresent)
	}
	// Keep only the newest frame so a slow consumer never sees stale images.
	vc.Set(gocv.VideoCaptureBufferSize, 1)
	return &gocvDevice{vc: vc, mat: gocv.NewMat()}, nil
}

type gocvDevice struct {
	mu  sync.Mutex // guards vc and mat; a timed-out read may still be running
	vc  *gocv.VideoCapture
	mat gocv.Mat
}

type readResult struct {
	frame Frame
	err   error
}

// Read grabs one frame. VideoCapture.Read blocks without a deadline, so it
// runs on its own goroutine and ctx bounds the wait.
func (d *gocvDevice) Read(ctx context.Context) (Frame, error) {
	ch := make(chan readResult, 1)
	go func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.vc == nil {
			ch <- readResult{err: errors.New("webcam closed")}
			return
		}
		if ok := d.vc.Read(&d.mat); !ok || d.mat.Empty() {
			ch <- readResult{err: errEmptyFrame}
			return
		}
		buf, err := gocv.IMEncode(gocv.JPEGFileExt, d.mat)
		if err != nil {
			ch <- readResult{err: fmt.Errorf("encode frame: %w", err)}
			return
		}
		data := bytes.Clone(buf.GetBytes())
		buf.Close()
		ch <- readResult{frame: Frame{
			Data:   data,
			Format: FormatJPEG,
			Width:  d.mat.Cols(),
			Height: d.mat.Rows(),
		}}
	}()

	select {
	case r := <-ch:
		return r.frame, r.err
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (d *gocvDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.vc == nil {
		return nil
	}
	err := d.vc.Close()
	d.vc = nil
	_ = d.mat.Close()
	return err
}
