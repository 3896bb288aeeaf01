package camera

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"slices"
	"sync"
	"sync/atomic"
)

var errSyntheticUnplugged = errors.New("synthetic device unplugged")

// Synthetic is an in-memory driver that serves uniform gray frames from a
// fixed set of present indices.
type Synthetic struct {
	Present []int
	Width   int
	Height  int
	// FailAfter, when > 0, makes each opened device fail every read after
	// that many frames, which simulates an unplugged camera.
	FailAfter int

	opens atomic.Int64
	mu    sync.Mutex
	open  map[int]int // index -> open devices
}

// NewSynthetic creates a synthetic driver with the given indices present.
func NewSynthetic(present ...int) *Synthetic {
	return &Synthetic{Present: present, Width: 64, Height: 48}
}

// Name implements Driver.
func (s *Synthetic) Name() string { return "synthetic" }

// Opens returns how many devices have been opened successfully.
func (s *Synthetic) Opens() int64 { return s.opens.Load() }

// OpenCount returns how many devices are open at index right now.
func (s *Synthetic) OpenCount(index int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open[index]
}

// OpenDevice implements Driver.
func (s *Synthetic) OpenDevice(index int) (Device, error) {
	if !slices.Contains(s.Present, index) {
		return nil, fmt.Errorf("synthetic index %d: %w", index, ErrDeviceNotPresent)
	}
	data, err := grayJPEG(s.Width, s.Height, uint8(64+index*32))
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.open == nil {
		s.open = make(map[int]int)
	}
	s.open[index]++
	s.mu.Unlock()
	s.opens.Add(1)

	return &syntheticDevice{driver: s, index: index, data: data}, nil
}

type syntheticDevice struct {
	driver *Synthetic
	index  int
	data   []byte
	reads  int
	closed bool
}

func (d *syntheticDevice) Read(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if d.closed {
		return Frame{}, errors.New("synthetic device closed")
	}
	d.reads++
	// The first read in Open counts too, so failures start after FailAfter frames.
	if d.driver.FailAfter > 0 && d.reads > d.driver.FailAfter {
		return Frame{}, errSyntheticUnplugged
	}
	return Frame{
		Data:   d.data,
		Format: FormatJPEG,
		Width:  d.driver.Width,
		Height: d.driver.Height,
	}, nil
}

func (d *syntheticDevice) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.driver.mu.Lock()
	d.driver.open[d.index]--
	d.driver.mu.Unlock()
	return nil
}

func grayJPEG(w, h int, shade uint8) ([]byte, error) {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = shade
	}
	img.SetGray(w/2, h/2, color.Gray{Y: 255})
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
		return nil, fmt.Errorf("encode synthetic frame: %w", err)
	}
	return buf.Bytes(), nil
}
