package camera

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg" // register decoders for DecodeConfig
	_ "image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// FileDriver replays still images from disk in lexical order, looping.
// Index 0 reads dir itself; index n > 0 reads dir/<n>.
type FileDriver struct {
	Dir string
}

// NewFileDriver creates a file driver rooted at dir.
func NewFileDriver(dir string) *FileDriver {
	return &FileDriver{Dir: dir}
}

// Name implements Driver.
func (d *FileDriver) Name() string { return "file" }

// OpenDevice implements Driver.
func (d *FileDriver) OpenDevice(index int) (Device, error) {
	dir := d.Dir
	if index > 0 {
		dir = filepath.Join(d.Dir, strconv.Itoa(index))
	}
	frames, err := loadFrames(dir)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames in %s: %w", dir, ErrDeviceNotPresent)
	}
	return &fileDevice{frames: frames}, nil
}

// loadFrames returns the sorted image paths in dir.
func loadFrames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", dir, ErrDeviceNotPresent)
		}
		return nil, fmt.Errorf("read frame dir: %w", err)
	}
	var frames []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png":
			frames = append(frames, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(frames)
	return frames, nil
}

type fileDevice struct {
	frames []string
	next   int
}

func (d *fileDevice) Read(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	path := d.frames[d.next]
	d.next = (d.next + 1) % len(d.frames)

	data, err := os.ReadFile(path)
	if err != nil {
		return Frame{}, fmt.Errorf("read frame %s: %w", filepath.Base(path), err)
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Frame{}, fmt.Errorf("decode frame %s: %w", filepath.Base(path), err)
	}
	return Frame{
		Data:   data,
		Format: format,
		Width:  cfg.Width,
		Height: cfg.Height,
	}, nil
}

func (d *fileDevice) Close() error { return nil }
