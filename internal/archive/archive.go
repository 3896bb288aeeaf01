// Package archive keeps the screenshots students upload, one directory per
// student under <root>/screenshots.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ashureev/classwatch/internal/domain"
)

// DefaultMaxBytes caps one stored image.
const DefaultMaxBytes = 5 << 20

// nameLayout stamps file names; suffixes break ties within one second.
const nameLayout = "20060102_150405"

var (
	// ErrTooLarge is returned by Save for images over the size cap.
	ErrTooLarge = errors.New("image too large")
	// ErrUnsupportedImage is returned by Save for anything but JPEG or PNG.
	ErrUnsupportedImage = errors.New("unsupported image type")
)

var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// Shot describes one stored screenshot.
type Shot struct {
	StudentID string    `json:"student_id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	SavedAt   time.Time `json:"saved_at"`
}

// Path is the shot's location relative to the storage root, with forward
// slashes, as served under /storage/.
func (s Shot) Path() string {
	return "screenshots/" + s.StudentID + "/" + s.Name
}

// Store writes and lists screenshots on the local filesystem.
type Store struct {
	root     string
	dir      string
	maxBytes int64
	now      func() time.Time
}

// Open prepares root/screenshots. maxBytes <= 0 means DefaultMaxBytes.
func Open(root string, maxBytes int64) (*Store, error) {
	if root == "" {
		return nil, errors.New("archive: storage root is required")
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	dir := filepath.Join(root, "screenshots")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("archive: create %s: %w", dir, err)
	}
	return &Store{root: root, dir: dir, maxBytes: maxBytes, now: time.Now}, nil
}

// Root is the storage directory served as static files.
func (s *Store) Root() string { return s.root }

// MaxBytes is the per-image size cap.
func (s *Store) MaxBytes() int64 { return s.maxBytes }

// validStudentDir rejects ids that would escape the screenshots directory.
// The id alphabet allows dots, so "." and ".." need a check of their own.
func validStudentDir(id string) bool {
	return domain.ValidStudentID(id) && strings.Trim(id, ".") != ""
}

// Save stores one image for studentID. kind, when set, is appended to the
// file name so shots taken on a violation are recognisable in listings.
func (s *Store) Save(studentID string, kind domain.Kind, r io.Reader) (Shot, error) {
	if !validStudentDir(studentID) {
		return Shot{}, &domain.ValidationError{Field: "student_id", Reason: "must be 1-128 characters of [A-Za-z0-9._:-]"}
	}
	if kind != "" && !kind.Valid() {
		return Shot{}, &domain.ValidationError{Field: "violation_type", Reason: "must be lower_snake_case"}
	}

	data, err := io.ReadAll(io.LimitReader(r, s.maxBytes+1))
	if err != nil {
		return Shot{}, fmt.Errorf("archive: read image: %w", err)
	}
	if int64(len(data)) > s.maxBytes {
		return Shot{}, fmt.Errorf("%w: over %d bytes", ErrTooLarge, s.maxBytes)
	}
	ext, err := imageExt(data)
	if err != nil {
		return Shot{}, err
	}

	studentDir := filepath.Join(s.dir, studentID)
	if err := os.MkdirAll(studentDir, 0o755); err != nil {
		return Shot{}, fmt.Errorf("archive: create student dir: %w", err)
	}

	at := s.now()
	base := at.Format(nameLayout)
	if kind != "" {
		base += "_" + string(kind)
	}
	f, name, err := createUnique(studentDir, base, ext)
	if err != nil {
		return Shot{}, err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(filepath.Join(studentDir, name))
		return Shot{}, fmt.Errorf("archive: write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(filepath.Join(studentDir, name))
		return Shot{}, fmt.Errorf("archive: close %s: %w", name, err)
	}

	return Shot{StudentID: studentID, Name: name, Size: int64(len(data)), SavedAt: at}, nil
}

func imageExt(data []byte) (string, error) {
	switch ct := http.DetectContentType(data); ct {
	case "image/jpeg":
		return ".jpg", nil
	case "image/png":
		return ".png", nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedImage, ct)
	}
}

// createUnique opens base+ext exclusively, adding _2, _3... on collision.
func createUnique(dir, base, ext string) (*os.File, string, error) {
	for i := 1; i <= 100; i++ {
		name := base + ext
		if i > 1 {
			name = fmt.Sprintf("%s_%d%s", base, i, ext)
		}
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, name, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, "", fmt.Errorf("archive: create %s: %w", name, err)
		}
	}
	return nil, "", fmt.Errorf("archive: too many screenshots named %s", base)
}

// List returns every student's image file names in ascending order.
// Students without images are left out.
func (s *Store) List() (map[string][]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("archive: list: %w", err)
	}
	out := make(map[string][]string)
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		names, err := s.ListStudent(e.Name())
		if err != nil {
			return nil, err
		}
		if len(names) > 0 {
			out[e.Name()] = names
		}
	}
	return out, nil
}

// ListStudent returns one student's image file names in ascending order.
func (s *Store) ListStudent(studentID string) ([]string, error) {
	if !validStudentDir(studentID) {
		return nil, nil
	}
	entries, err := os.ReadDir(filepath.Join(s.dir, studentID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("archive: list %s: %w", studentID, err)
	}
	var names []string
	for _, e := range entries {
		if e.Type().IsRegular() && imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// PruneBefore removes images last written before cutoff and returns how many
// were removed.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var removed int64
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() || !imageExts[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			slog.Warn("[ARCHIVE] Failed to remove screenshot", "path", path, "error", err)
			return nil
		}
		removed++
		return nil
	})
	return removed, err
}
