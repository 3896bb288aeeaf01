package client

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/ashureev/classwatch/internal/camera"
	"github.com/ashureev/classwatch/internal/domain"
)

// DefaultSnapshotQueue bounds snapshots waiting for upload. Snapshots are
// large, so the queue is much shorter than the report queue.
const DefaultSnapshotQueue = 8

// Snapshot is the frame behind a reported violation, archived on the server.
type Snapshot struct {
	Kind   domain.Kind
	Data   []byte
	Format string // camera.FormatJPEG or camera.FormatPNG
}

// UploaderOptions configures an Uploader.
type UploaderOptions struct {
	ServerURL  string
	StudentID  string
	QueueSize  int
	Retry      *RetryPolicy
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// UploadStats is a snapshot of uploader counters.
type UploadStats struct {
	Uploaded uint64 `json:"uploaded"`
	Failed   uint64 `json:"failed"`
	Dropped  uint64 `json:"dropped"`
}

// Uploader posts snapshots to /upload in the background. Like Client it
// never blocks the producer; when the queue is full the oldest snapshot
// goes. Snapshots still queued at shutdown are discarded.
type Uploader struct {
	endpoint  string
	studentID string
	retry     *RetryPolicy
	http      *http.Client
	logger    *slog.Logger

	mu    sync.Mutex
	queue chan Snapshot

	uploaded atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
}

// NewUploader creates an uploader. Call Run to start uploading.
func NewUploader(opts UploaderOptions) (*Uploader, error) {
	base, err := baseURL(opts.ServerURL)
	if err != nil {
		return nil, err
	}
	if !domain.ValidStudentID(opts.StudentID) {
		return nil, fmt.Errorf("client: invalid student id %q", opts.StudentID)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultSnapshotQueue
	}
	if opts.Retry == nil {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: requestTimeout}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Uploader{
		endpoint:  base + "/upload",
		studentID: opts.StudentID,
		retry:     opts.Retry,
		http:      opts.HTTPClient,
		logger:    opts.Logger,
		queue:     make(chan Snapshot, opts.QueueSize),
	}, nil
}

// Enqueue queues s and returns immediately.
func (u *Uploader) Enqueue(s Snapshot) {
	if len(s.Data) == 0 {
		return
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	select {
	case u.queue <- s:
		return
	default:
	}
	select {
	case <-u.queue:
		u.dropped.Add(1)
	default:
	}
	select {
	case u.queue <- s:
	default:
		u.dropped.Add(1)
	}
}

// Run uploads queued snapshots until ctx is done.
func (u *Uploader) Run(ctx context.Context) error {
	u.logger.Info("[UPLOAD] Started", "endpoint", u.endpoint)
	for {
		select {
		case <-ctx.Done():
			if n := len(u.queue); n > 0 {
				u.dropped.Add(uint64(n))
				u.logger.Info("[UPLOAD] Discarded pending snapshots", "count", n)
			}
			return nil
		case s := <-u.queue:
			u.upload(ctx, s)
		}
	}
}

func (u *Uploader) upload(ctx context.Context, s Snapshot) {
	body, contentType, err := u.encode(s)
	if err != nil {
		u.failed.Add(1)
		u.logger.Error("[UPLOAD] Failed to encode snapshot", "error", err)
		return
	}
	err = u.retry.Execute(ctx, func(int) error {
		return postTo(ctx, u.http, u.endpoint, u.studentID, body, contentType)
	})
	if err != nil {
		if ctx.Err() == nil {
			u.failed.Add(1)
			u.logger.Warn("[UPLOAD] Snapshot dropped", "kind", s.Kind, "error", err)
		}
		return
	}
	u.uploaded.Add(1)
	u.logger.Debug("[UPLOAD] Snapshot stored", "kind", s.Kind, "bytes", len(s.Data))
}

func (u *Uploader) encode(s Snapshot) ([]byte, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("student_id", u.studentID); err != nil {
		return nil, "", err
	}
	if s.Kind != "" {
		if err := mw.WriteField("violation_type", string(s.Kind)); err != nil {
			return nil, "", err
		}
	}
	name := "snapshot.jpg"
	if s.Format == camera.FormatPNG {
		name = "snapshot.png"
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(s.Data); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), mw.FormDataContentType(), nil
}

// Stats returns a snapshot of the uploader counters.
func (u *Uploader) Stats() UploadStats {
	return UploadStats{
		Uploaded: u.uploaded.Load(),
		Failed:   u.failed.Load(),
		Dropped:  u.dropped.Load(),
	}
}
