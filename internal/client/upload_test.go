package client

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ashureev/classwatch/internal/camera"
	"github.com/ashureev/classwatch/internal/domain"
	"github.com/ashureev/classwatch/internal/identity"
)

type upload struct {
	student  string
	header   string
	kind     string
	filename string
	data     []byte
}

// uploadRecorder is a fake /upload endpoint.
type uploadRecorder struct {
	mu      sync.Mutex
	uploads []upload
	status  int
	calls   atomic.Int32
}

func (rec *uploadRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rec.calls.Add(1)
	if rec.status != 0 {
		w.WriteHeader(rec.status)
		return
	}
	if r.URL.Path != "/upload" || r.ParseMultipartForm(1<<20) != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	data, _ := io.ReadAll(f)
	f.Close()
	rec.mu.Lock()
	rec.uploads = append(rec.uploads, upload{
		student:  r.FormValue("student_id"),
		header:   r.Header.Get(identity.StudentHeaderName),
		kind:     r.FormValue("violation_type"),
		filename: hdr.Filename,
		data:     data,
	})
	rec.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (rec *uploadRecorder) got() []upload {
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return append([]upload(nil), rec.uploads...)
}

func runUploader(t *testing.T, u *Uploader) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = u.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestUploaderPostsSnapshots(t *testing.T) {
	rec := &uploadRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	u, err := NewUploader(UploaderOptions{ServerURL: srv.URL, StudentID: "s1", Retry: fastRetry()})
	if err != nil {
		t.Fatal(err)
	}
	runUploader(t, u)

	u.Enqueue(Snapshot{Kind: domain.KindPhoneDetected, Data: []byte("jpeg bytes"), Format: camera.FormatJPEG})
	u.Enqueue(Snapshot{Data: []byte("png bytes"), Format: camera.FormatPNG})
	u.Enqueue(Snapshot{Kind: domain.KindFaceNotFound}) // empty, ignored
	waitUntil(t, func() bool { return u.Stats().Uploaded == 2 })

	got := rec.got()
	if got[0].student != "s1" || got[0].header != "s1" || got[0].kind != "phone_detected" ||
		got[0].filename != "snapshot.jpg" || !bytes.Equal(got[0].data, []byte("jpeg bytes")) {
		t.Errorf("first upload = %+v", got[0])
	}
	if got[1].kind != "" || got[1].filename != "snapshot.png" {
		t.Errorf("second upload = %+v", got[1])
	}
}

func TestUploaderDropsOldestWhenFull(t *testing.T) {
	rec := &uploadRecorder{}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	u, err := NewUploader(UploaderOptions{ServerURL: srv.URL, StudentID: "s1", QueueSize: 2, Retry: fastRetry()})
	if err != nil {
		t.Fatal(err)
	}
	for _, k := range []domain.Kind{"a_kind", "b_kind", "c_kind"} {
		u.Enqueue(Snapshot{Kind: k, Data: []byte{1}})
	}
	if st := u.Stats(); st.Dropped != 1 {
		t.Fatalf("dropped = %d, want 1", st.Dropped)
	}

	runUploader(t, u)
	waitUntil(t, func() bool { return u.Stats().Uploaded == 2 })
	got := rec.got()
	if got[0].kind != "b_kind" || got[1].kind != "c_kind" {
		t.Errorf("uploaded %s, %s; want the two newest", got[0].kind, got[1].kind)
	}
}

func TestUploaderDoesNotRetryRejectedImages(t *testing.T) {
	rec := &uploadRecorder{status: http.StatusUnsupportedMediaType}
	srv := httptest.NewServer(rec)
	defer srv.Close()

	u, err := NewUploader(UploaderOptions{ServerURL: srv.URL, StudentID: "s1", Retry: fastRetry()})
	if err != nil {
		t.Fatal(err)
	}
	runUploader(t, u)
	u.Enqueue(Snapshot{Data: []byte("text")})
	waitUntil(t, func() bool { return u.Stats().Failed == 1 })
	if n := rec.calls.Load(); n != 1 {
		t.Errorf("server saw %d attempts, want 1", n)
	}
}

func TestNewUploaderValidates(t *testing.T) {
	if _, err := NewUploader(UploaderOptions{ServerURL: "http://teacher", StudentID: ""}); err == nil {
		t.Error("empty student accepted")
	}
	if _, err := NewUploader(UploaderOptions{ServerURL: "teacher", StudentID: "s1"}); err == nil {
		t.Error("url without scheme accepted")
	}
}
