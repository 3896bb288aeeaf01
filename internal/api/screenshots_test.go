package api

import (
	"bytes"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ashureev/classwatch/internal/archive"
	"github.com/ashureev/classwatch/internal/identity"
	"github.com/go-chi/chi/v5"
)

var testJPEG = append([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}, make([]byte, 32)...)

func newArchiveServer(t *testing.T, maxBytes int64, rateLimit int) *httptest.Server {
	t.Helper()
	a, err := archive.Open(t.TempDir(), maxBytes)
	if err != nil {
		t.Fatal(err)
	}
	limiter := NewRateLimiter(rateLimit, time.Minute)
	t.Cleanup(limiter.Stop)

	r := chi.NewRouter()
	r.Use(identity.Middleware(false))
	NewScreenshotHandler(a, limiter).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func upload(t *testing.T, srv *httptest.Server, fields map[string]string, image []byte, header string) *http.Response {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatal(err)
		}
	}
	if image != nil {
		fw, err := mw.CreateFormFile("file", "screen.jpg")
		if err != nil {
			t.Fatal(err)
		}
		if _, err := fw.Write(image); err != nil {
			t.Fatal(err)
		}
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/upload", &body)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if header != "" {
		req.Header.Set(identity.StudentHeaderName, header)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /upload: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUploadListAndServe(t *testing.T) {
	srv := newArchiveServer(t, 0, 0)

	resp := upload(t, srv, map[string]string{"student_id": "s1", "violation_type": "phone_detected"}, testJPEG, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	got := decodeBody(t, resp)
	if got["status"] != "ok" {
		t.Errorf("body = %v", got)
	}
	fileURL, _ := got["url"].(string)
	if fileURL == "" {
		t.Fatalf("no url in %v", got)
	}

	listResp, err := http.Get(srv.URL + "/api/screenshots/list")
	if err != nil {
		t.Fatal(err)
	}
	defer listResp.Body.Close()
	list := decodeBody(t, listResp)
	students, _ := list["students"].(map[string]interface{})
	names, _ := students["s1"].([]interface{})
	if len(names) != 1 {
		t.Fatalf("list = %v", list)
	}
	if fileURL != "/storage/screenshots/s1/"+names[0].(string) {
		t.Errorf("url %q does not match listed name %v", fileURL, names[0])
	}

	fileResp, err := http.Get(srv.URL + fileURL)
	if err != nil {
		t.Fatal(err)
	}
	defer fileResp.Body.Close()
	data, _ := io.ReadAll(fileResp.Body)
	if fileResp.StatusCode != http.StatusOK || !bytes.Equal(data, testJPEG) {
		t.Errorf("GET %s = %d, %d bytes", fileURL, fileResp.StatusCode, len(data))
	}

	dirResp, err := http.Get(srv.URL + "/storage/screenshots/s1/")
	if err != nil {
		t.Fatal(err)
	}
	dirResp.Body.Close()
	if dirResp.StatusCode != http.StatusNotFound {
		t.Errorf("directory listing status = %d, want 404", dirResp.StatusCode)
	}
}

func TestListFiltersByStudent(t *testing.T) {
	srv := newArchiveServer(t, 0, 0)
	for _, id := range []string{"s1", "s2"} {
		if resp := upload(t, srv, map[string]string{"student_id": id}, testJPEG, ""); resp.StatusCode != http.StatusOK {
			t.Fatalf("upload %s = %d", id, resp.StatusCode)
		}
	}

	resp, err := http.Get(srv.URL + "/api/screenshots/list?student_id=s2")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	students, _ := decodeBody(t, resp)["students"].(map[string]interface{})
	if len(students) != 1 || students["s2"] == nil {
		t.Errorf("students = %v, want only s2", students)
	}
}

func TestUploadRejects(t *testing.T) {
	srv := newArchiveServer(t, 64, 0)

	tests := []struct {
		name   string
		fields map[string]string
		image  []byte
		header string
		want   int
	}{
		{"no student", map[string]string{}, testJPEG, "", http.StatusBadRequest},
		{"no file", map[string]string{"student_id": "s1"}, nil, "", http.StatusBadRequest},
		{"traversal", map[string]string{"student_id": ".."}, testJPEG, "", http.StatusBadRequest},
		{"header mismatch", map[string]string{"student_id": "s1"}, testJPEG, "s2", http.StatusBadRequest},
		{"not an image", map[string]string{"student_id": "s1"}, []byte("hello there, not a picture"), "", http.StatusUnsupportedMediaType},
		{"too large", map[string]string{"student_id": "s1"}, append(testJPEG, make([]byte, 64)...), "", http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := upload(t, srv, tt.fields, tt.image, tt.header)
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestUploadRateLimited(t *testing.T) {
	srv := newArchiveServer(t, 0, 1)
	if resp := upload(t, srv, map[string]string{"student_id": "s1"}, testJPEG, ""); resp.StatusCode != http.StatusOK {
		t.Fatalf("first upload = %d", resp.StatusCode)
	}
	if resp := upload(t, srv, map[string]string{"student_id": "s1"}, testJPEG, ""); resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second upload = %d, want 429", resp.StatusCode)
	}
}
