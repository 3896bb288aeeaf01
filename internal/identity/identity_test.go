package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestMiddleware_AssignsViewerCookie(t *testing.T) {
	var got string
	h := Middleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = ViewerIDFromContext(r.Context())
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/feed/stream", nil))

	if !viewerIDPattern.MatchString(got) {
		t.Fatalf("expected generated viewer id, got %q", got)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Value != got {
		t.Fatalf("expected cookie with %q, got %+v", got, cookies)
	}

	// The same cookie is honoured on the next request.
	req := httptest.NewRequest(http.MethodGet, "/api/feed/stream", nil)
	req.AddCookie(cookies[0])
	var again string
	h = Middleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		again = ViewerIDFromContext(r.Context())
	}))
	h.ServeHTTP(httptest.NewRecorder(), req)
	if again != got {
		t.Errorf("expected viewer id %q to persist, got %q", got, again)
	}
}

func TestMiddleware_AgentHeader(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"s-01", "s-01"},
		{"bad id!", ""},
		{"", ""},
	}
	for _, tt := range tests {
		var got string
		h := Middleware(false)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = StudentIDFromContext(r.Context())
		}))
		req := httptest.NewRequest(http.MethodPost, "/violations", nil)
		if tt.header != "" {
			req.Header.Set(StudentHeaderName, tt.header)
		}
		h.ServeHTTP(httptest.NewRecorder(), req)
		if got != tt.want {
			t.Errorf("header %q: got %q, want %q", tt.header, got, tt.want)
		}
	}
}

func TestViewerIDFromContext_Default(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if got := ViewerIDFromContext(req.Context()); got != UnknownViewerID {
		t.Errorf("expected %q, got %q", UnknownViewerID, got)
	}
}
