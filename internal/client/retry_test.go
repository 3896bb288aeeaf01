package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"testing"
	"time"
)

func TestNextDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{4, 4 * time.Second},
		{5, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		if got := p.NextDelay(tt.attempt); got != tt.want {
			t.Errorf("NextDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	p := DefaultRetryPolicy()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"bad request", &StatusError{Code: http.StatusBadRequest}, false},
		{"unprocessable", &StatusError{Code: http.StatusUnprocessableEntity}, false},
		{"request timeout", &StatusError{Code: http.StatusRequestTimeout}, true},
		{"too many", &StatusError{Code: http.StatusTooManyRequests}, true},
		{"unavailable", &StatusError{Code: http.StatusServiceUnavailable}, true},
		{"refused", &url.Error{Op: "Post", URL: "http://x/violations", Err: &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}}, true},
		{"timeout", &url.Error{Op: "Post", URL: "http://x/violations", Err: context.DeadlineExceeded}, true},
		{"eof", &url.Error{Op: "Post", URL: "http://x/violations", Err: io.EOF}, true},
		{"message says invalid", &url.Error{Op: "Post", URL: "http://x/violations", Err: errors.New("invalid header from proxy")}, true},
		{"parse", &url.Error{Op: "parse", URL: "http://[::1", Err: errors.New("missing ']' in host")}, false},
		{"untrusted cert", &url.Error{Op: "Post", URL: "https://x/violations", Err: &tls.CertificateVerificationError{Err: x509.UnknownAuthorityError{}}}, false},
		{"unknown", errors.New("something odd"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.isRetryable(tt.err); got != tt.want {
				t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestExecuteStopsAtMaxAttempts(t *testing.T) {
	p := &RetryPolicy{MaxAttempts: 3, InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond}
	calls := 0
	err := p.Execute(context.Background(), func(int) error {
		calls++
		return &StatusError{Code: http.StatusBadGateway}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestExecuteHonoursContext(t *testing.T) {
	p := &RetryPolicy{MaxAttempts: 5, InitialDelay: time.Hour, Multiplier: 1, MaxDelay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := p.Execute(ctx, func(int) error {
		calls++
		cancel()
		return errors.New("timeout")
	})
	if err == nil || calls != 1 {
		t.Fatalf("err = %v calls = %d, want one failed call", err, calls)
	}
}
