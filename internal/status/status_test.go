package status

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func startServer(t *testing.T, services ...string) (*Server, context.CancelFunc) {
	t.Helper()
	srv, err := Listen("127.0.0.1:0", services...)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
	})
	return srv, cancel
}

func dial(t *testing.T, addr string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), addr, DefaultClientConfig())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestHealthCheck(t *testing.T) {
	srv, _ := startServer(t, ServiceAgent)
	c := dial(t, srv.Addr())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, svc := range []string{"", ServiceAgent} {
		ok, err := c.Check(ctx, svc)
		if err != nil || !ok {
			t.Errorf("Check(%q) = %v, %v; want serving", svc, ok, err)
		}
	}

	srv.SetServing(ServiceAgent, false)
	if ok, err := c.Check(ctx, ServiceAgent); err != nil || ok {
		t.Errorf("after SetServing(false): %v, %v", ok, err)
	}

	if _, err := c.Check(ctx, "classwatch.Unknown"); err == nil {
		t.Error("unknown service should fail the check")
	}
}

func TestWatchFreshness(t *testing.T) {
	srv, _ := startServer(t, ServiceAgent)
	c := dial(t, srv.Addr())

	var last atomic.Int64
	last.Store(time.Now().UnixNano())
	lastFn := func() time.Time { return time.Unix(0, last.Load()) }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.WatchFreshness(ctx, ServiceAgent, lastFn, 100*time.Millisecond, 10*time.Millisecond)

	waitFor := func(want bool) {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			ok, err := c.Check(context.Background(), ServiceAgent)
			if err == nil && ok == want {
				return
			}
			if want {
				last.Store(time.Now().UnixNano())
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Fatalf("service never reported serving=%v", want)
	}

	waitFor(false)
	waitFor(true)
}

func TestDialUnreachable(t *testing.T) {
	cfg := DefaultClientConfig()
	cfg.ConnectTimeout = 200 * time.Millisecond
	if _, err := Dial(context.Background(), "127.0.0.1:1", cfg); err == nil {
		t.Fatal("expected dial to fail")
	}
}
