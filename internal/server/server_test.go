package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/classwatch/internal/camera"
	"github.com/ashureev/classwatch/internal/client"
	"github.com/ashureev/classwatch/internal/config"
	"github.com/ashureev/classwatch/internal/detect"
	"github.com/ashureev/classwatch/internal/domain"
	"github.com/ashureev/classwatch/internal/feed"
	"github.com/ashureev/classwatch/internal/pipeline"
	"github.com/ashureev/classwatch/internal/store"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func testConfig() *config.Config {
	return &config.Config{
		Host:               "127.0.0.1",
		Port:               "0",
		StoreDriver:        store.DriverMemory,
		FeedHistory:        100,
		FeedBuffer:         16,
		FeedReplay:         50,
		SSEKeepalive:       15 * time.Second,
		SSERetry:           time.Second,
		RateLimitPerMinute: 0,
		RetentionSchedule:  "@every 1h",
		CORSOrigins:        []string{"*"},
	}
}

func newServer(t *testing.T, cfg *config.Config, repo store.Repository) *Server {
	t.Helper()
	s, err := New(cfg, repo)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type agent struct {
	pipe   *pipeline.Pipeline
	client *client.Client
}

func startAgent(t *testing.T, serverURL, studentID string, kind domain.Kind) *agent {
	t.Helper()
	c, err := client.New(client.Options{ServerURL: serverURL, StudentID: studentID})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()
	t.Cleanup(func() {
		closeCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
		defer done()
		_ = c.Close(closeCtx)
		cancel()
	})

	det := detect.NewScripted([]domain.Detection{{Kind: kind, Confidence: 0.9, Detail: "seen by " + studentID}})
	det.Loop = true
	p, err := pipeline.New(pipeline.Config{
		StudentID:     studentID,
		Cooldown:      8 * time.Second,
		MinConfidence: pipeline.DefaultMinConfidence,
	}, detect.WithBudget(det, time.Second), c)
	if err != nil {
		t.Fatal(err)
	}
	return &agent{pipe: p, client: c}
}

// Two students report alternately; the server keeps ingestion order and
// every viewer, live or replaying, sees both.
func TestRoundTripTwoStudents(t *testing.T) {
	repo := store.NewMemory()
	s := newServer(t, testConfig(), repo)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.shutdownFeed()

	live, _ := s.Hub().Subscribe(feed.SubscribeOptions{Name: "test"})
	defer live.Close()

	a1 := startAgent(t, ts.URL, "s1", domain.KindPhoneDetected)
	a2 := startAgent(t, ts.URL, "s2", domain.KindFaceNotFound)

	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	order := []*agent{a1, a2, a1, a2}
	for i, a := range order {
		// Frames 9s apart clear the 8s cooldown every time.
		f := camera.Frame{Seq: uint64(i), Data: []byte{1}, CapturedAt: start.Add(time.Duration(i) * 9 * time.Second)}
		if _, err := a.pipe.Process(context.Background(), f); err != nil {
			t.Fatal(err)
		}
		want := int64(i + 1)
		waitFor(t, func() bool {
			n, _ := repo.Count(context.Background())
			return n == want
		})
	}

	resp, err := http.Get(ts.URL + "/violations")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body struct {
		Count  int                     `json:"count"`
		Events []domain.ViolationEvent `json:"violations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	wantStudents := []string{"s1", "s2", "s1", "s2"}
	if len(body.Events) != len(wantStudents) {
		t.Fatalf("got %d events, want %d", len(body.Events), len(wantStudents))
	}
	for i, ev := range body.Events {
		if ev.StudentID != wantStudents[i] || ev.Seq != int64(i+1) {
			t.Errorf("event %d = %s seq %d", i, ev.StudentID, ev.Seq)
		}
		if !ev.OccurredAt.Equal(start.Add(time.Duration(i) * 9 * time.Second)) {
			t.Errorf("event %d occurred_at = %v", i, ev.OccurredAt)
		}
	}

	for i := range wantStudents {
		select {
		case ev := <-live.C():
			if ev.Seq != int64(i+1) {
				t.Errorf("live event %d has seq %d", i, ev.Seq)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("live event %d not delivered", i)
		}
	}

	// A viewer joining late replays both students from the feed history.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/feed/stream?replay=10", nil)
	sse, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer sse.Body.Close()

	seen := map[string]int{}
	sc := bufio.NewScanner(sse.Body)
	for sumCounts(seen) < 4 && sc.Scan() {
		if !strings.HasPrefix(sc.Text(), "data: ") || !strings.Contains(sc.Text(), `"student_id"`) {
			continue
		}
		var ev domain.ViolationEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(sc.Text(), "data: ")), &ev); err == nil && ev.Seq > 0 {
			seen[ev.StudentID]++
		}
	}
	if seen["s1"] != 2 || seen["s2"] != 2 {
		t.Errorf("replay saw %v", seen)
	}

	for _, a := range []*agent{a1, a2} {
		waitFor(t, func() bool { return a.client.Stats().Sent == 2 })
		if st := a.client.Stats(); st.Failed != 0 || st.DroppedOverflow != 0 {
			t.Errorf("client stats = %+v", st)
		}
	}
}

func sumCounts(m map[string]int) int {
	n := 0
	for _, v := range m {
		n += v
	}
	return n
}

func TestRoutesServeDashboardAndHealth(t *testing.T) {
	s := newServer(t, testConfig(), store.NewMemory())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.shutdownFeed()

	tests := []struct {
		path string
		want string
	}{
		{"/health", "."},
		{"/", "violation monitor"},
		{"/some/client/route", "violation monitor"},
		{"/api/health", `"status":"healthy"`},
	}
	for _, tt := range tests {
		resp, err := http.Get(ts.URL + tt.path)
		if err != nil {
			t.Fatal(err)
		}
		buf := new(strings.Builder)
		_, _ = bufio.NewReader(resp.Body).WriteTo(buf)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK || !strings.Contains(buf.String(), tt.want) {
			t.Errorf("GET %s = %d %q", tt.path, resp.StatusCode, buf.String())
		}
	}
}

func TestRunShutsDown(t *testing.T) {
	cfg := testConfig()
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.RetentionDays = 30
	s := newServer(t, cfg, store.NewMemory())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunRejectsBadRetentionSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.RetentionDays = 1
	cfg.RetentionSchedule = "whenever"
	s := newServer(t, cfg, store.NewMemory())
	if err := s.Run(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestOriginPatterns(t *testing.T) {
	got := originPatterns([]string{"https://teacher.example:8443", "localhost:5173"})
	if len(got) != 2 || got[0] != "teacher.example:8443" || got[1] != "localhost:5173" {
		t.Errorf("originPatterns = %v", got)
	}
	if got := originPatterns([]string{"http://a", "*"}); len(got) != 1 || got[0] != "*" {
		t.Errorf("wildcard = %v", got)
	}
}

// Events ingested before a dashboard connects arrive in its opening history
// message, sized by FEED_REPLAY unless the viewer asks for another count.
func TestTeacherWebSocketReplaysHistory(t *testing.T) {
	s := newServer(t, testConfig(), store.NewMemory())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.shutdownFeed()

	for _, id := range []string{"s1", "s2"} {
		body := `{"student_id":"` + id + `","kind":"face_not_found","confidence":0.8,"occurred_at":"2026-06-01T09:00:00Z"}`
		resp, err := http.Post(ts.URL+"/violations", "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("POST %s = %d", id, resp.StatusCode)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsBase := "ws" + strings.TrimPrefix(ts.URL, "http")

	tests := []struct {
		query string
		want  []string
	}{
		{"", []string{"s1", "s2"}},
		{"?replay=1", []string{"s2"}},
		{"?student_id=s1", []string{"s1"}},
	}
	for _, tt := range tests {
		conn, _, err := websocket.Dial(ctx, wsBase+"/ws/teacher"+tt.query, nil)
		if err != nil {
			t.Fatalf("Dial %q: %v", tt.query, err)
		}
		var hist feed.Message
		if err := wsjson.Read(ctx, conn, &hist); err != nil {
			t.Fatalf("%q: read history: %v", tt.query, err)
		}
		conn.Close(websocket.StatusNormalClosure, "")
		if hist.Type != feed.MsgHistory || len(hist.Events) != len(tt.want) {
			t.Errorf("%q: history = %+v", tt.query, hist)
			continue
		}
		for i, ev := range hist.Events {
			if ev.StudentID != tt.want[i] {
				t.Errorf("%q: event %d from %s, want %s", tt.query, i, ev.StudentID, tt.want[i])
			}
		}
	}
}

func TestScreenshotArchiveAndLiveScreens(t *testing.T) {
	cfg := testConfig()
	cfg.StorageDir = t.TempDir()
	cfg.UploadMaxBytes = 1 << 20
	cfg.ScreenMaxBytes = 1 << 20
	s := newServer(t, cfg, store.NewMemory())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.shutdownFeed()

	jpeg := append([]byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}, make([]byte, 32)...)
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	_ = mw.WriteField("student_id", "s1")
	fw, _ := mw.CreateFormFile("file", "shot.jpg")
	_, _ = fw.Write(jpeg)
	_ = mw.Close()
	resp, err := http.Post(ts.URL+"/upload", mw.FormDataContentType(), &body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upload = %d", resp.StatusCode)
	}

	listResp, err := http.Get(ts.URL + "/api/screenshots/list")
	if err != nil {
		t.Fatal(err)
	}
	var list struct {
		Students map[string][]string `json:"students"`
	}
	err = json.NewDecoder(listResp.Body).Decode(&list)
	listResp.Body.Close()
	if err != nil || len(list.Students["s1"]) != 1 {
		t.Fatalf("list = %+v, %v", list, err)
	}
	fileResp, err := http.Get(ts.URL + "/storage/screenshots/s1/" + list.Students["s1"][0])
	if err != nil {
		t.Fatal(err)
	}
	fileResp.Body.Close()
	if fileResp.StatusCode != http.StatusOK {
		t.Errorf("stored file = %d", fileResp.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsBase := "ws" + strings.TrimPrefix(ts.URL, "http")

	teacher, _, err := websocket.Dial(ctx, wsBase+"/ws/teacher", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer teacher.CloseNow()
	var msg feed.Message
	if err := wsjson.Read(ctx, teacher, &msg); err != nil || msg.Type != feed.MsgHistory {
		t.Fatalf("history = %+v, %v", msg, err)
	}

	student, _, err := websocket.Dial(ctx, wsBase+"/ws/student", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer student.CloseNow()
	image := base64.StdEncoding.EncodeToString(jpeg)
	if err := wsjson.Write(ctx, student, map[string]string{"student_id": "s1"}); err != nil {
		t.Fatal(err)
	}
	if err := wsjson.Write(ctx, student, map[string]string{"type": feed.MsgScreen, "image": image}); err != nil {
		t.Fatal(err)
	}
	if err := wsjson.Read(ctx, teacher, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != feed.MsgScreen || msg.StudentID != "s1" || msg.Image != image {
		t.Errorf("screen = %+v", msg)
	}
}

func TestArchiveDisabledWithoutStorageDir(t *testing.T) {
	s := newServer(t, testConfig(), store.NewMemory())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()
	defer s.shutdownFeed()

	resp, err := http.Get(ts.URL + "/api/screenshots/list")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("list without archive = %d, want 404", resp.StatusCode)
	}
}
