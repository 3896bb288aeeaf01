package detect

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/classwatch/internal/camera"
	"github.com/ashureev/classwatch/internal/domain"
	"github.com/vmihailenco/msgpack/v5"
)

// Worker codecs.
const (
	CodecJSON    = "json"    // one JSON object per line, frame bytes base64-encoded
	CodecMsgpack = "msgpack" // 4-byte big-endian length prefix + msgpack body
)

const (
	defaultWriteTimeout = 2 * time.Second
	maxMessageSize      = 16 << 20
)

var errWorkerExited = errors.New("detector worker exited")

// WorkerConfig describes an external inference process.
type WorkerConfig struct {
	Command      string
	Args         []string
	Env          []string
	Codec        string
	WriteTimeout time.Duration
}

// WorkerRequest is sent to the worker for every frame.
type WorkerRequest struct {
	Seq        uint64 `json:"seq" msgpack:"seq"`
	CapturedAt string `json:"captured_at" msgpack:"captured_at"`
	Format     string `json:"format" msgpack:"format"`
	Width      int    `json:"width" msgpack:"width"`
	Height     int    `json:"height" msgpack:"height"`
	FrameData  []byte `json:"frame_data" msgpack:"frame_data"`
}

// WorkerResponse is read back for every request, echoing its seq.
type WorkerResponse struct {
	Seq        uint64            `json:"seq" msgpack:"seq"`
	Detections []WorkerDetection `json:"detections" msgpack:"detections"`
	Error      string            `json:"error,omitempty" msgpack:"error,omitempty"`
}

// WorkerDetection is one finding reported by the worker.
type WorkerDetection struct {
	Kind       string      `json:"kind" msgpack:"kind"`
	Confidence float64     `json:"confidence" msgpack:"confidence"`
	BBox       *WorkerBBox `json:"bbox,omitempty" msgpack:"bbox,omitempty"`
	Detail     string      `json:"detail,omitempty" msgpack:"detail,omitempty"`
}

// WorkerBBox is a pixel region in the frame.
type WorkerBBox struct {
	X      int `json:"x" msgpack:"x"`
	Y      int `json:"y" msgpack:"y"`
	Width  int `json:"width" msgpack:"width"`
	Height int `json:"height" msgpack:"height"`
}

// Worker runs detection in a child process that speaks a simple
// request/response protocol over stdin and stdout. Stderr lines are
// forwarded to the log.
type Worker struct {
	cfg    WorkerConfig
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *bufio.Reader

	mu      sync.Mutex // one request at a time
	seq     uint64
	results chan WorkerResponse
	done    chan struct{}
	exitErr error
	closed  atomic.Bool
	wg      sync.WaitGroup
}

// StartWorker launches the worker process.
func StartWorker(ctx context.Context, cfg WorkerConfig) (*Worker, error) {
	if cfg.Command == "" {
		return nil, errors.New("worker command is empty")
	}
	if cfg.Codec == "" {
		cfg.Codec = CodecJSON
	}
	if cfg.Codec != CodecJSON && cfg.Codec != CodecMsgpack {
		return nil, fmt.Errorf("unknown worker codec %q", cfg.Codec)
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}

	cmd := exec.CommandContext(ctx, cfg.Command, cfg.Args...)
	if cfg.Env != nil {
		cmd.Env = cfg.Env
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("worker stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker %s: %w", cfg.Command, err)
	}

	w := &Worker{
		cfg:     cfg,
		cmd:     cmd,
		stdin:   stdin,
		stdout:  bufio.NewReaderSize(stdout, 64<<10),
		results: make(chan WorkerResponse, 4),
		done:    make(chan struct{}),
	}
	slog.Info("Detector worker started", "command", cfg.Command, "pid", cmd.Process.Pid, "codec", cfg.Codec)

	w.wg.Add(2)
	go w.readResults()
	go w.logStderr(stderr)
	go w.waitProcess()
	return w, nil
}

// ParseCommand splits a shell-like command line on whitespace.
func ParseCommand(line string) (string, []string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

func (w *Worker) Name() string { return "worker" }

// Detect sends the frame to the worker and waits for the matching response.
func (w *Worker) Detect(ctx context.Context, f camera.Frame) ([]domain.Detection, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	select {
	case <-w.done:
		return nil, w.exitError()
	default:
	}

	w.seq++
	seq := w.seq
	req := WorkerRequest{
		Seq:        seq,
		CapturedAt: f.CapturedAt.UTC().Format(time.RFC3339Nano),
		Format:     f.Format,
		Width:      f.Width,
		Height:     f.Height,
		FrameData:  f.Data,
	}
	if err := w.send(ctx, req); err != nil {
		return nil, err
	}

	for {
		select {
		case resp := <-w.results:
			if resp.Seq < seq {
				continue // answer to a request that already timed out
			}
			if resp.Error != "" {
				return nil, fmt.Errorf("worker: %s", resp.Error)
			}
			return toDetections(resp.Detections), nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-w.done:
			return nil, w.exitError()
		}
	}
}

func toDetections(in []WorkerDetection) []domain.Detection {
	out := make([]domain.Detection, 0, len(in))
	for _, d := range in {
		k := domain.Kind(d.Kind)
		if !k.Valid() {
			slog.Warn("Detector worker reported an invalid kind", "kind", d.Kind)
			continue
		}
		det := domain.Detection{Kind: k, Confidence: d.Confidence, Detail: d.Detail}
		if d.BBox != nil {
			det.BBox = &domain.BBox{X: d.BBox.X, Y: d.BBox.Y, Width: d.BBox.Width, Height: d.BBox.Height}
		}
		out = append(out, det)
	}
	return out
}

// send writes one request, bounded by WriteTimeout. A worker that stops
// reading its stdin is considered hung and killed.
func (w *Worker) send(ctx context.Context, req WorkerRequest) error {
	data, err := encodeMessage(w.cfg.Codec, req)
	if err != nil {
		return err
	}

	writeErr := make(chan error, 1)
	go func() {
		_, err := w.stdin.Write(data)
		writeErr <- err
	}()

	timer := time.NewTimer(w.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case err := <-writeErr:
		if err != nil {
			return fmt.Errorf("write to worker: %w", err)
		}
		return nil
	case <-timer.C:
		slog.Error("Detector worker stdin write timed out, killing it", "pid", w.cmd.Process.Pid)
		_ = w.cmd.Process.Kill()
		return errors.New("worker stdin write timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func encodeMessage(codec string, v any) ([]byte, error) {
	switch codec {
	case CodecMsgpack:
		body, err := msgpack.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode msgpack: %w", err)
		}
		out := make([]byte, 4+len(body))
		binary.BigEndian.PutUint32(out, uint32(len(body)))
		copy(out[4:], body)
		return out, nil
	default:
		body, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode json: %w", err)
		}
		return append(body, '\n'), nil
	}
}

func decodeMessage(codec string, r *bufio.Reader, v any) error {
	switch codec {
	case CodecMsgpack:
		var lengthBuf [4]byte
		if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
			return err
		}
		n := binary.BigEndian.Uint32(lengthBuf[:])
		if n > maxMessageSize {
			return fmt.Errorf("worker message of %d bytes exceeds limit", n)
		}
		body := make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return err
		}
		return msgpack.Unmarshal(body, v)
	default:
		line, err := r.ReadBytes('\n')
		if err != nil {
			if err == io.EOF && len(line) > 0 {
				return json.Unmarshal(line, v)
			}
			return err
		}
		return json.Unmarshal(line, v)
	}
}

// readResults reads responses from the worker's stdout.
func (w *Worker) readResults() {
	defer w.wg.Done()
	for {
		var resp WorkerResponse
		if err := decodeMessage(w.cfg.Codec, w.stdout, &resp); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				slog.Debug("Detector worker stdout closed")
				return
			}
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				slog.Warn("Detector worker wrote an unparseable line", "error", err)
				continue
			}
			if !w.closed.Load() {
				slog.Error("Failed to read from detector worker", "error", err)
			}
			return
		}

		select {
		case w.results <- resp:
		default:
			// Nobody is waiting; drop the oldest so the newest answer wins.
			select {
			case <-w.results:
			default:
			}
			w.results <- resp
		}
	}
}

// logStderr forwards worker stderr, mapping level markers to slog levels.
func (w *Worker) logStderr(stderr io.Reader) {
	defer w.wg.Done()
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
			slog.Error("Detector worker error", "log", line)
		case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
			slog.Warn("Detector worker warning", "log", line)
		default:
			slog.Debug("Detector worker log", "log", line)
		}
	}
}

// waitProcess reaps the process once both output pipes are drained.
func (w *Worker) waitProcess() {
	w.wg.Wait()
	err := w.cmd.Wait()
	if err != nil && !w.closed.Load() {
		slog.Error("Detector worker exited unexpectedly", "pid", w.cmd.Process.Pid, "error", err)
	}
	w.exitErr = err
	close(w.done)
}

func (w *Worker) exitError() error {
	if w.exitErr != nil {
		return fmt.Errorf("%w: %w", errWorkerExited, w.exitErr)
	}
	return errWorkerExited
}

// Close stops the worker: stdin is closed so it can exit on its own, and it
// is killed if it has not done so within two seconds.
func (w *Worker) Close() error {
	if !w.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = w.stdin.Close()

	select {
	case <-w.done:
	case <-time.After(2 * time.Second):
		slog.Warn("Detector worker stop timeout, killing process", "pid", w.cmd.Process.Pid)
		_ = w.cmd.Process.Kill()
		<-w.done
	}
	return nil
}
