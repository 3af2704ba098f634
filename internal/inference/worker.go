package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/neuroops/neuroops-agent/internal/logging"
	"github.com/neuroops/neuroops-agent/internal/vision"
)

const (
	maxStderrBytes = 8 * 1024
	maxMessageSize = 64 << 20
	imageQuality   = 90
)

// ErrWorkerClosed is returned by calls made after Close.
var ErrWorkerClosed = errors.New("inference: worker closed")

// Worker operations.
const (
	OpDetect    = "detect"
	OpEmbed     = "embed"
	OpEmbedText = "embed_text"
	OpIdentity  = "identity"
	OpOCR       = "ocr"
	OpDoctor    = "doctor"
)

// WorkerConfig configures the model worker subprocess.
type WorkerConfig struct {
	PythonPath string // empty = auto-detect
	ModuleName string // run as `python -m <module> serve`
	// Command replaces the python invocation entirely when set.
	Command       []string
	Env           []string
	CallTimeout   time.Duration
	DoctorTimeout time.Duration
	Logger        *slog.Logger
}

// DefaultWorkerConfig returns production defaults.
func DefaultWorkerConfig(module string, logger *slog.Logger) WorkerConfig {
	return WorkerConfig{
		ModuleName:    module,
		CallTimeout:   30 * time.Second,
		DoctorTimeout: 60 * time.Second,
		Logger:        logger,
	}
}

// WorkerClient talks to a long-lived model worker over stdin/stdout. Each
// message is a 4-byte big-endian length followed by a msgpack body. Calls are
// serialized; a call that times out or breaks the stream kills the process and
// the next call starts a fresh one.
type WorkerClient struct {
	cfg    WorkerConfig
	argv   []string
	logger *slog.Logger

	mu     sync.Mutex
	proc   *workerProcess
	nextID uint64
	closed bool
}

type workerRequest struct {
	ID    uint64 `msgpack:"id"`
	Op    string `msgpack:"op"`
	Image []byte `msgpack:"image,omitempty"`
	Text  string `msgpack:"text,omitempty"`
}

type workerResponse struct {
	ID         uint64          `msgpack:"id"`
	Error      string          `msgpack:"error,omitempty"`
	Detections []wireDetection `msgpack:"detections,omitempty"`
	Vector     []float64       `msgpack:"vector,omitempty"`
	Texts      []wireText      `msgpack:"texts,omitempty"`
	Doctor     *Capabilities   `msgpack:"doctor,omitempty"`
}

type wireDetection struct {
	Class      string    `msgpack:"class"`
	Confidence float64   `msgpack:"confidence"`
	Box        []float64 `msgpack:"box"`
}

type wireText struct {
	Text       string    `msgpack:"text"`
	Confidence float64   `msgpack:"confidence"`
	Box        []float64 `msgpack:"box"`
}

// NewWorkerClient resolves the worker command. The process itself starts on
// the first call.
func NewWorkerClient(cfg WorkerConfig) (*WorkerClient, error) {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.DoctorTimeout <= 0 {
		cfg.DoctorTimeout = cfg.CallTimeout
	}
	logger := logging.WithComponent(logging.OrDiscard(cfg.Logger), "model_worker")

	argv := cfg.Command
	if len(argv) == 0 {
		if cfg.ModuleName == "" {
			return nil, fmt.Errorf("worker module name is required")
		}
		python, err := resolvePython(cfg.PythonPath)
		if err != nil {
			return nil, fmt.Errorf("cannot locate python: %w", err)
		}
		argv = []string{python, "-m", cfg.ModuleName, "serve"}
	}

	logger.Info("model worker configured", "command", argv[0], "args", argv[1:])
	return &WorkerClient{cfg: cfg, argv: argv, logger: logger}, nil
}

func (w *WorkerClient) Detect(ctx context.Context, img image.Image) ([]vision.RawDetection, error) {
	resp, err := w.callImage(ctx, OpDetect, img)
	if err != nil {
		return nil, err
	}
	out := make([]vision.RawDetection, 0, len(resp.Detections))
	for _, d := range resp.Detections {
		box, err := wireBox(d.Box)
		if err != nil {
			return nil, fmt.Errorf("detect: %w", err)
		}
		out = append(out, vision.RawDetection{ClassName: d.Class, Confidence: d.Confidence, Box: box})
	}
	return out, nil
}

func (w *WorkerClient) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	resp, err := w.callImage(ctx, OpEmbed, img)
	if err != nil {
		return nil, err
	}
	return toFloat32(resp.Vector), nil
}

func (w *WorkerClient) EmbedText(ctx context.Context, text string) ([]float32, error) {
	resp, err := w.call(ctx, workerRequest{Op: OpEmbedText, Text: text}, w.cfg.CallTimeout)
	if err != nil {
		return nil, err
	}
	return toFloat32(resp.Vector), nil
}

// Extract returns an identity vector for a person crop.
func (w *WorkerClient) Extract(ctx context.Context, img image.Image) ([]float32, error) {
	resp, err := w.callImage(ctx, OpIdentity, img)
	if err != nil {
		return nil, err
	}
	return toFloat32(resp.Vector), nil
}

func (w *WorkerClient) Recognize(ctx context.Context, img image.Image) ([]vision.TextRegion, error) {
	resp, err := w.callImage(ctx, OpOCR, img)
	if err != nil {
		return nil, err
	}
	out := make([]vision.TextRegion, 0, len(resp.Texts))
	for _, t := range resp.Texts {
		box, err := wireBox(t.Box)
		if err != nil {
			return nil, fmt.Errorf("ocr: %w", err)
		}
		out = append(out, vision.TextRegion{Text: t.Text, Confidence: t.Confidence, Box: box})
	}
	return out, nil
}

// Doctor asks the worker to report its environment.
func (w *WorkerClient) Doctor(ctx context.Context) (*Capabilities, error) {
	resp, err := w.call(ctx, workerRequest{Op: OpDoctor}, w.cfg.DoctorTimeout)
	if err != nil {
		return nil, err
	}
	if resp.Doctor == nil {
		return nil, fmt.Errorf("doctor: empty report")
	}
	return resp.Doctor, nil
}

func (w *WorkerClient) callImage(ctx context.Context, op string, img image.Image) (*workerResponse, error) {
	data, err := vision.EncodeJPEG(img, imageQuality)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return w.call(ctx, workerRequest{Op: op, Image: data}, w.cfg.CallTimeout)
}

func (w *WorkerClient) call(ctx context.Context, req workerRequest, timeout time.Duration) (*workerResponse, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil, ErrWorkerClosed
	}
	if w.proc == nil {
		p, err := startWorker(w.argv, w.cfg.Env)
		if err != nil {
			return nil, fmt.Errorf("start worker: %w", err)
		}
		w.proc = p
		w.logger.Info("model worker started", "pid", p.cmd.Process.Pid)
	}

	w.nextID++
	req.ID = w.nextID

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		resp *workerResponse
		err  error
	}
	done := make(chan result, 1)
	proc := w.proc
	go func() {
		resp, err := proc.roundTrip(&req)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			w.logger.Warn("model worker stream failed, restarting on next call",
				"op", req.Op,
				"error", r.err,
				"stderr_tail", truncate(proc.stderr.String(), 512),
			)
			w.killLocked()
			return nil, fmt.Errorf("%s: %w", req.Op, r.err)
		}
		if r.resp.ID != req.ID {
			w.killLocked()
			return nil, fmt.Errorf("%s: response id %d does not match request %d", req.Op, r.resp.ID, req.ID)
		}
		if r.resp.Error != "" {
			return nil, fmt.Errorf("%s: worker error: %s", req.Op, r.resp.Error)
		}
		return r.resp, nil
	case <-ctx.Done():
		w.logger.Warn("model worker call abandoned", "op", req.Op, "error", ctx.Err())
		w.killLocked()
		<-done
		return nil, fmt.Errorf("%s: %w", req.Op, ctx.Err())
	}
}

func (w *WorkerClient) killLocked() {
	if w.proc == nil {
		return
	}
	w.proc.kill()
	w.proc = nil
}

// Close stops the worker. It first closes stdin so the worker can exit on its
// own, then kills it after a grace period.
func (w *WorkerClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.proc == nil {
		return nil
	}
	err := w.proc.shutdown(5 * time.Second)
	w.proc = nil
	w.logger.Info("model worker stopped")
	return err
}

type workerProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	pipe   *os.File
	stdout *bufio.Reader
	stderr *limitedWriter
	exited chan struct{}
	err    error
}

func startWorker(argv, env []string) (*workerProcess, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = append(os.Environ(), env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	// A plain pipe instead of StdoutPipe: Wait runs in the background and
	// must not close the read side under a pending response.
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	cmd.Stdout = pw
	stderr := &limitedWriter{w: &bytes.Buffer{}, limit: maxStderrBytes}
	cmd.Stderr = stderr

	err = cmd.Start()
	pw.Close()
	if err != nil {
		pr.Close()
		stdin.Close()
		return nil, err
	}
	p := &workerProcess{
		cmd:    cmd,
		stdin:  stdin,
		pipe:   pr,
		stdout: bufio.NewReader(pr),
		stderr: stderr,
		exited: make(chan struct{}),
	}
	go func() {
		p.err = cmd.Wait()
		close(p.exited)
	}()
	return p, nil
}

func (p *workerProcess) roundTrip(req *workerRequest) (*workerResponse, error) {
	body, err := msgpack.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if err := writeFrame(p.stdin, body); err != nil {
		return nil, err
	}
	data, err := readFrame(p.stdout)
	if err != nil {
		return nil, err
	}
	var resp workerResponse
	if err := msgpack.Unmarshal(data, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

func (p *workerProcess) kill() {
	_ = p.cmd.Process.Kill()
	_ = p.stdin.Close()
	<-p.exited
	_ = p.pipe.Close()
}

func (p *workerProcess) shutdown(grace time.Duration) error {
	_ = p.stdin.Close()
	defer p.pipe.Close()
	select {
	case <-p.exited:
		return nil
	case <-time.After(grace):
		_ = p.cmd.Process.Kill()
		<-p.exited
		return fmt.Errorf("worker did not exit within %s", grace)
	}
}

func writeFrame(w io.Writer, body []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return fmt.Errorf("write length prefix: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxMessageSize {
		return nil, fmt.Errorf("message of %d bytes exceeds limit", n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read message: %w", err)
	}
	return data, nil
}

func wireBox(v []float64) (vision.BBox, error) {
	if len(v) != 4 {
		return vision.BBox{}, fmt.Errorf("box: want 4 coordinates, got %d", len(v))
	}
	return vision.BBox{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}, nil
}

func toFloat32(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, f := range v {
		out[i] = float32(f)
	}
	return out
}

// resolvePython finds a usable python binary.
func resolvePython(preferred string) (string, error) {
	if preferred != "" {
		if p, err := exec.LookPath(preferred); err == nil {
			return p, nil
		}
		return "", fmt.Errorf("configured python %q not found", preferred)
	}
	for _, name := range []string{"python3", "python"} {
		if p, err := exec.LookPath(name); err == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("no python binary found on PATH (tried python3, python)")
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen:]
}

// limitedWriter keeps only the last limit bytes written. The worker's stderr
// is copied in from a separate goroutine, so access is locked.
type limitedWriter struct {
	mu    sync.Mutex
	w     *bytes.Buffer
	limit int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	n := len(p)
	lw.w.Write(p)
	if lw.w.Len() > lw.limit {
		b := lw.w.Bytes()
		tail := make([]byte, lw.limit)
		copy(tail, b[len(b)-lw.limit:])
		lw.w.Reset()
		lw.w.Write(tail)
	}
	return n, nil
}

func (lw *limitedWriter) String() string {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.w.String()
}
