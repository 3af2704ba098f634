package framesource

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/neuroops/neuroops-agent/internal/logging"
	"github.com/neuroops/neuroops-agent/internal/vision"
)

const defaultFPS = 30.0

// ProbeResult describes the first video stream of a file.
type ProbeResult struct {
	Duration   float64
	Width      int
	Height     int
	Codec      string
	FrameRate  float64
	FrameCount int
}

// FFmpeg decodes videos by running ffprobe and ffmpeg as subprocesses.
type FFmpeg struct {
	ffmpegPath  string
	ffprobePath string
	logger      *slog.Logger
}

// NewFFmpeg locates ffmpeg and ffprobe. Empty paths are looked up on PATH.
func NewFFmpeg(ffmpegPath, ffprobePath string, logger *slog.Logger) (*FFmpeg, error) {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	ff, err := exec.LookPath(ffmpegPath)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	fp, err := exec.LookPath(ffprobePath)
	if err != nil {
		return nil, fmt.Errorf("ffprobe not found: %w", err)
	}
	return &FFmpeg{
		ffmpegPath:  ff,
		ffprobePath: fp,
		logger:      logging.WithComponent(logging.OrDiscard(logger), "ffmpeg"),
	}, nil
}

type probeOutput struct {
	Streams []struct {
		CodecName    string `json:"codec_name"`
		Width        int    `json:"width"`
		Height       int    `json:"height"`
		AvgFrameRate string `json:"avg_frame_rate"`
		RFrameRate   string `json:"r_frame_rate"`
		NbFrames     string `json:"nb_frames"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// Probe reads stream metadata.
func (f *FFmpeg) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	cmd := exec.CommandContext(ctx, f.ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=codec_name,width,height,avg_frame_rate,r_frame_rate,nb_frames:format=duration",
		"-of", "json",
		path,
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%w: ffprobe: %v: %s", ErrUnreadable, err, strings.TrimSpace(stderr.String()))
	}
	return parseProbe(out)
}

func parseProbe(data []byte) (*ProbeResult, error) {
	var po probeOutput
	if err := json.Unmarshal(data, &po); err != nil {
		return nil, fmt.Errorf("%w: parse ffprobe output: %v", ErrUnreadable, err)
	}
	if len(po.Streams) == 0 {
		return nil, fmt.Errorf("%w: no video stream", ErrUnreadable)
	}
	s := po.Streams[0]
	if s.Width <= 0 || s.Height <= 0 {
		return nil, fmt.Errorf("%w: invalid frame size %dx%d", ErrUnreadable, s.Width, s.Height)
	}
	res := &ProbeResult{
		Width:  s.Width,
		Height: s.Height,
		Codec:  s.CodecName,
	}
	res.FrameRate = parseFrameRate(s.AvgFrameRate)
	if res.FrameRate == 0 {
		res.FrameRate = parseFrameRate(s.RFrameRate)
	}
	res.Duration, _ = strconv.ParseFloat(po.Format.Duration, 64)
	res.FrameCount, _ = strconv.Atoi(s.NbFrames)
	if res.FrameCount == 0 && res.Duration > 0 && res.FrameRate > 0 {
		res.FrameCount = int(res.Duration * res.FrameRate)
	}
	return res, nil
}

// parseFrameRate parses ffprobe rates such as "30000/1001" or "25".
func parseFrameRate(s string) float64 {
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 0
	}
	return n / d
}

// Open starts decoding path to raw RGB frames.
func (f *FFmpeg) Open(ctx context.Context, path string) (Source, error) {
	probe, err := f.Probe(ctx, path)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, f.ffmpegPath,
		"-v", "error",
		"-nostdin",
		"-i", path,
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, err
	}
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start ffmpeg: %v", ErrUnreadable, err)
	}

	fps := probe.FrameRate
	if fps <= 0 {
		fps = defaultFPS
	}
	f.logger.Info("decoding video",
		"path", logging.SanitizePath(path),
		"width", probe.Width,
		"height", probe.Height,
		"fps", fps,
		"frames", probe.FrameCount,
	)
	return &ffmpegSource{
		cmd:    cmd,
		cancel: cancel,
		r:      bufio.NewReaderSize(stdout, probe.Width*probe.Height*3),
		stderr: stderr,
		width:  probe.Width,
		height: probe.Height,
		fps:    fps,
		count:  probe.FrameCount,
	}, nil
}

type ffmpegSource struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	r      io.Reader
	stderr *bytes.Buffer
	width  int
	height int
	fps    float64
	count  int
	index  int
	done   bool
}

func (s *ffmpegSource) Next(ctx context.Context) (vision.Frame, error) {
	if err := ctx.Err(); err != nil {
		return vision.Frame{}, err
	}
	if s.done {
		return vision.Frame{}, io.EOF
	}
	img, err := readRawFrame(s.r, s.width, s.height)
	if err != nil {
		s.done = true
		waitErr := s.cmd.Wait()
		if errors.Is(err, io.EOF) && waitErr == nil {
			return vision.Frame{}, io.EOF
		}
		if waitErr != nil {
			return vision.Frame{}, fmt.Errorf("%w: ffmpeg: %v: %s", ErrUnreadable, waitErr, strings.TrimSpace(s.stderr.String()))
		}
		return vision.Frame{}, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	f := vision.Frame{Index: s.index, Timestamp: float64(s.index) / s.fps, Image: img}
	s.index++
	return f, nil
}

func (s *ffmpegSource) FrameCount() int { return s.count }

func (s *ffmpegSource) FPS() float64 { return s.fps }

func (s *ffmpegSource) Close() error {
	s.cancel()
	if !s.done {
		s.done = true
		_ = s.cmd.Wait()
	}
	return nil
}

// readRawFrame reads one rgb24 frame. A clean end of stream returns io.EOF; a
// partial frame returns io.ErrUnexpectedEOF.
func readRawFrame(r io.Reader, width, height int) (*image.RGBA, error) {
	buf := make([]byte, width*height*3)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i < len(buf); i, j = i+3, j+4 {
		img.Pix[j] = buf[i]
		img.Pix[j+1] = buf[i+1]
		img.Pix[j+2] = buf[i+2]
		img.Pix[j+3] = 0xff
	}
	return img, nil
}
