// Package framesource yields decoded video frames in order.
package framesource

import (
	"context"
	"errors"
	"io"

	"github.com/neuroops/neuroops-agent/internal/vision"
)

// ErrUnreadable is returned when a video cannot be decoded.
var ErrUnreadable = errors.New("framesource: video unreadable")

// Source produces frames with strictly increasing indexes starting at 0.
// Next returns io.EOF after the last frame.
type Source interface {
	Next(ctx context.Context) (vision.Frame, error)
	// FrameCount is the expected number of frames, or 0 when unknown.
	FrameCount() int
	FPS() float64
	Close() error
}

// Opener opens a Source for a video path.
type Opener interface {
	Open(ctx context.Context, path string) (Source, error)
}

// SliceSource replays frames held in memory. When FailAt is >= 0, Next
// returns Err instead of the frame at that position.
type SliceSource struct {
	frames []vision.Frame
	fps    float64
	pos    int

	FailAt int
	Err    error
}

func NewSliceSource(frames []vision.Frame, fps float64) *SliceSource {
	return &SliceSource{frames: frames, fps: fps, FailAt: -1}
}

func (s *SliceSource) Next(ctx context.Context) (vision.Frame, error) {
	if err := ctx.Err(); err != nil {
		return vision.Frame{}, err
	}
	if s.FailAt >= 0 && s.pos == s.FailAt {
		err := s.Err
		if err == nil {
			err = ErrUnreadable
		}
		return vision.Frame{}, err
	}
	if s.pos >= len(s.frames) {
		return vision.Frame{}, io.EOF
	}
	f := s.frames[s.pos]
	f.Index = s.pos
	if f.Timestamp == 0 && s.fps > 0 {
		f.Timestamp = float64(s.pos) / s.fps
	}
	s.pos++
	return f, nil
}

func (s *SliceSource) FrameCount() int { return len(s.frames) }

func (s *SliceSource) FPS() float64 { return s.fps }

func (s *SliceSource) Close() error { return nil }
