// Package detection runs the detector on a sampled frame and normalizes its boxes.
package detection

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neuroops/neuroops-agent/internal/inference"
	"github.com/neuroops/neuroops-agent/internal/logging"
	"github.com/neuroops/neuroops-agent/internal/vision"
)

type Stage struct {
	detector inference.Detector
	logger   *slog.Logger
}

func NewStage(detector inference.Detector, logger *slog.Logger) *Stage {
	return &Stage{
		detector: detector,
		logger:   logging.WithComponent(logging.OrDiscard(logger), "detection"),
	}
}

// Detect calls the detector once. Boxes are clamped to the frame and boxes
// left without area are dropped. Class and confidence pass through unchanged.
func (s *Stage) Detect(ctx context.Context, frame vision.Frame) ([]vision.RawDetection, error) {
	raw, err := s.detector.Detect(ctx, frame.Image)
	if err != nil {
		return nil, fmt.Errorf("detect frame %d: %w", frame.Index, err)
	}

	w, h := frame.Width(), frame.Height()
	out := make([]vision.RawDetection, 0, len(raw))
	for _, d := range raw {
		d.Box = d.Box.Clamp(w, h)
		if !d.Box.Valid() {
			s.logger.Debug("discarding degenerate box",
				"frame", frame.Index,
				"class", d.ClassName,
				"box", d.Box.Slice(),
			)
			continue
		}
		out = append(out, d)
	}
	return out, nil
}
