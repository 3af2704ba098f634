// Package activelearning picks detections the detector is unsure about and
// hands them to a labeling sink in the background.
package activelearning

import (
	"image"
	"math"

	"github.com/neuroops/neuroops-agent/internal/vision"
)

const entropyEpsilon = 1e-6

// IsUncertain reports whether confidence falls inside the closed band [low, high].
func IsUncertain(confidence, low, high float64) bool {
	return low <= confidence && confidence <= high
}

// Entropy is the binary Shannon entropy, in bits, of a detection treated as
// p(class) versus 1-p. p is clamped away from 0 and 1.
func Entropy(p float64) float64 {
	p = math.Max(entropyEpsilon, math.Min(1-entropyEpsilon, p))
	return -p*math.Log2(p) - (1-p)*math.Log2(1-p)
}

// Sample is one uncertain detection awaiting labeling.
type Sample struct {
	VideoID    string
	FrameIndex int
	Timestamp  float64
	Image      image.Image
	ClassName  string
	Confidence float64
	Entropy    float64
	Box        vision.BBox
}

// NewSample builds a sample from a frame and one of its detections.
func NewSample(videoID string, frame vision.Frame, det vision.RawDetection) Sample {
	return Sample{
		VideoID:    videoID,
		FrameIndex: frame.Index,
		Timestamp:  frame.Timestamp,
		Image:      frame.Image,
		ClassName:  det.ClassName,
		Confidence: det.Confidence,
		Entropy:    Entropy(det.Confidence),
		Box:        det.Box,
	}
}
