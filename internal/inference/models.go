// Package inference defines the model capabilities the pipeline consumes and
// the clients that provide them: a long-lived Python worker for detection,
// embedding, identity and OCR, and an HTTP client for scene descriptions.
package inference

import (
	"context"
	"errors"
	"image"
	"io"

	"github.com/neuroops/neuroops-agent/internal/vision"
)

// Detector finds objects in a frame.
type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]vision.RawDetection, error)
}

// Embedder maps image crops and text queries into the same vector space.
type Embedder interface {
	Embed(ctx context.Context, img image.Image) ([]float32, error)
	EmbedText(ctx context.Context, text string) ([]float32, error)
}

// IdentityExtractor produces a re-identification vector for a person crop.
type IdentityExtractor interface {
	Extract(ctx context.Context, img image.Image) ([]float32, error)
}

// TextRecognizer finds text in a frame.
type TextRecognizer interface {
	Recognize(ctx context.Context, img image.Image) ([]vision.TextRegion, error)
}

// Describer answers a prompt about a frame in natural language.
type Describer interface {
	Describe(ctx context.Context, img image.Image, prompt string) (string, error)
}

// Models is the set of model handles built once at startup. Identity, Text
// and Describer are optional and may be nil.
type Models struct {
	Detector  Detector
	Embedder  Embedder
	Identity  IdentityExtractor
	Text      TextRecognizer
	Describer Describer

	closers []io.Closer
}

// Own registers c to be closed by Close, in reverse order of registration.
func (m *Models) Own(c io.Closer) {
	m.closers = append(m.closers, c)
}

// Close releases every owned handle and reports all failures.
func (m *Models) Close() error {
	var errs []error
	for i := len(m.closers) - 1; i >= 0; i-- {
		if err := m.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.closers = nil
	return errors.Join(errs...)
}
