// Package vectorindex manages fixed-dimension, cosine-similarity vector
// collections. A Service enforces the dimension invariant and delegates
// storage to a Backend (in-memory or Postgres with pgvector).
package vectorindex

import (
	"context"
	"errors"
	"strings"
)

var (
	// ErrDimensionMismatch is returned when a vector length differs from the
	// collection dimension.
	ErrDimensionMismatch = errors.New("vectorindex: vector dimension mismatch")
	// ErrCollectionNotFound is returned by backends for unknown collections.
	ErrCollectionNotFound = errors.New("vectorindex: collection not found")
)

// Payload fields written for every detection embedding.
const (
	PayloadVideoID    = "video_id"
	PayloadFrameIdx   = "frame_idx"
	PayloadClassName  = "class_name"
	PayloadConfidence = "confidence"
	PayloadTimestamp  = "timestamp"
)

// Point is one stored vector with its payload.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload"`
}

// Entry is a vector submitted for insertion; the service assigns its id.
type Entry struct {
	Vector  []float32
	Payload map[string]any
}

// Hit is one search result.
type Hit struct {
	ID      string         `json:"id"`
	Score   float32        `json:"score"`
	Payload map[string]any `json:"payload"`
}

// Backend is the storage contract behind a Service. Implementations must make
// each point's write atomic and return hits ordered by descending score.
type Backend interface {
	// CollectionDimension reports the dimension of an existing collection.
	CollectionDimension(ctx context.Context, name string) (dim int, exists bool, err error)
	CreateCollection(ctx context.Context, name string, dim int) error
	DeleteCollection(ctx context.Context, name string) error
	Upsert(ctx context.Context, name string, points []Point) error
	Search(ctx context.Context, name string, query []float32, limit int, scoreThreshold float32) ([]Hit, error)
	// Points returns up to limit stored points; used for inspection and tests.
	Points(ctx context.Context, name string, limit int) ([]Point, error)
	Close() error
}

// CollectionName builds the video-scoped collection name, e.g. "neuroops_42".
func CollectionName(prefix, videoID string) string {
	return sanitizeName(prefix + "_" + videoID)
}

// IdentityCollectionName builds the per-video identity collection name.
func IdentityCollectionName(prefix, videoID string) string {
	return sanitizeName(prefix + "_" + videoID + "_identities")
}

func sanitizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
