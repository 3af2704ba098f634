// Package search answers natural-language queries against a video's
// detection embeddings.
package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/neuroops/neuroops-agent/internal/inference"
	"github.com/neuroops/neuroops-agent/internal/logging"
	"github.com/neuroops/neuroops-agent/internal/vectorindex"
)

const (
	DefaultLimit     = 5
	MaxLimit         = 100
	DefaultThreshold = 0.2
)

var ErrEmptyQuery = errors.New("search: empty query")

// Result is one matching detection.
type Result struct {
	PointID    string  `json:"point_id"`
	Score      float32 `json:"score"`
	VideoID    string  `json:"video_id"`
	FrameIndex int     `json:"frame_index"`
	Timestamp  float64 `json:"timestamp"`
	ClassName  string  `json:"class_name"`
	Confidence float64 `json:"confidence"`
}

// Describe renders the result as a one-line summary.
func (r Result) Describe() string {
	return fmt.Sprintf("Found %s at %.2fs (frame %d, score %.2f)", r.ClassName, r.Timestamp, r.FrameIndex, r.Score)
}

type Engine struct {
	embedder inference.Embedder
	index    *vectorindex.Service
	prefix   string
	logger   *slog.Logger
}

func NewEngine(embedder inference.Embedder, index *vectorindex.Service, collectionPrefix string, logger *slog.Logger) *Engine {
	return &Engine{
		embedder: embedder,
		index:    index,
		prefix:   collectionPrefix,
		logger:   logging.WithComponent(logging.OrDiscard(logger), "search"),
	}
}

// Search embeds query and returns the closest detections of videoID. A
// threshold <= 0 uses DefaultThreshold.
func (e *Engine) Search(ctx context.Context, videoID, query string, limit int, threshold float32) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	vec, err := e.embedder.EmbedText(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := e.index.Search(ctx, vectorindex.CollectionName(e.prefix, videoID), vec, limit, threshold)
	if err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		out = append(out, fromHit(h))
	}
	e.logger.Debug("search completed", "video_id", videoID, "results", len(out))
	return out, nil
}

func fromHit(h vectorindex.Hit) Result {
	r := Result{PointID: h.ID, Score: h.Score}
	p := h.Payload
	r.VideoID, _ = p[vectorindex.PayloadVideoID].(string)
	r.ClassName, _ = p[vectorindex.PayloadClassName].(string)
	r.FrameIndex = int(asFloat(p[vectorindex.PayloadFrameIdx]))
	r.Timestamp = asFloat(p[vectorindex.PayloadTimestamp])
	r.Confidence = asFloat(p[vectorindex.PayloadConfidence])
	return r
}

// Payloads from the pgvector backend come back through JSON, so numbers may
// be float64 instead of their original types.
func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
