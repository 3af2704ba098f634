// Package enrichment turns detection crops into vectors and stores them in the
// video's collections.
package enrichment

import (
	"context"
	"image"
	"log/slog"
	"maps"

	"github.com/neuroops/neuroops-agent/internal/inference"
	"github.com/neuroops/neuroops-agent/internal/logging"
	"github.com/neuroops/neuroops-agent/internal/vectorindex"
	"github.com/neuroops/neuroops-agent/internal/vision"
)

// Config selects what gets enriched and where it is stored.
type Config struct {
	ConfidenceThreshold float64
	IdentityClass       string
	Collection          string
	IdentityCollection  string
}

// Result holds one point id per input detection; empty means not embedded.
type Result struct {
	PointIDs []string
	Embedded int
	Failed   int
}

type Stage struct {
	embedder inference.Embedder
	identity inference.IdentityExtractor
	index    *vectorindex.Service
	writer   *vectorindex.BatchWriter
	logger   *slog.Logger
}

// NewStage builds the stage. identity may be nil to skip identity vectors. With
// a non-nil writer the per-frame batch is written in the background.
func NewStage(embedder inference.Embedder, identity inference.IdentityExtractor, index *vectorindex.Service, writer *vectorindex.BatchWriter, logger *slog.Logger) *Stage {
	return &Stage{
		embedder: embedder,
		identity: identity,
		index:    index,
		writer:   writer,
		logger:   logging.WithComponent(logging.OrDiscard(logger), "enrichment"),
	}
}

// Enrich embeds every detection at or above the confidence threshold and
// writes the frame's embeddings in one batch. Failures only cost the affected
// detection its point id.
func (s *Stage) Enrich(ctx context.Context, videoID string, frame vision.Frame, dets []vision.RawDetection, cfg Config) Result {
	res := Result{PointIDs: make([]string, len(dets))}
	dim := s.index.Dimension()

	var (
		entries []vectorindex.Entry
		owners  []int
	)
	for i, d := range dets {
		if d.Confidence < cfg.ConfidenceThreshold {
			continue
		}
		log := s.logger.With("frame", frame.Index, "class", d.ClassName)

		crop, err := vision.Crop(frame.Image, d.Box)
		if err != nil {
			res.Failed++
			log.Warn("crop failed", "error", err)
			continue
		}
		vec, err := s.embedder.Embed(ctx, crop)
		if err != nil {
			res.Failed++
			log.Warn("embedding failed", "error", err)
			continue
		}
		if len(vec) != dim {
			res.Failed++
			log.Error("embedder returned wrong vector length, dropping",
				"got", len(vec),
				"want", dim,
			)
			continue
		}

		payload := map[string]any{
			vectorindex.PayloadVideoID:    videoID,
			vectorindex.PayloadFrameIdx:   frame.Index,
			vectorindex.PayloadClassName:  d.ClassName,
			vectorindex.PayloadConfidence: d.Confidence,
			vectorindex.PayloadTimestamp:  frame.Timestamp,
		}
		entries = append(entries, vectorindex.Entry{Vector: vec, Payload: payload})
		owners = append(owners, i)

		if s.identity != nil && cfg.IdentityClass != "" && d.ClassName == cfg.IdentityClass {
			s.storeIdentity(ctx, crop, maps.Clone(payload), cfg.IdentityCollection, log)
		}
	}
	if len(entries) == 0 {
		return res
	}

	var (
		ids []string
		err error
	)
	if s.writer != nil {
		ids, err = s.writer.Submit(ctx, cfg.Collection, entries)
	} else {
		ids, err = s.index.InsertBatch(ctx, cfg.Collection, entries)
	}
	if err != nil {
		res.Failed += len(entries)
		s.logger.Error("vector batch insert failed",
			"frame", frame.Index,
			"collection", cfg.Collection,
			"points", len(entries),
			"error", err,
		)
		return res
	}
	for k, id := range ids {
		res.PointIDs[owners[k]] = id
	}
	res.Embedded = len(ids)
	return res
}

func (s *Stage) storeIdentity(ctx context.Context, crop image.Image, payload map[string]any, collection string, log *slog.Logger) {
	vec, err := s.identity.Extract(ctx, crop)
	if err != nil {
		log.Warn("identity extraction failed", "error", err)
		return
	}
	if _, err := s.index.InsertBatch(ctx, collection, []vectorindex.Entry{{Vector: vec, Payload: payload}}); err != nil {
		log.Warn("identity insert failed", "collection", collection, "error", err)
	}
}
