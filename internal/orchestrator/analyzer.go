package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neuroops/neuroops-agent/internal/actions"
	"github.com/neuroops/neuroops-agent/internal/activelearning"
	"github.com/neuroops/neuroops-agent/internal/catalog"
	"github.com/neuroops/neuroops-agent/internal/detection"
	"github.com/neuroops/neuroops-agent/internal/enrichment"
	"github.com/neuroops/neuroops-agent/internal/framesource"
	"github.com/neuroops/neuroops-agent/internal/inference"
	"github.com/neuroops/neuroops-agent/internal/logging"
	"github.com/neuroops/neuroops-agent/internal/vectorindex"
)

// AnalyzerDeps are the long-lived services shared by every run.
type AnalyzerDeps struct {
	Catalog    *catalog.Service
	Opener     framesource.Opener
	Models     *inference.Models
	Index      *vectorindex.Service
	Rules      Evaluator
	Dispatcher *actions.Dispatcher
	Learning   *activelearning.Queue
	Stats      *StatsBoard
	// AsyncWrites bounds background vector batches in flight; 0 writes inline.
	AsyncWrites int
}

// Analyzer runs one orchestrator per analysis job. It implements
// catalog.Analyzer.
type Analyzer struct {
	deps   AnalyzerDeps
	cfg    Config
	logger *slog.Logger
}

func NewAnalyzer(deps AnalyzerDeps, cfg Config, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		deps:   deps,
		cfg:    cfg.withDefaults(),
		logger: logging.WithComponent(logging.OrDiscard(logger), "analyzer"),
	}
}

func (a *Analyzer) Analyze(ctx context.Context, job *catalog.Job, video *catalog.Video, progress catalog.ProgressFunc) error {
	log := logging.WithJobID(logging.WithVideoID(a.logger, video.ID), job.ID)
	collection := vectorindex.CollectionName(a.cfg.CollectionPrefix, video.ID)
	identities := vectorindex.IdentityCollectionName(a.cfg.CollectionPrefix, video.ID)
	withIdentity := a.deps.Models.Identity != nil

	if err := a.prepare(ctx, video, collection, identities, withIdentity, log); err != nil {
		return err
	}

	src, err := a.deps.Opener.Open(ctx, video.Path)
	if err != nil {
		return fmt.Errorf("open video: %w", err)
	}
	defer src.Close()

	if err := a.deps.Catalog.Repository().UpdateVideoMeta(ctx, video.ID, src.FrameCount(), src.FPS()); err != nil {
		log.Warn("failed to store video metadata", "error", err)
	}

	var writer *vectorindex.BatchWriter
	if a.deps.AsyncWrites > 0 {
		writer = vectorindex.NewBatchWriter(a.deps.Index, a.deps.AsyncWrites, a.logger)
	}
	var enricher *enrichment.Stage
	if a.deps.Models.Embedder != nil {
		enricher = enrichment.NewStage(a.deps.Models.Embedder, a.deps.Models.Identity, a.deps.Index, writer, a.logger)
	}

	orch := New(Deps{
		Detector:   detection.NewStage(a.deps.Models.Detector, a.logger),
		Enricher:   enricher,
		Writer:     writer,
		Text:       a.deps.Models.Text,
		Rules:      a.deps.Rules,
		Dispatcher: a.deps.Dispatcher,
		Learning:   a.deps.Learning,
		Stats:      a.deps.Stats,
		Sink:       a.deps.Catalog.NewSession(video.ID),
		Progress:   progress,
	}, a.logger)

	log.Info("analysis run starting",
		"frames", src.FrameCount(),
		"fps", src.FPS(),
		"frame_skip", a.cfg.FrameSkip,
		"collection", collection,
	)
	_, err = orch.Run(ctx, video.ID, src, a.cfg)
	return err
}

// prepare clears earlier results when the video was analyzed before, and
// makes sure its collections exist.
func (a *Analyzer) prepare(ctx context.Context, video *catalog.Video, collection, identities string, withIdentity bool, log *slog.Logger) error {
	names := []string{collection}
	if withIdentity {
		names = append(names, identities)
	}

	if video.Status != catalog.VideoStatusRegistered {
		log.Info("reprocessing video, clearing previous results", "previous_status", video.Status)
		if err := a.deps.Catalog.ResetResults(ctx, video.ID); err != nil {
			return err
		}
		for _, name := range names {
			if err := a.deps.Index.Clear(ctx, name); err != nil {
				return fmt.Errorf("clear collection %s: %w", name, err)
			}
		}
		return nil
	}

	for _, name := range names {
		if err := a.deps.Index.EnsureCollection(ctx, name); err != nil {
			return fmt.Errorf("ensure collection %s: %w", name, err)
		}
	}
	return nil
}
