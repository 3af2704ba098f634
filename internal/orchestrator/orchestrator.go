// Package orchestrator drives the per-video frame loop: sampling, detection,
// enrichment, rule evaluation, action dispatch, active learning and periodic
// commits.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/neuroops/neuroops-agent/internal/actions"
	"github.com/neuroops/neuroops-agent/internal/activelearning"
	"github.com/neuroops/neuroops-agent/internal/catalog"
	"github.com/neuroops/neuroops-agent/internal/detection"
	"github.com/neuroops/neuroops-agent/internal/enrichment"
	"github.com/neuroops/neuroops-agent/internal/framesource"
	"github.com/neuroops/neuroops-agent/internal/inference"
	"github.com/neuroops/neuroops-agent/internal/logging"
	"github.com/neuroops/neuroops-agent/internal/rules"
	"github.com/neuroops/neuroops-agent/internal/vectorindex"
	"github.com/neuroops/neuroops-agent/internal/vision"
)

// Evaluator returns the actions triggered by a detection context.
type Evaluator interface {
	Evaluate(fields map[string]any) []rules.Action
}

// RowSink buffers result rows and writes them on Commit. catalog.Session
// implements it.
type RowSink interface {
	AddDetection(catalog.Detection)
	AddSummary(catalog.SceneSummary)
	AddText(catalog.TextDetection)
	Commit(ctx context.Context) error
	Discard() int
}

// Deps are the collaborators of one run. Detector and Sink are required.
type Deps struct {
	Detector   *detection.Stage
	Enricher   *enrichment.Stage
	Writer     *vectorindex.BatchWriter
	Text       inference.TextRecognizer
	Rules      Evaluator
	Dispatcher *actions.Dispatcher
	Learning   *activelearning.Queue
	Stats      *StatsBoard
	Sink       RowSink
	Progress   catalog.ProgressFunc
}

// Outcome summarizes a finished run.
type Outcome struct {
	FramesRead      int           `json:"frames_read"`
	FramesProcessed int           `json:"frames_processed"`
	Detections      int           `json:"detections"`
	Embedded        int           `json:"embedded"`
	EmbedFailed     int           `json:"embed_failed"`
	Texts           int           `json:"texts"`
	Uncertain       int           `json:"uncertain"`
	Commits         int           `json:"commits"`
	Stopped         bool          `json:"stopped"`
	Duration        time.Duration `json:"duration"`
}

type Orchestrator struct {
	deps    Deps
	logger  *slog.Logger
	stopped atomic.Bool
}

func New(deps Deps, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		deps:   deps,
		logger: logging.WithComponent(logging.OrDiscard(logger), "orchestrator"),
	}
}

// Stop asks Run to exit at the next frame boundary.
func (o *Orchestrator) Stop() {
	o.stopped.Store(true)
}

// Run processes src until it is exhausted, ctx is cancelled or Stop is
// called. A stopped run flushes its pending rows and returns a nil error. A
// source failure discards the uncommitted rows and is returned.
func (o *Orchestrator) Run(ctx context.Context, videoID string, src framesource.Source, cfg Config) (Outcome, error) {
	cfg = cfg.withDefaults()
	log := logging.WithVideoID(o.logger, videoID)
	started := time.Now()
	total := src.FrameCount()

	var out Outcome
	ecfg := enrichment.Config{
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		IdentityClass:       cfg.IdentityClass,
		Collection:          vectorindex.CollectionName(cfg.CollectionPrefix, videoID),
		IdentityCollection:  vectorindex.IdentityCollectionName(cfg.CollectionPrefix, videoID),
	}

	lastIndex := -1
	for {
		if o.stopped.Load() || ctx.Err() != nil {
			out.Stopped = true
			break
		}

		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				out.Stopped = true
				break
			}
			dropped := o.deps.Sink.Discard()
			o.waitWrites(log)
			out.Duration = time.Since(started)
			log.Error("frame source failed, aborting run",
				"frame", lastIndex+1,
				"discarded_rows", dropped,
				"error", err,
			)
			return out, fmt.Errorf("read frame %d: %w", lastIndex+1, err)
		}
		out.FramesRead++
		lastIndex = frame.Index

		if frame.Index%cfg.FrameSkip != 0 {
			continue
		}

		o.processFrame(ctx, videoID, frame, cfg, ecfg, out.FramesProcessed, &out, log)
		out.FramesProcessed++

		if out.FramesProcessed%cfg.CommitInterval == 0 {
			o.commit(ctx, &out, log)
			o.reportProgress(frame.Index, total)
		}
	}

	// The final flush must land even when the run was cancelled.
	o.commit(context.WithoutCancel(ctx), &out, log)
	o.waitWrites(log)
	out.Duration = time.Since(started)

	log.Info("run finished",
		"frames_read", out.FramesRead,
		"frames_processed", out.FramesProcessed,
		"detections", out.Detections,
		"embedded", out.Embedded,
		"stopped", out.Stopped,
		"duration", out.Duration,
	)
	return out, nil
}

func (o *Orchestrator) processFrame(ctx context.Context, videoID string, frame vision.Frame, cfg Config, ecfg enrichment.Config, seq int, out *Outcome, log *slog.Logger) {
	dets, err := o.deps.Detector.Detect(ctx, frame)
	if err != nil {
		log.Warn("detection failed, skipping frame", "frame", frame.Index, "error", err)
		if o.deps.Stats != nil {
			o.deps.Stats.Publish(videoID, newFrameStats(frame, nil))
		}
		return
	}

	pointIDs := make([]string, len(dets))
	if o.deps.Enricher != nil && len(dets) > 0 {
		res := o.deps.Enricher.Enrich(ctx, videoID, frame, dets, ecfg)
		pointIDs = res.PointIDs
		out.Embedded += res.Embedded
		out.EmbedFailed += res.Failed
	}

	for i, d := range dets {
		if o.deps.Rules != nil {
			dc := DetectionContext{
				ClassName:  d.ClassName,
				Confidence: d.Confidence,
				Timestamp:  frame.Timestamp,
				Zone:       cfg.Zone,
			}
			if acts := o.deps.Rules.Evaluate(dc.ToMap()); len(acts) > 0 && o.deps.Dispatcher != nil {
				o.deps.Dispatcher.Dispatch(ctx, videoID, frame, acts, o.deps.Sink)
			}
		}

		if o.deps.Learning != nil && activelearning.IsUncertain(d.Confidence, cfg.UncertainLow, cfg.UncertainHigh) {
			out.Uncertain++
			o.deps.Learning.Offer(activelearning.NewSample(videoID, frame, d))
		}

		o.deps.Sink.AddDetection(catalog.Detection{
			VideoID:     videoID,
			FrameIndex:  frame.Index,
			Timestamp:   frame.Timestamp,
			ClassName:   d.ClassName,
			Confidence:  d.Confidence,
			BBox:        d.Box,
			EmbeddingID: pointIDs[i],
		})
		out.Detections++
	}

	if o.deps.Text != nil && cfg.OCRInterval > 0 && seq%cfg.OCRInterval == 0 {
		out.Texts += o.recognizeText(ctx, videoID, frame, log)
	}

	if o.deps.Stats != nil {
		o.deps.Stats.Publish(videoID, newFrameStats(frame, dets))
	}
}

func (o *Orchestrator) recognizeText(ctx context.Context, videoID string, frame vision.Frame, log *slog.Logger) int {
	regions, err := o.deps.Text.Recognize(ctx, frame.Image)
	if err != nil {
		log.Warn("text recognition failed", "frame", frame.Index, "error", err)
		return 0
	}
	n := 0
	for _, r := range regions {
		box := r.Box.Clamp(frame.Width(), frame.Height())
		if r.Text == "" || !box.Valid() {
			continue
		}
		o.deps.Sink.AddText(catalog.TextDetection{
			VideoID:    videoID,
			FrameIndex: frame.Index,
			Timestamp:  frame.Timestamp,
			Text:       r.Text,
			Confidence: r.Confidence,
			BBox:       box,
		})
		n++
	}
	return n
}

func (o *Orchestrator) commit(ctx context.Context, out *Outcome, log *slog.Logger) {
	if err := o.deps.Sink.Commit(ctx); err != nil {
		log.Error("commit failed, rows stay pending", "error", err)
		return
	}
	out.Commits++
}

func (o *Orchestrator) waitWrites(log *slog.Logger) {
	if o.deps.Writer == nil {
		return
	}
	if err := o.deps.Writer.Wait(); err != nil {
		log.Warn("some vector writes failed", "failed_points", o.deps.Writer.Failed(), "error", err)
	}
}

func (o *Orchestrator) reportProgress(index, total int) {
	if o.deps.Progress == nil || total <= 0 {
		return
	}
	o.deps.Progress((index + 1) * 100 / total)
}
