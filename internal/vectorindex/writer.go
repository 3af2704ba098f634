package vectorindex

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/neuroops/neuroops-agent/internal/logging"
)

// BatchWriter performs InsertBatch writes in the background with a bound on
// the number of batches in flight. Validation and id assignment happen before
// Submit returns, so callers can record point ids immediately.
type BatchWriter struct {
	svc    *Service
	g      errgroup.Group
	logger *slog.Logger

	submitted atomic.Int64
	failed    atomic.Int64
}

func NewBatchWriter(svc *Service, maxInFlight int, logger *slog.Logger) *BatchWriter {
	if maxInFlight < 1 {
		maxInFlight = 1
	}
	w := &BatchWriter{svc: svc, logger: logging.WithComponent(logging.OrDiscard(logger), "vector-writer")}
	w.g.SetLimit(maxInFlight)
	return w
}

// Submit validates entries, assigns ids and schedules the write. It blocks
// while maxInFlight writes are already running. Writes outlive cancellation of
// ctx so that a stopped run still flushes what it submitted.
func (w *BatchWriter) Submit(ctx context.Context, name string, entries []Entry) ([]string, error) {
	points, err := w.svc.Prepare(entries)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, nil
	}

	writeCtx := context.WithoutCancel(ctx)
	w.submitted.Add(int64(len(points)))
	w.g.Go(func() error {
		if err := w.svc.Write(writeCtx, name, points); err != nil {
			w.failed.Add(int64(len(points)))
			w.logger.Error("background vector write failed",
				"collection", name,
				"points", len(points),
				"error", err,
			)
			return err
		}
		return nil
	})
	return pointIDs(points), nil
}

// Wait blocks until every submitted write has finished and returns the first
// write error, if any.
func (w *BatchWriter) Wait() error {
	return w.g.Wait()
}

// Failed returns the number of points whose write failed.
func (w *BatchWriter) Failed() int64 {
	return w.failed.Load()
}

// Submitted returns the number of points handed to Submit.
func (w *BatchWriter) Submitted() int64 {
	return w.submitted.Load()
}
