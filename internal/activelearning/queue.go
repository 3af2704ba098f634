package activelearning

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/neuroops/neuroops-agent/internal/logging"
)

const DefaultQueueSize = 64

// Queue buffers uncertain samples for a single upload worker. Offer never
// blocks the caller; when the buffer is full the sample is dropped.
type Queue struct {
	sink   LabelingSink
	ch     chan Sample
	logger *slog.Logger

	done     chan struct{}
	stopOnce sync.Once

	offered  atomic.Int64
	dropped  atomic.Int64
	uploaded atomic.Int64
	failed   atomic.Int64
}

// QueueStats is a point-in-time view of the queue counters.
type QueueStats struct {
	Offered  int64 `json:"offered"`
	Dropped  int64 `json:"dropped"`
	Uploaded int64 `json:"uploaded"`
	Failed   int64 `json:"failed"`
	Pending  int   `json:"pending"`
}

func NewQueue(sink LabelingSink, size int, logger *slog.Logger) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		sink:   sink,
		ch:     make(chan Sample, size),
		logger: logging.WithComponent(logging.OrDiscard(logger), "active_learning"),
		done:   make(chan struct{}),
	}
}

// Offer enqueues s and reports whether it was accepted.
func (q *Queue) Offer(s Sample) bool {
	q.offered.Add(1)
	select {
	case <-q.done:
		q.dropped.Add(1)
		return false
	default:
	}
	select {
	case q.ch <- s:
		return true
	default:
		q.dropped.Add(1)
		q.logger.Debug("labeling queue full, sample dropped",
			"class", s.ClassName,
			"confidence", s.Confidence,
		)
		return false
	}
}

// Run uploads queued samples until ctx is done or Stop is called. Upload
// failures are logged and counted, never retried.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
			return
		case s := <-q.ch:
			q.upload(ctx, s)
		}
	}
}

func (q *Queue) upload(ctx context.Context, s Sample) {
	ref, err := q.sink.Upload(ctx, s)
	if err != nil {
		q.failed.Add(1)
		q.logger.Warn("labeling upload failed",
			"video_id", s.VideoID,
			"frame", s.FrameIndex,
			"error", err,
		)
		return
	}
	q.uploaded.Add(1)
	q.logger.Info("labeling task uploaded",
		"task", ref,
		"class", s.ClassName,
		"entropy", s.Entropy,
	)
}

// Stop ends Run. Samples still buffered are discarded.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.done) })
}

func (q *Queue) Stats() QueueStats {
	return QueueStats{
		Offered:  q.offered.Load(),
		Dropped:  q.dropped.Load(),
		Uploaded: q.uploaded.Load(),
		Failed:   q.failed.Load(),
		Pending:  len(q.ch),
	}
}
