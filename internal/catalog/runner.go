package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/neuroops/neuroops-agent/internal/logging"
)

var ErrJobNotActive = errors.New("job is not pending or running")

// ProgressFunc receives the completion percentage of a running job.
type ProgressFunc func(percent int)

// Analyzer runs one analysis of a video. Returning nil after ctx is cancelled
// means the run stopped cleanly at a frame boundary.
type Analyzer interface {
	Analyze(ctx context.Context, job *Job, video *Video, progress ProgressFunc) error
}

type Runner struct {
	repo          Repository
	analyzer      Analyzer
	logger        *slog.Logger
	pollInterval  time.Duration
	maxConcurrent int

	running atomic.Bool
	paused  atomic.Bool
	wake    chan struct{}

	mu     sync.Mutex
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(repo Repository, analyzer Analyzer, maxConcurrent int, logger *slog.Logger) *Runner {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Runner{
		repo:          repo,
		analyzer:      analyzer,
		logger:        logging.WithComponent(logging.OrDiscard(logger), "runner"),
		pollInterval:  2 * time.Second,
		maxConcurrent: maxConcurrent,
		wake:          make(chan struct{}, 1),
		active:        make(map[string]context.CancelFunc),
	}
}

// Start polls for pending jobs until ctx is done, then waits for running jobs
// to stop.
func (r *Runner) Start(ctx context.Context) {
	if r.running.Swap(true) {
		return
	}

	r.logger.Info("job runner started", "max_concurrent", r.maxConcurrent)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("job runner stopping", "active_jobs", r.ActiveJobCount())
			r.wg.Wait()
			r.running.Store(false)
			return
		case <-ticker.C:
			r.dispatchPending(ctx)
		case <-r.wake:
			r.dispatchPending(ctx)
		}
	}
}

// Notify asks the runner to look for pending jobs now instead of at the next
// tick.
func (r *Runner) Notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Runner) Pause() {
	r.paused.Store(true)
	r.logger.Info("job runner paused")
}

func (r *Runner) Resume() {
	r.paused.Store(false)
	r.logger.Info("job runner resumed")
	r.Notify()
}

func (r *Runner) IsPaused() bool {
	return r.paused.Load()
}

func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

func (r *Runner) ActiveJobCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// StopJob cancels a running job, or marks a pending one cancelled.
func (r *Runner) StopJob(ctx context.Context, id string) error {
	r.mu.Lock()
	cancel, running := r.active[id]
	r.mu.Unlock()
	if running {
		r.logger.Info("stop requested", "job_id", id)
		cancel()
		return nil
	}

	job, err := r.repo.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job == nil || job.Status != JobStatusPending {
		return ErrJobNotActive
	}
	return r.repo.UpdateJobStatus(ctx, id, JobStatusCancelled, "stopped before start")
}

func (r *Runner) dispatchPending(ctx context.Context) {
	if r.paused.Load() {
		return
	}

	jobs, err := r.repo.ListPendingJobs(ctx)
	if err != nil {
		r.logger.Error("failed to list pending jobs", "error", err)
		return
	}

	for _, job := range jobs {
		if r.ActiveJobCount() >= r.maxConcurrent {
			return
		}
		r.launch(ctx, job)
	}
}

func (r *Runner) launch(ctx context.Context, job *Job) {
	jobCtx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	if _, dup := r.active[job.ID]; dup {
		r.mu.Unlock()
		cancel()
		return
	}
	r.active[job.ID] = cancel
	r.mu.Unlock()

	// Claim before the goroutine starts so the next poll does not see it pending.
	if err := r.repo.UpdateJobStatus(ctx, job.ID, JobStatusRunning, ""); err != nil {
		r.logger.Error("failed to claim job", "job_id", job.ID, "error", err)
		r.release(job.ID)
		cancel()
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer r.release(job.ID)
		defer cancel()
		r.runJob(jobCtx, job)
	}()
}

func (r *Runner) release(id string) {
	r.mu.Lock()
	delete(r.active, id)
	r.mu.Unlock()
}

// runJob executes one job to a terminal status.
func (r *Runner) runJob(ctx context.Context, job *Job) {
	logger := logging.WithJobID(r.logger, job.ID)
	store := context.WithoutCancel(ctx)

	fail := func(msg string) {
		if err := r.repo.UpdateJobStatus(store, job.ID, JobStatusFailed, msg); err != nil {
			logger.Error("failed to record job failure", "error", err)
		}
	}

	if job.Type != JobTypeAnalyze {
		logger.Warn("unknown job type", "type", job.Type)
		fail("unknown job type")
		return
	}
	if r.analyzer == nil {
		fail("analyzer not configured")
		return
	}

	video, err := r.repo.GetVideo(store, job.VideoID)
	if err != nil || video == nil {
		fail("video not found")
		return
	}

	r.repo.UpdateJobStatus(store, job.ID, JobStatusRunning, "")
	r.repo.UpdateVideoStatus(store, video.ID, VideoStatusAnalyzing)
	logger.Info("analysis started", "video_id", video.ID)

	started := time.Now()
	err = r.analyze(ctx, job, video)

	switch {
	case err != nil && !errors.Is(err, context.Canceled):
		logger.Error("analysis failed", "video_id", video.ID, "error", err)
		fail(err.Error())
		r.repo.UpdateVideoStatus(store, video.ID, VideoStatusFailed)
	case ctx.Err() != nil || err != nil:
		logger.Info("analysis stopped", "video_id", video.ID, "duration", time.Since(started))
		r.repo.UpdateJobStatus(store, job.ID, JobStatusCancelled, "stopped")
		r.repo.UpdateVideoStatus(store, video.ID, VideoStatusStopped)
	default:
		r.repo.UpdateJobProgress(store, job.ID, 100)
		r.repo.UpdateJobStatus(store, job.ID, JobStatusCompleted, "")
		r.repo.UpdateVideoStatus(store, video.ID, VideoStatusAnalyzed)
		logger.Info("analysis completed", "video_id", video.ID, "duration", time.Since(started))
	}
}

func (r *Runner) analyze(ctx context.Context, job *Job, video *Video) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic during analysis: %v", rec)
		}
	}()

	store := context.WithoutCancel(ctx)
	progress := func(p int) {
		if p < 0 {
			p = 0
		}
		if p > 100 {
			p = 100
		}
		if err := r.repo.UpdateJobProgress(store, job.ID, p); err != nil {
			r.logger.Warn("failed to update progress", "job_id", job.ID, "error", err)
		}
	}
	return r.analyzer.Analyze(ctx, job, video, progress)
}
