package catalog

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/neuroops/neuroops-agent/internal/logging"
)

const (
	fingerprintSize = 64 * 1024

	DefaultBucketSeconds = 10.0
)

var (
	ErrVideoNotFound = errors.New("video not found")
	ErrJobActive     = errors.New("video already has an active analysis job")
	ErrNotVideoFile  = errors.New("unsupported video file extension")
)

type CatalogService interface {
	RegisterVideo(ctx context.Context, path string) (*Video, error)
	GetVideo(ctx context.Context, id string) (*Video, error)
	ListVideos(ctx context.Context) ([]*Video, error)
	RequestAnalysis(ctx context.Context, videoID string) (*Job, error)
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, limit int) ([]*Job, error)
	Detections(ctx context.Context, videoID string, filter DetectionFilter) ([]*Detection, error)
	Summaries(ctx context.Context, videoID string) ([]*SceneSummary, error)
	Texts(ctx context.Context, videoID string) ([]*TextDetection, error)
	Analytics(ctx context.Context, videoID string, bucketSeconds float64) (*Analytics, error)
}

type Service struct {
	repo   Repository
	logger *slog.Logger
}

func NewService(repo Repository, logger *slog.Logger) *Service {
	return &Service{repo: repo, logger: logging.WithComponent(logging.OrDiscard(logger), "catalog")}
}

func (s *Service) Repository() Repository {
	return s.repo
}

// RegisterVideo adds a video file to the catalog. Registering the same path
// twice returns the existing entry.
func (s *Service) RegisterVideo(ctx context.Context, path string) (*Video, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("invalid path: %w", err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("path does not exist: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path is a directory")
	}
	if !IsVideoFile(absPath) {
		return nil, fmt.Errorf("%w: %s", ErrNotVideoFile, filepath.Ext(absPath))
	}

	existing, err := s.repo.GetVideoByPath(ctx, absPath)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	fingerprint, err := computeFingerprint(absPath)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}

	now := time.Now()
	video := &Video{
		ID:          NewID(),
		Path:        absPath,
		Filename:    filepath.Base(absPath),
		Size:        info.Size(),
		Fingerprint: fingerprint,
		Status:      VideoStatusRegistered,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateVideo(ctx, video); err != nil {
		return nil, err
	}

	s.logger.Info("video registered", "video_id", video.ID, "path", logging.SanitizePath(absPath))
	return video, nil
}

func (s *Service) GetVideo(ctx context.Context, id string) (*Video, error) {
	return s.repo.GetVideo(ctx, id)
}

func (s *Service) ListVideos(ctx context.Context) ([]*Video, error) {
	return s.repo.ListVideos(ctx)
}

// RequestAnalysis queues an analyze job for the video. A video that already
// has results is reprocessed: the analyzer clears them before the new run.
func (s *Service) RequestAnalysis(ctx context.Context, videoID string) (*Job, error) {
	video, err := s.repo.GetVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if video == nil {
		return nil, ErrVideoNotFound
	}

	active, err := s.repo.GetActiveJobForVideo(ctx, videoID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return active, ErrJobActive
	}

	now := time.Now()
	job := &Job{
		ID:        NewID(),
		Type:      JobTypeAnalyze,
		Status:    JobStatusPending,
		VideoID:   videoID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	s.logger.Info("analyze job created", "job_id", job.ID, "video_id", videoID)
	return job, nil
}

// ResetResults deletes every persisted row of the video.
func (s *Service) ResetResults(ctx context.Context, videoID string) error {
	if err := s.repo.DeleteVideoResults(ctx, videoID); err != nil {
		return fmt.Errorf("reset results: %w", err)
	}
	s.logger.Info("video results cleared", "video_id", videoID)
	return nil
}

// NewSession starts a buffered write session for one analysis run.
func (s *Service) NewSession(videoID string) *Session {
	return NewSession(s.repo, videoID)
}

func (s *Service) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.repo.GetJob(ctx, id)
}

func (s *Service) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	return s.repo.ListJobs(ctx, limit)
}

func (s *Service) Detections(ctx context.Context, videoID string, filter DetectionFilter) ([]*Detection, error) {
	return s.repo.ListDetections(ctx, videoID, filter)
}

func (s *Service) Summaries(ctx context.Context, videoID string) ([]*SceneSummary, error) {
	return s.repo.ListSummaries(ctx, videoID)
}

func (s *Service) Texts(ctx context.Context, videoID string) ([]*TextDetection, error) {
	return s.repo.ListTextDetections(ctx, videoID)
}

// Analytics returns the class distribution and per-bucket detection counts.
func (s *Service) Analytics(ctx context.Context, videoID string, bucketSeconds float64) (*Analytics, error) {
	if bucketSeconds <= 0 {
		bucketSeconds = DefaultBucketSeconds
	}
	total, err := s.repo.CountDetections(ctx, videoID)
	if err != nil {
		return nil, err
	}
	classes, err := s.repo.ClassCounts(ctx, videoID)
	if err != nil {
		return nil, err
	}
	timeline, err := s.repo.TimelineCounts(ctx, videoID, bucketSeconds)
	if err != nil {
		return nil, err
	}
	if classes == nil {
		classes = []ClassCount{}
	}
	if timeline == nil {
		timeline = []BucketCount{}
	}
	return &Analytics{
		VideoID:         videoID,
		TotalDetections: total,
		Classes:         classes,
		BucketSeconds:   bucketSeconds,
		Timeline:        timeline,
	}, nil
}

func computeFingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	lr := io.LimitReader(f, fingerprintSize)
	if _, err := io.Copy(h, lr); err != nil {
		return "", err
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
