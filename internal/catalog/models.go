package catalog

import (
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/neuroops/neuroops-agent/internal/vision"
)

const (
	VideoStatusRegistered = "registered"
	VideoStatusAnalyzing  = "analyzing"
	VideoStatusAnalyzed   = "analyzed"
	VideoStatusFailed     = "failed"
	VideoStatusStopped    = "stopped"
)

type Video struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	Filename    string    `json:"filename"`
	Size        int64     `json:"size"`
	Fingerprint string    `json:"fingerprint"`
	Status      string    `json:"status"`
	FrameCount  int       `json:"frame_count"`
	FPS         float64   `json:"fps"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Detection is one persisted box from a sampled frame. EmbeddingID is empty
// when the detection was not enriched or enrichment failed.
type Detection struct {
	ID          int64       `json:"id"`
	VideoID     string      `json:"video_id"`
	FrameIndex  int         `json:"frame_index"`
	Timestamp   float64     `json:"timestamp"`
	ClassName   string      `json:"class_name"`
	Confidence  float64     `json:"confidence"`
	BBox        vision.BBox `json:"bbox"`
	EmbeddingID string      `json:"embedding_id,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// SceneSummary is describer output for one frame.
type SceneSummary struct {
	ID        int64     `json:"id"`
	VideoID   string    `json:"video_id"`
	Timestamp float64   `json:"timestamp"`
	Content   string    `json:"content"`
	Prompt    string    `json:"prompt"`
	CreatedAt time.Time `json:"created_at"`
}

// TextDetection is one recognized text region.
type TextDetection struct {
	ID         int64       `json:"id"`
	VideoID    string      `json:"video_id"`
	FrameIndex int         `json:"frame_index"`
	Timestamp  float64     `json:"timestamp"`
	Text       string      `json:"text"`
	Confidence float64     `json:"confidence"`
	BBox       vision.BBox `json:"bbox"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Batch is the set of rows written by one commit.
type Batch struct {
	Detections []Detection
	Summaries  []SceneSummary
	Texts      []TextDetection
}

func (b *Batch) Len() int {
	return len(b.Detections) + len(b.Summaries) + len(b.Texts)
}

const (
	JobTypeAnalyze = "analyze"

	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

type Job struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	Status    string    `json:"status"`
	VideoID   string    `json:"video_id,omitempty"`
	Progress  int       `json:"progress"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Active reports whether the job is queued or running.
func (j *Job) Active() bool {
	return j.Status == JobStatusPending || j.Status == JobStatusRunning
}

type ConfigEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// DetectionFilter narrows ListDetections. Zero values mean no filter.
type DetectionFilter struct {
	ClassName string
	MinFrame  int
	MaxFrame  int
	Limit     int
	Offset    int
}

type ClassCount struct {
	ClassName string `json:"class_name"`
	Count     int    `json:"count"`
}

type BucketCount struct {
	Start float64 `json:"start"`
	Count int     `json:"count"`
}

// Analytics summarizes a video's detections.
type Analytics struct {
	VideoID         string        `json:"video_id"`
	TotalDetections int           `json:"total_detections"`
	Classes         []ClassCount  `json:"classes"`
	BucketSeconds   float64       `json:"bucket_seconds"`
	Timeline        []BucketCount `json:"timeline"`
}

var VideoExtensions = map[string]bool{
	".mp4":  true,
	".mov":  true,
	".mkv":  true,
	".avi":  true,
	".webm": true,
}

func NewID() string {
	return uuid.NewString()
}

func IsVideoFile(filename string) bool {
	return VideoExtensions[strings.ToLower(filepath.Ext(filename))]
}
