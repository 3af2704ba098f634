package api

import (
	"time"

	"github.com/neuroops/neuroops-agent/internal/catalog"
	"github.com/neuroops/neuroops-agent/internal/rules"
	"github.com/neuroops/neuroops-agent/internal/search"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	UptimeS int64  `json:"uptime_s"`
	AgentID string `json:"agent_id"`
}

type StatusResponse struct {
	State       string               `json:"state"`
	LastError   string               `json:"last_error,omitempty"`
	VideosCount int                  `json:"videos_count"`
	JobsRunning int                  `json:"jobs_running"`
	ActiveJob   *JobResponse         `json:"active_job,omitempty"`
	Rules       *RulesStatus         `json:"rules,omitempty"`
	Models      *ModelStatusResponse `json:"models,omitempty"`
	Actions     any                  `json:"actions,omitempty"`
	Labeling    any                  `json:"labeling,omitempty"`
}

type RulesStatus struct {
	Version int64 `json:"version"`
	Count   int   `json:"count"`
}

type ModelStatusResponse struct {
	Ready       bool   `json:"ready"`
	Detector    string `json:"detector,omitempty"`
	Embedder    string `json:"embedder,omitempty"`
	Identity    string `json:"identity,omitempty"`
	OCR         string `json:"ocr,omitempty"`
	Dim         int    `json:"dim,omitempty"`
	CUDA        bool   `json:"cuda"`
	LastProbeAt string `json:"last_probe_at,omitempty"`
}

type RegisterVideoRequest struct {
	Path string `json:"path"`
}

type VideoResponse struct {
	ID          string  `json:"id"`
	Path        string  `json:"path"`
	Filename    string  `json:"filename"`
	Size        int64   `json:"size"`
	Fingerprint string  `json:"fingerprint"`
	Status      string  `json:"status"`
	FrameCount  int     `json:"frame_count"`
	FPS         float64 `json:"fps"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

type VideosResponse struct {
	Videos []VideoResponse `json:"videos"`
}

type AnalyzeResponse struct {
	JobID string `json:"job_id"`
}

type JobResponse struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	VideoID   string `json:"video_id,omitempty"`
	Progress  int    `json:"progress"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

type JobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type DetectionsResponse struct {
	Detections []*catalog.Detection `json:"detections"`
}

type SummariesResponse struct {
	Summaries []*catalog.SceneSummary `json:"summaries"`
}

type TextsResponse struct {
	Texts []*catalog.TextDetection `json:"texts"`
}

type SearchRequest struct {
	Query     string  `json:"query"`
	Limit     int     `json:"limit,omitempty"`
	Threshold float32 `json:"threshold,omitempty"`
}

type SearchResultResponse struct {
	search.Result
	Description string `json:"description"`
}

type SearchResponse struct {
	Query   string                 `json:"query"`
	Results []SearchResultResponse `json:"results"`
}

type RuleResponse struct {
	Name      string         `json:"name"`
	Condition string         `json:"condition"`
	Actions   []rules.Action `json:"actions"`
}

type RulesResponse struct {
	Version  int64          `json:"version"`
	Source   string         `json:"source"`
	LoadedAt string         `json:"loaded_at,omitempty"`
	Rules    []RuleResponse `json:"rules"`
}

type RunnerResponse struct {
	Paused bool `json:"paused"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func VideoToResponse(v *catalog.Video) VideoResponse {
	return VideoResponse{
		ID:          v.ID,
		Path:        v.Path,
		Filename:    v.Filename,
		Size:        v.Size,
		Fingerprint: v.Fingerprint,
		Status:      v.Status,
		FrameCount:  v.FrameCount,
		FPS:         v.FPS,
		CreatedAt:   v.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   v.UpdatedAt.Format(time.RFC3339),
	}
}

func JobToResponse(j *catalog.Job) JobResponse {
	return JobResponse{
		ID:        j.ID,
		Type:      j.Type,
		Status:    j.Status,
		VideoID:   j.VideoID,
		Progress:  j.Progress,
		Error:     j.Error,
		CreatedAt: j.CreatedAt.Format(time.RFC3339),
		UpdatedAt: j.UpdatedAt.Format(time.RFC3339),
	}
}

func SnapshotToResponse(s *rules.Snapshot) RulesResponse {
	resp := RulesResponse{
		Version: s.Version,
		Source:  s.Source,
		Rules:   make([]RuleResponse, len(s.Rules)),
	}
	if !s.LoadedAt.IsZero() {
		resp.LoadedAt = s.LoadedAt.Format(time.RFC3339)
	}
	for i, r := range s.Rules {
		resp.Rules[i] = RuleResponse{Name: r.Name, Condition: r.Condition.String(), Actions: r.Actions}
	}
	return resp
}
