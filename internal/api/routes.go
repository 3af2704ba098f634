package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/neuroops/neuroops-agent/internal/catalog"
	"github.com/neuroops/neuroops-agent/internal/search"
)

const agentVersion = "0.1.0"

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(cfg.Tokens, cfg.Logger))

		r.Get("/status", statusHandler(cfg))

		r.Get("/videos", listVideosHandler(cfg))
		r.Post("/videos", registerVideoHandler(cfg))
		r.Route("/videos/{id}", func(r chi.Router) {
			r.Get("/", getVideoHandler(cfg))
			r.Post("/analyze", analyzeHandler(cfg))
			r.Get("/detections", detectionsHandler(cfg))
			r.Get("/summaries", summariesHandler(cfg))
			r.Get("/texts", textsHandler(cfg))
			r.Get("/analytics", analyticsHandler(cfg))
			r.Get("/stats", statsHandler(cfg))
			r.Post("/search", searchHandler(cfg))
		})

		r.Get("/jobs", listJobsHandler(cfg))
		r.Get("/jobs/{id}", getJobHandler(cfg))
		r.Post("/jobs/{id}/stop", stopJobHandler(cfg))

		r.Get("/rules", rulesHandler(cfg))
		r.Post("/rules/reload", reloadRulesHandler(cfg))
		r.Get("/alerts", alertsHandler(cfg))

		r.Post("/runner/pause", pauseRunnerHandler(cfg))
		r.Post("/runner/resume", resumeRunnerHandler(cfg))
	})

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uptime := int64(time.Since(cfg.StartTime).Seconds())
		WriteJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: agentVersion,
			UptimeS: uptime,
			AgentID: cfg.AgentID,
		})
	}
}

func statusHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		videos, _ := cfg.CatalogService.ListVideos(ctx)
		jobs, _ := cfg.CatalogService.ListJobs(ctx, 10)

		state := "idle"
		var activeJob *JobResponse
		jobsRunning := 0
		lastError := ""

		if cfg.Runner != nil && cfg.Runner.IsPaused() {
			state = "paused"
		}

		for _, j := range jobs {
			if j.Status == catalog.JobStatusRunning {
				state = "analyzing"
				if activeJob == nil {
					resp := JobToResponse(j)
					activeJob = &resp
				}
				jobsRunning++
			}
			if j.Status == catalog.JobStatusFailed && lastError == "" {
				lastError = j.Error
			}
		}

		if lastError != "" && state == "idle" {
			state = "error"
		}

		resp := StatusResponse{
			State:       state,
			LastError:   lastError,
			VideosCount: len(videos),
			JobsRunning: jobsRunning,
			ActiveJob:   activeJob,
		}

		if cfg.Rules != nil {
			snap := cfg.Rules.Snapshot()
			resp.Rules = &RulesStatus{Version: snap.Version, Count: len(snap.Rules)}
		}

		// Peek only: a status request never starts a worker probe.
		if cfg.Doctor != nil {
			if caps := cfg.Doctor.Peek(); caps != nil {
				resp.Models = &ModelStatusResponse{
					Ready:    caps.Ready(),
					Detector: caps.Models.Detector,
					Embedder: caps.Models.Embedder,
					Identity: caps.Models.Identity,
					OCR:      caps.Models.OCR,
					Dim:      caps.Models.Dim,
					CUDA:     caps.GPU.CUDAAvailable,
				}
				if !caps.ProbedAt.IsZero() {
					resp.Models.LastProbeAt = caps.ProbedAt.Format(time.RFC3339)
				}
			}
		}

		if cfg.Dispatcher != nil {
			resp.Actions = cfg.Dispatcher.Stats()
		}
		if cfg.Learning != nil {
			resp.Labeling = cfg.Learning.Stats()
		}

		WriteJSON(w, http.StatusOK, resp)
	}
}

func listVideosHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		videos, err := cfg.CatalogService.ListVideos(r.Context())
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list videos", "INTERNAL_ERROR")
			return
		}

		resp := VideosResponse{Videos: make([]VideoResponse, len(videos))}
		for i, v := range videos {
			resp.Videos[i] = VideoToResponse(v)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func registerVideoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req RegisterVideoRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		if req.Path == "" {
			WriteError(w, http.StatusBadRequest, "path is required", "BAD_REQUEST")
			return
		}

		video, err := cfg.CatalogService.RegisterVideo(r.Context(), req.Path)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error(), "BAD_REQUEST")
			return
		}

		WriteJSON(w, http.StatusCreated, VideoToResponse(video))
	}
}

// loadVideo resolves the {id} URL parameter, writing a 404 when the video
// does not exist.
func loadVideo(cfg ServerConfig, w http.ResponseWriter, r *http.Request) (*catalog.Video, bool) {
	id := chi.URLParam(r, "id")
	if id == "" {
		WriteError(w, http.StatusBadRequest, "video id required", "BAD_REQUEST")
		return nil, false
	}

	video, err := cfg.CatalogService.GetVideo(r.Context(), id)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
		return nil, false
	}
	if video == nil {
		WriteError(w, http.StatusNotFound, "video not found", "NOT_FOUND")
		return nil, false
	}
	return video, true
}

func getVideoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		video, ok := loadVideo(cfg, w, r)
		if !ok {
			return
		}
		WriteJSON(w, http.StatusOK, VideoToResponse(video))
	}
}

func analyzeHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		job, err := cfg.CatalogService.RequestAnalysis(r.Context(), id)
		switch {
		case errors.Is(err, catalog.ErrVideoNotFound):
			WriteError(w, http.StatusNotFound, "video not found", "NOT_FOUND")
			return
		case errors.Is(err, catalog.ErrJobActive):
			msg := "analysis already in progress"
			if job != nil {
				msg += ": job " + job.ID
			}
			WriteError(w, http.StatusConflict, msg, "CONFLICT")
			return
		case err != nil:
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}

		if cfg.Runner != nil {
			cfg.Runner.Notify()
		}
		WriteJSON(w, http.StatusAccepted, AnalyzeResponse{JobID: job.ID})
	}
}

func detectionsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		video, ok := loadVideo(cfg, w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		filter := catalog.DetectionFilter{
			ClassName: q.Get("class"),
			MinFrame:  queryInt(q.Get("min_frame"), 0),
			MaxFrame:  queryInt(q.Get("max_frame"), 0),
			Limit:     queryInt(q.Get("limit"), 0),
			Offset:    queryInt(q.Get("offset"), 0),
		}

		dets, err := cfg.CatalogService.Detections(r.Context(), video.ID, filter)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if dets == nil {
			dets = []*catalog.Detection{}
		}
		WriteJSON(w, http.StatusOK, DetectionsResponse{Detections: dets})
	}
}

func summariesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		video, ok := loadVideo(cfg, w, r)
		if !ok {
			return
		}

		sums, err := cfg.CatalogService.Summaries(r.Context(), video.ID)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if sums == nil {
			sums = []*catalog.SceneSummary{}
		}
		WriteJSON(w, http.StatusOK, SummariesResponse{Summaries: sums})
	}
}

func textsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		video, ok := loadVideo(cfg, w, r)
		if !ok {
			return
		}

		texts, err := cfg.CatalogService.Texts(r.Context(), video.ID)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if texts == nil {
			texts = []*catalog.TextDetection{}
		}
		WriteJSON(w, http.StatusOK, TextsResponse{Texts: texts})
	}
}

func analyticsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		video, ok := loadVideo(cfg, w, r)
		if !ok {
			return
		}

		bucket, err := strconv.ParseFloat(r.URL.Query().Get("bucket"), 64)
		if err != nil {
			bucket = 0
		}

		analytics, err := cfg.CatalogService.Analytics(r.Context(), video.ID, bucket)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, analytics)
	}
}

func statsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Stats == nil {
			WriteError(w, http.StatusServiceUnavailable, "stats not available", "UNAVAILABLE")
			return
		}
		id := chi.URLParam(r, "id")
		stats, ok := cfg.Stats.Latest(id)
		if !ok {
			WriteError(w, http.StatusNotFound, "no frames processed for this video", "NOT_FOUND")
			return
		}
		WriteJSON(w, http.StatusOK, stats)
	}
}

func searchHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Search == nil {
			WriteError(w, http.StatusServiceUnavailable, "search not available", "UNAVAILABLE")
			return
		}
		video, ok := loadVideo(cfg, w, r)
		if !ok {
			return
		}

		var req SearchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}

		results, err := cfg.Search.Search(r.Context(), video.ID, req.Query, req.Limit, req.Threshold)
		if errors.Is(err, search.ErrEmptyQuery) {
			WriteError(w, http.StatusBadRequest, "query is required", "BAD_REQUEST")
			return
		}
		if err != nil {
			WriteError(w, http.StatusBadGateway, err.Error(), "SEARCH_FAILED")
			return
		}

		resp := SearchResponse{Query: req.Query, Results: make([]SearchResultResponse, len(results))}
		for i, res := range results {
			resp.Results[i] = SearchResultResponse{Result: res, Description: res.Describe()}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func listJobsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := cfg.CatalogService.ListJobs(r.Context(), 50)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list jobs", "INTERNAL_ERROR")
			return
		}

		resp := JobsResponse{Jobs: make([]JobResponse, len(jobs))}
		for i, j := range jobs {
			resp.Jobs[i] = JobToResponse(j)
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			WriteError(w, http.StatusBadRequest, "job id required", "BAD_REQUEST")
			return
		}

		job, err := cfg.CatalogService.GetJob(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if job == nil {
			WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
			return
		}

		WriteJSON(w, http.StatusOK, JobToResponse(job))
	}
}

func stopJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Runner == nil {
			WriteError(w, http.StatusServiceUnavailable, "job runner not available", "UNAVAILABLE")
			return
		}
		id := chi.URLParam(r, "id")

		err := cfg.Runner.StopJob(r.Context(), id)
		switch {
		case errors.Is(err, catalog.ErrJobNotActive):
			WriteError(w, http.StatusConflict, err.Error(), "CONFLICT")
			return
		case err != nil:
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

func rulesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Rules == nil {
			WriteError(w, http.StatusServiceUnavailable, "rules not available", "UNAVAILABLE")
			return
		}
		WriteJSON(w, http.StatusOK, SnapshotToResponse(cfg.Rules.Snapshot()))
	}
}

func reloadRulesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Rules == nil {
			WriteError(w, http.StatusServiceUnavailable, "rules not available", "UNAVAILABLE")
			return
		}
		if err := cfg.Rules.Reload(); err != nil {
			WriteError(w, http.StatusUnprocessableEntity, "rule file rejected, previous rules kept: "+err.Error(), "INVALID_RULES")
			return
		}
		WriteJSON(w, http.StatusOK, SnapshotToResponse(cfg.Rules.Snapshot()))
	}
}

func alertsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Alerts == nil {
			WriteError(w, http.StatusServiceUnavailable, "alerts not available", "UNAVAILABLE")
			return
		}
		limit := queryInt(r.URL.Query().Get("limit"), 50)
		WriteJSON(w, http.StatusOK, map[string]any{
			"alerts": cfg.Alerts.Recent(limit),
			"total":  cfg.Alerts.Total(),
		})
	}
}

func pauseRunnerHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Runner == nil {
			WriteError(w, http.StatusServiceUnavailable, "job runner not available", "UNAVAILABLE")
			return
		}
		cfg.Runner.Pause()
		WriteJSON(w, http.StatusOK, RunnerResponse{Paused: cfg.Runner.IsPaused()})
	}
}

func resumeRunnerHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if cfg.Runner == nil {
			WriteError(w, http.StatusServiceUnavailable, "job runner not available", "UNAVAILABLE")
			return
		}
		cfg.Runner.Resume()
		WriteJSON(w, http.StatusOK, RunnerResponse{Paused: cfg.Runner.IsPaused()})
	}
}

func queryInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
