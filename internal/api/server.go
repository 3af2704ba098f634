package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/neuroops/neuroops-agent/internal/actions"
	"github.com/neuroops/neuroops-agent/internal/activelearning"
	"github.com/neuroops/neuroops-agent/internal/catalog"
	"github.com/neuroops/neuroops-agent/internal/inference"
	"github.com/neuroops/neuroops-agent/internal/orchestrator"
	"github.com/neuroops/neuroops-agent/internal/rules"
	"github.com/neuroops/neuroops-agent/internal/search"
)

// JobControl is the part of the job runner the API drives.
type JobControl interface {
	Notify()
	StopJob(ctx context.Context, id string) error
	Pause()
	Resume()
	IsPaused() bool
	ActiveJobCount() int
}

// RuleSource exposes the live rule set.
type RuleSource interface {
	Snapshot() *rules.Snapshot
	Reload() error
}

type Searcher interface {
	Search(ctx context.Context, videoID, query string, limit int, threshold float32) ([]search.Result, error)
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// ServerConfig wires the API to the agent. Only CatalogService, Tokens and
// Logger are required; routes whose dependency is nil answer 503.
type ServerConfig struct {
	Port           int
	CatalogService catalog.CatalogService
	Tokens         TokenSource
	Runner         JobControl
	Rules          RuleSource
	Alerts         *actions.AlertLog
	Dispatcher     *actions.Dispatcher
	Learning       *activelearning.Queue
	Stats          *orchestrator.StatsBoard
	Search         Searcher
	Doctor         *inference.CachedDoctor
	Logger         *slog.Logger
	StartTime      time.Time
	AgentID        string
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("127.0.0.1:%d", cfg.Port),
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}
