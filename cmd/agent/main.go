package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/neuroops/neuroops-agent/internal/actions"
	"github.com/neuroops/neuroops-agent/internal/activelearning"
	"github.com/neuroops/neuroops-agent/internal/api"
	"github.com/neuroops/neuroops-agent/internal/catalog"
	"github.com/neuroops/neuroops-agent/internal/config"
	"github.com/neuroops/neuroops-agent/internal/db"
	"github.com/neuroops/neuroops-agent/internal/framesource"
	"github.com/neuroops/neuroops-agent/internal/inference"
	"github.com/neuroops/neuroops-agent/internal/logging"
	"github.com/neuroops/neuroops-agent/internal/orchestrator"
	"github.com/neuroops/neuroops-agent/internal/rules"
	"github.com/neuroops/neuroops-agent/internal/search"
	"github.com/neuroops/neuroops-agent/internal/vectorindex"
	"github.com/neuroops/neuroops-agent/internal/watcher"
)

var Version = "0.1.0"

const jobDrainTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	startTime := time.Now()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting neuroops agent", "version", Version, "data_dir", cfg.DataDir())

	database, err := db.New(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer database.Close()

	repo := catalog.NewRepository(database.Conn())

	agentID, err := ensureSecret(repo, "agent_id", 16)
	if err != nil {
		return fmt.Errorf("failed to ensure agent ID: %w", err)
	}
	authToken, err := ensureSecret(repo, api.AuthTokenKey, 32)
	if err != nil {
		return fmt.Errorf("failed to ensure auth token: %w", err)
	}

	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════════════════╗")
	fmt.Printf("║                  NEUROOPS AGENT v%-25s║\n", Version)
	fmt.Println("╠═══════════════════════════════════════════════════════════╣")
	fmt.Printf("║  API URL:    http://127.0.0.1:%-27d ║\n", cfg.Port())
	fmt.Printf("║  Auth Token: %-45s ║\n", authToken)
	fmt.Printf("║  Agent ID:   %-45s ║\n", agentID[:16]+"...")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	index, err := openIndex(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer index.Close()

	models, doctor, err := loadModels(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer models.Close()

	publisher := openPublisher(ctx, cfg, logger)
	defer publisher.Close()

	dispatchCfg := actions.DefaultDispatcherConfig()
	dispatchCfg.DescribeRate = cfg.DescriberRate()
	dispatcher := actions.NewDispatcher(nil, models.Describer, actions.NewToolAgent(publisher, logger), dispatchCfg, logger)

	learning := openLabeling(ctx, cfg, logger)
	if learning != nil {
		go learning.Run(ctx)
	}

	ruleEngine := rules.NewEngine(cfg.RulesPath(), cfg.RulesReloadDelay(), logger)
	if w, err := watcher.New(16, logger); err != nil {
		logger.Warn("rule file watching disabled", "error", err)
	} else if err := w.Add(cfg.RulesPath()); err != nil {
		logger.Warn("rule file watching disabled", "error", err)
		w.Stop()
	} else {
		defer w.Stop()
		go w.Run(ctx)
		go ruleEngine.Run(ctx, w.Events())
	}

	opener, err := framesource.NewFFmpeg("", "", logger)
	if err != nil {
		return fmt.Errorf("failed to locate video decoder: %w", err)
	}

	asyncWrites := 0
	if cfg.AsyncVectorWrites() {
		asyncWrites = config.DefaultAsyncInFlight
	}

	catalogSvc := catalog.NewService(repo, logger)
	stats := orchestrator.NewStatsBoard()
	analyzer := orchestrator.NewAnalyzer(orchestrator.AnalyzerDeps{
		Catalog:     catalogSvc,
		Opener:      opener,
		Models:      models,
		Index:       index,
		Rules:       ruleEngine,
		Dispatcher:  dispatcher,
		Learning:    learning,
		Stats:       stats,
		AsyncWrites: asyncWrites,
	}, orchestrator.FromConfig(cfg), logger)

	runner := catalog.NewRunner(repo, analyzer, cfg.MaxConcurrentJobs(), logger)
	runnerDone := make(chan struct{})
	go func() {
		defer close(runnerDone)
		runner.Start(ctx)
	}()

	serverCfg := api.ServerConfig{
		Port:           cfg.Port(),
		CatalogService: catalogSvc,
		Tokens:         repo,
		Runner:         runner,
		Rules:          ruleEngine,
		Alerts:         dispatcher.Alerts(),
		Dispatcher:     dispatcher,
		Learning:       learning,
		Stats:          stats,
		Search:         search.NewEngine(models.Embedder, index, cfg.CollectionPrefix(), logger),
		Doctor:         doctor,
		Logger:         logger,
		StartTime:      startTime,
		AgentID:        agentID,
	}
	apiServer := api.NewServer(serverCfg)

	go func() {
		if err := apiServer.Start(); err != nil {
			logger.Error("HTTP server error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig)

	logger.Info("initiating graceful shutdown")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown HTTP server", "error", err)
	}

	// Running jobs flush their last batch on cancel. The deferred closes
	// must wait for them.
	select {
	case <-runnerDone:
	case <-time.After(jobDrainTimeout):
		logger.Warn("jobs still running at shutdown, uncommitted results may be lost", "timeout", jobDrainTimeout)
	}

	logger.Info("shutdown complete")
	return nil
}

func openIndex(ctx context.Context, cfg config.Config, logger *slog.Logger) (*vectorindex.Service, error) {
	var backend vectorindex.Backend
	switch cfg.VectorBackend() {
	case "pgvector":
		pg, err := vectorindex.NewPgVectorBackend(ctx, cfg.PGDSN())
		if err != nil {
			return nil, fmt.Errorf("failed to connect vector store: %w", err)
		}
		backend = pg
	default:
		backend = vectorindex.NewMemoryBackend()
	}

	index, err := vectorindex.NewService(backend, cfg.VectorDim(), logger)
	if err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to initialize vector index: %w", err)
	}
	logger.Info("vector index ready", "backend", cfg.VectorBackend(), "dim", cfg.VectorDim())
	return index, nil
}

// loadModels starts the model worker and probes it once. Optional stages are
// wired only when the worker reports the model as loaded.
func loadModels(ctx context.Context, cfg config.Config, logger *slog.Logger) (*inference.Models, *inference.CachedDoctor, error) {
	workerCfg := inference.DefaultWorkerConfig(cfg.PipelinesModule(), logger)
	workerCfg.PythonPath = cfg.PipelinesPython()
	workerCfg.DoctorTimeout = cfg.PipelinesTimeoutDoctor()

	worker, err := inference.NewWorkerClient(workerCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to configure model worker: %w", err)
	}

	models := &inference.Models{Detector: worker, Embedder: worker}
	models.Own(worker)

	doctor := inference.NewCachedDoctor(worker, 0, logger)
	probeCtx, probeCancel := context.WithTimeout(ctx, cfg.PipelinesTimeoutDoctor())
	defer probeCancel()

	caps, err := doctor.Refresh(probeCtx)
	if err != nil {
		logger.Warn("initial model probe failed, optional stages disabled", "error", err)
	} else {
		if caps.Models.Dim != 0 && caps.Models.Dim != cfg.VectorDim() {
			models.Close()
			return nil, nil, fmt.Errorf("embedder dimension %d does not match configured %d", caps.Models.Dim, cfg.VectorDim())
		}
		if caps.HasIdentity() {
			models.Identity = worker
		}
		if caps.HasOCR() {
			models.Text = worker
		}
	}

	if cfg.DescriberURL() != "" {
		models.Describer = inference.NewHTTPDescriber(cfg.DescriberURL(), cfg.DescriberAPIKey(), cfg.DescriberModel(), logger)
	}

	logger.Info("models loaded",
		"identity", models.Identity != nil,
		"ocr", models.Text != nil,
		"describer", models.Describer != nil,
	)
	return models, doctor, nil
}

func openPublisher(ctx context.Context, cfg config.Config, logger *slog.Logger) actions.Publisher {
	if cfg.MQTTBroker() == "" {
		logger.Info("no MQTT broker configured, tool calls are logged only")
		return actions.NewLogPublisher(logger)
	}
	pub := actions.NewMQTTPublisher(cfg.MQTTBroker(), cfg.MQTTClientID(), logger)
	if err := pub.Connect(ctx); err != nil {
		logger.Warn("MQTT broker unreachable, retrying in background", "error", err)
	}
	return pub
}

func openLabeling(ctx context.Context, cfg config.Config, logger *slog.Logger) *activelearning.Queue {
	var sink activelearning.LabelingSink
	if cfg.MinioEndpoint() != "" {
		ms, err := activelearning.NewMinioSink(ctx, activelearning.MinioOptions{
			Endpoint:  cfg.MinioEndpoint(),
			AccessKey: cfg.MinioAccessKey(),
			SecretKey: cfg.MinioSecretKey(),
			Bucket:    cfg.MinioBucket(),
			UseSSL:    cfg.MinioUseSSL(),
		})
		if err != nil {
			logger.Warn("object store unavailable, writing labeling tasks to disk", "error", err)
		} else {
			sink = ms
		}
	}
	if sink == nil {
		ds, err := activelearning.NewDirSink(filepath.Clean(cfg.LabelDir()), activelearning.DefaultModelVersion)
		if err != nil {
			logger.Warn("active learning disabled", "error", err)
			return nil
		}
		sink = ds
	}
	return activelearning.NewQueue(sink, cfg.LabelQueueSize(), logger)
}

func ensureSecret(repo catalog.Repository, key string, size int) (string, error) {
	ctx := context.Background()

	existing, err := repo.GetConfig(ctx, key)
	if err == nil && existing != "" {
		return existing, nil
	}

	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	value := hex.EncodeToString(buf)

	if err := repo.SetConfig(ctx, key, value); err != nil {
		return "", err
	}
	return value, nil
}
