// Package config provides configuration management for the NeuroOps agent.
// Configuration is built from defaults, an optional YAML file and environment
// variables, applied in that order.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// Default values
	DefaultPort     = 8787
	DefaultLogLevel = "info"
	DefaultDataDir  = ".neuroops"

	// Database filename
	DBFilename = "neuroops.db"
	// Rules filename inside the data directory when no path is configured
	RulesFilename = "rules.json"

	// Pipeline defaults
	DefaultFrameSkip           = 5
	DefaultConfidenceThreshold = 0.5
	DefaultOCRInterval         = 6
	DefaultCommitInterval      = 6
	DefaultZone                = "default"
	DefaultUncertainLow        = 0.3
	DefaultUncertainHigh       = 0.6
	DefaultLabelQueueSize      = 64

	// Vector index defaults
	DefaultVectorDim        = 512
	DefaultVectorBackend    = "memory"
	DefaultCollectionPrefix = "neuroops"
	DefaultIdentityClass    = "person"
	DefaultAsyncInFlight    = 4

	// Model worker defaults
	DefaultPipelinesModule        = "neuroops_models"
	DefaultPipelinesTimeoutDoctor = 30 // seconds

	// Actions defaults
	DefaultDescriberModel = "llava"
	DefaultDescriberRate  = 0.5 // requests per second
	DefaultMQTTClientID   = "neuroops-agent"
	DefaultMinioBucket    = "neuroops-labeling"

	// Runner defaults
	DefaultMaxConcurrentJobs = 2
	DefaultRulesReloadDelay  = 500 * time.Millisecond

	// Environment variable names
	EnvConfigFile = "NEUROOPS_CONFIG"
	EnvPort       = "NEUROOPS_PORT"
	EnvLogLevel   = "NEUROOPS_LOG_LEVEL"
	EnvDataDir    = "NEUROOPS_DATA_DIR"
	EnvRulesPath  = "NEUROOPS_RULES_PATH"

	EnvFrameSkip           = "NEUROOPS_FRAME_SKIP"
	EnvConfidenceThreshold = "NEUROOPS_CONFIDENCE_THRESHOLD"
	EnvOCRInterval         = "NEUROOPS_OCR_INTERVAL"
	EnvCommitInterval      = "NEUROOPS_COMMIT_INTERVAL"
	EnvZone                = "NEUROOPS_ZONE"
	EnvUncertainLow        = "NEUROOPS_UNCERTAIN_LOW"
	EnvUncertainHigh       = "NEUROOPS_UNCERTAIN_HIGH"

	EnvVectorDim         = "NEUROOPS_VECTOR_DIM"
	EnvVectorBackend     = "NEUROOPS_VECTOR_BACKEND"
	EnvPGDSN             = "NEUROOPS_PG_DSN"
	EnvCollectionPrefix  = "NEUROOPS_COLLECTION_PREFIX"
	EnvIdentityClass     = "NEUROOPS_IDENTITY_CLASS"
	EnvAsyncVectorWrites = "NEUROOPS_ASYNC_VECTOR_WRITES"

	EnvLabelDir       = "NEUROOPS_LABEL_DIR"
	EnvMinioEndpoint  = "NEUROOPS_MINIO_ENDPOINT"
	EnvMinioAccessKey = "NEUROOPS_MINIO_ACCESS_KEY"
	EnvMinioSecretKey = "NEUROOPS_MINIO_SECRET_KEY"
	EnvMinioBucket    = "NEUROOPS_MINIO_BUCKET"
	EnvMinioUseSSL    = "NEUROOPS_MINIO_USE_SSL"

	EnvMQTTBroker   = "NEUROOPS_MQTT_BROKER"
	EnvMQTTClientID = "NEUROOPS_MQTT_CLIENT_ID"

	EnvDescriberURL    = "NEUROOPS_DESCRIBER_URL"
	EnvDescriberModel  = "NEUROOPS_DESCRIBER_MODEL"
	EnvDescriberAPIKey = "NEUROOPS_DESCRIBER_API_KEY"
	EnvDescriberRate   = "NEUROOPS_DESCRIBER_RATE"

	EnvPipelinesPython = "NEUROOPS_PIPELINES_PYTHON"
	EnvPipelinesModule = "NEUROOPS_PIPELINES_MODULE"

	EnvMaxConcurrentJobs = "NEUROOPS_MAX_CONCURRENT_JOBS"
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	RulesPath() string

	FrameSkip() int
	ConfidenceThreshold() float64
	OCRInterval() int
	CommitInterval() int
	Zone() string
	UncertainLow() float64
	UncertainHigh() float64
	LabelQueueSize() int

	VectorDim() int
	VectorBackend() string
	PGDSN() string
	CollectionPrefix() string
	IdentityClass() string
	AsyncVectorWrites() bool

	LabelDir() string
	MinioEndpoint() string
	MinioAccessKey() string
	MinioSecretKey() string
	MinioBucket() string
	MinioUseSSL() bool

	MQTTBroker() string
	MQTTClientID() string

	DescriberURL() string
	DescriberModel() string
	DescriberAPIKey() string
	DescriberRate() float64

	PipelinesPython() string
	PipelinesModule() string
	PipelinesTimeoutDoctor() time.Duration

	MaxConcurrentJobs() int
	RulesReloadDelay() time.Duration
}

// settings is the YAML file layout. Keys absent from the file keep their
// defaults.
type settings struct {
	Port      int    `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	DataDir   string `yaml:"data_dir"`
	RulesPath string `yaml:"rules_path"`

	Pipeline struct {
		FrameSkip           int     `yaml:"frame_skip"`
		ConfidenceThreshold float64 `yaml:"confidence_threshold"`
		OCRInterval         int     `yaml:"ocr_interval"`
		CommitInterval      int     `yaml:"commit_interval"`
		Zone                string  `yaml:"zone"`
		UncertainLow        float64 `yaml:"uncertain_low"`
		UncertainHigh       float64 `yaml:"uncertain_high"`
		LabelQueueSize      int     `yaml:"label_queue_size"`
		MaxConcurrentJobs   int     `yaml:"max_concurrent_jobs"`
	} `yaml:"pipeline"`

	Vector struct {
		Dim              int    `yaml:"dim"`
		Backend          string `yaml:"backend"`
		PGDSN            string `yaml:"pg_dsn"`
		CollectionPrefix string `yaml:"collection_prefix"`
		IdentityClass    string `yaml:"identity_class"`
		AsyncWrites      bool   `yaml:"async_writes"`
	} `yaml:"vector"`

	Labeling struct {
		Dir            string `yaml:"dir"`
		MinioEndpoint  string `yaml:"minio_endpoint"`
		MinioAccessKey string `yaml:"minio_access_key"`
		MinioSecretKey string `yaml:"minio_secret_key"`
		MinioBucket    string `yaml:"minio_bucket"`
		MinioUseSSL    bool   `yaml:"minio_use_ssl"`
	} `yaml:"labeling"`

	MQTT struct {
		Broker   string `yaml:"broker"`
		ClientID string `yaml:"client_id"`
	} `yaml:"mqtt"`

	Describer struct {
		URL    string  `yaml:"url"`
		Model  string  `yaml:"model"`
		APIKey string  `yaml:"api_key"`
		Rate   float64 `yaml:"rate"`
	} `yaml:"describer"`

	Pipelines struct {
		Python string `yaml:"python"`
		Module string `yaml:"module"`
	} `yaml:"pipelines"`
}

// EnvConfig reads configuration from an optional YAML file and environment
// variables
type EnvConfig struct {
	s settings
}

func defaults() settings {
	var s settings
	s.Port = DefaultPort
	s.LogLevel = DefaultLogLevel
	s.DataDir = defaultDataDir()

	s.Pipeline.FrameSkip = DefaultFrameSkip
	s.Pipeline.ConfidenceThreshold = DefaultConfidenceThreshold
	s.Pipeline.OCRInterval = DefaultOCRInterval
	s.Pipeline.CommitInterval = DefaultCommitInterval
	s.Pipeline.Zone = DefaultZone
	s.Pipeline.UncertainLow = DefaultUncertainLow
	s.Pipeline.UncertainHigh = DefaultUncertainHigh
	s.Pipeline.LabelQueueSize = DefaultLabelQueueSize
	s.Pipeline.MaxConcurrentJobs = DefaultMaxConcurrentJobs

	s.Vector.Dim = DefaultVectorDim
	s.Vector.Backend = DefaultVectorBackend
	s.Vector.CollectionPrefix = DefaultCollectionPrefix
	s.Vector.IdentityClass = DefaultIdentityClass

	s.Labeling.MinioBucket = DefaultMinioBucket
	s.MQTT.ClientID = DefaultMQTTClientID
	s.Describer.Model = DefaultDescriberModel
	s.Describer.Rate = DefaultDescriberRate
	s.Pipelines.Module = DefaultPipelinesModule
	return s
}

// New creates a new EnvConfig with defaults, the optional YAML file named by
// NEUROOPS_CONFIG, and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{s: defaults()}

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *EnvConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &c.s); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *EnvConfig) applyEnv() error {
	s := &c.s

	if err := envInt(EnvPort, &s.Port); err != nil {
		return err
	}
	envString(EnvLogLevel, &s.LogLevel)
	envString(EnvDataDir, &s.DataDir)
	envString(EnvRulesPath, &s.RulesPath)

	for name, dst := range map[string]*int{
		EnvFrameSkip:         &s.Pipeline.FrameSkip,
		EnvOCRInterval:       &s.Pipeline.OCRInterval,
		EnvCommitInterval:    &s.Pipeline.CommitInterval,
		EnvVectorDim:         &s.Vector.Dim,
		EnvMaxConcurrentJobs: &s.Pipeline.MaxConcurrentJobs,
	} {
		if err := envInt(name, dst); err != nil {
			return err
		}
	}

	for name, dst := range map[string]*float64{
		EnvConfidenceThreshold: &s.Pipeline.ConfidenceThreshold,
		EnvUncertainLow:        &s.Pipeline.UncertainLow,
		EnvUncertainHigh:       &s.Pipeline.UncertainHigh,
		EnvDescriberRate:       &s.Describer.Rate,
	} {
		if err := envFloat(name, dst); err != nil {
			return err
		}
	}

	for name, dst := range map[string]*bool{
		EnvAsyncVectorWrites: &s.Vector.AsyncWrites,
		EnvMinioUseSSL:       &s.Labeling.MinioUseSSL,
	} {
		if err := envBool(name, dst); err != nil {
			return err
		}
	}

	envString(EnvZone, &s.Pipeline.Zone)
	envString(EnvVectorBackend, &s.Vector.Backend)
	envString(EnvPGDSN, &s.Vector.PGDSN)
	envString(EnvCollectionPrefix, &s.Vector.CollectionPrefix)
	envString(EnvIdentityClass, &s.Vector.IdentityClass)
	envString(EnvLabelDir, &s.Labeling.Dir)
	envString(EnvMinioEndpoint, &s.Labeling.MinioEndpoint)
	envString(EnvMinioAccessKey, &s.Labeling.MinioAccessKey)
	envString(EnvMinioSecretKey, &s.Labeling.MinioSecretKey)
	envString(EnvMinioBucket, &s.Labeling.MinioBucket)
	envString(EnvMQTTBroker, &s.MQTT.Broker)
	envString(EnvMQTTClientID, &s.MQTT.ClientID)
	envString(EnvDescriberURL, &s.Describer.URL)
	envString(EnvDescriberModel, &s.Describer.Model)
	envString(EnvDescriberAPIKey, &s.Describer.APIKey)
	envString(EnvPipelinesPython, &s.Pipelines.Python)
	envString(EnvPipelinesModule, &s.Pipelines.Module)
	return nil
}

func (c *EnvConfig) validate() error {
	s := c.s
	if s.Port < 1 || s.Port > 65535 {
		return fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
	}
	if s.Pipeline.FrameSkip < 1 {
		return fmt.Errorf("invalid %s: must be at least 1", EnvFrameSkip)
	}
	if s.Pipeline.CommitInterval < 1 {
		return fmt.Errorf("invalid %s: must be at least 1", EnvCommitInterval)
	}
	if s.Pipeline.OCRInterval < 0 {
		return fmt.Errorf("invalid %s: must not be negative", EnvOCRInterval)
	}
	if s.Pipeline.ConfidenceThreshold < 0 || s.Pipeline.ConfidenceThreshold > 1 {
		return fmt.Errorf("invalid %s: must be within [0,1]", EnvConfidenceThreshold)
	}
	if s.Pipeline.UncertainLow > s.Pipeline.UncertainHigh {
		return fmt.Errorf("invalid uncertainty band: low %.2f > high %.2f",
			s.Pipeline.UncertainLow, s.Pipeline.UncertainHigh)
	}
	if s.Vector.Dim < 1 {
		return fmt.Errorf("invalid %s: must be positive", EnvVectorDim)
	}
	switch s.Vector.Backend {
	case "memory":
	case "pgvector":
		if s.Vector.PGDSN == "" {
			return fmt.Errorf("%s is required for the pgvector backend", EnvPGDSN)
		}
	default:
		return fmt.Errorf("invalid %s: %q (want memory or pgvector)", EnvVectorBackend, s.Vector.Backend)
	}
	if s.Pipeline.MaxConcurrentJobs < 1 {
		return fmt.Errorf("invalid %s: must be at least 1", EnvMaxConcurrentJobs)
	}
	return nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = n
	return nil
}

func envFloat(name string, dst *float64) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = f
	return nil
}

func envBool(name string, dst *bool) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = b
	return nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.s.Port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.s.LogLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.s.DataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.s.DataDir, DBFilename)
}

// RulesPath returns the rule document path
func (c *EnvConfig) RulesPath() string {
	if c.s.RulesPath != "" {
		return c.s.RulesPath
	}
	return filepath.Join(c.s.DataDir, RulesFilename)
}

func (c *EnvConfig) FrameSkip() int               { return c.s.Pipeline.FrameSkip }
func (c *EnvConfig) ConfidenceThreshold() float64 { return c.s.Pipeline.ConfidenceThreshold }
func (c *EnvConfig) OCRInterval() int             { return c.s.Pipeline.OCRInterval }
func (c *EnvConfig) CommitInterval() int          { return c.s.Pipeline.CommitInterval }
func (c *EnvConfig) Zone() string                 { return c.s.Pipeline.Zone }
func (c *EnvConfig) UncertainLow() float64        { return c.s.Pipeline.UncertainLow }
func (c *EnvConfig) UncertainHigh() float64       { return c.s.Pipeline.UncertainHigh }
func (c *EnvConfig) LabelQueueSize() int          { return c.s.Pipeline.LabelQueueSize }

func (c *EnvConfig) VectorDim() int           { return c.s.Vector.Dim }
func (c *EnvConfig) VectorBackend() string    { return c.s.Vector.Backend }
func (c *EnvConfig) PGDSN() string            { return c.s.Vector.PGDSN }
func (c *EnvConfig) CollectionPrefix() string { return c.s.Vector.CollectionPrefix }
func (c *EnvConfig) IdentityClass() string    { return c.s.Vector.IdentityClass }
func (c *EnvConfig) AsyncVectorWrites() bool  { return c.s.Vector.AsyncWrites }

// LabelDir returns the directory labeling tasks are written to
func (c *EnvConfig) LabelDir() string {
	if c.s.Labeling.Dir != "" {
		return c.s.Labeling.Dir
	}
	return filepath.Join(c.s.DataDir, "labeling")
}

func (c *EnvConfig) MinioEndpoint() string  { return c.s.Labeling.MinioEndpoint }
func (c *EnvConfig) MinioAccessKey() string { return c.s.Labeling.MinioAccessKey }
func (c *EnvConfig) MinioSecretKey() string { return c.s.Labeling.MinioSecretKey }
func (c *EnvConfig) MinioBucket() string    { return c.s.Labeling.MinioBucket }
func (c *EnvConfig) MinioUseSSL() bool      { return c.s.Labeling.MinioUseSSL }

func (c *EnvConfig) MQTTBroker() string   { return c.s.MQTT.Broker }
func (c *EnvConfig) MQTTClientID() string { return c.s.MQTT.ClientID }

func (c *EnvConfig) DescriberURL() string    { return c.s.Describer.URL }
func (c *EnvConfig) DescriberModel() string  { return c.s.Describer.Model }
func (c *EnvConfig) DescriberAPIKey() string { return c.s.Describer.APIKey }
func (c *EnvConfig) DescriberRate() float64  { return c.s.Describer.Rate }

func (c *EnvConfig) PipelinesPython() string {
	return c.s.Pipelines.Python
}

func (c *EnvConfig) PipelinesModule() string {
	if c.s.Pipelines.Module != "" {
		return c.s.Pipelines.Module
	}
	return DefaultPipelinesModule
}

func (c *EnvConfig) PipelinesTimeoutDoctor() time.Duration {
	return time.Duration(DefaultPipelinesTimeoutDoctor) * time.Second
}

func (c *EnvConfig) MaxConcurrentJobs() int { return c.s.Pipeline.MaxConcurrentJobs }

// RulesReloadDelay is how long the rule engine waits after a file change
// before reloading, letting editors finish writing.
func (c *EnvConfig) RulesReloadDelay() time.Duration {
	return DefaultRulesReloadDelay
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
