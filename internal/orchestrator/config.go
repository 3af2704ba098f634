package orchestrator

import (
	"github.com/neuroops/neuroops-agent/internal/config"
)

// Config controls sampling and cadence of one run.
type Config struct {
	// FrameSkip processes frames whose index is a multiple of it.
	FrameSkip           int
	ConfidenceThreshold float64
	// OCRInterval runs text recognition every N processed frames; 0 disables it.
	OCRInterval int
	// CommitInterval commits pending rows every N processed frames.
	CommitInterval int
	UncertainLow   float64
	UncertainHigh  float64
	Zone           string
	IdentityClass  string
	// CollectionPrefix names the per-video vector collections.
	CollectionPrefix string
}

func DefaultConfig() Config {
	return Config{
		FrameSkip:           config.DefaultFrameSkip,
		ConfidenceThreshold: config.DefaultConfidenceThreshold,
		OCRInterval:         config.DefaultOCRInterval,
		CommitInterval:      config.DefaultCommitInterval,
		UncertainLow:        config.DefaultUncertainLow,
		UncertainHigh:       config.DefaultUncertainHigh,
		Zone:                config.DefaultZone,
		IdentityClass:       config.DefaultIdentityClass,
		CollectionPrefix:    config.DefaultCollectionPrefix,
	}
}

// FromConfig reads the pipeline settings out of the application config.
func FromConfig(cfg config.Config) Config {
	return Config{
		FrameSkip:           cfg.FrameSkip(),
		ConfidenceThreshold: cfg.ConfidenceThreshold(),
		OCRInterval:         cfg.OCRInterval(),
		CommitInterval:      cfg.CommitInterval(),
		UncertainLow:        cfg.UncertainLow(),
		UncertainHigh:       cfg.UncertainHigh(),
		Zone:                cfg.Zone(),
		IdentityClass:       cfg.IdentityClass(),
		CollectionPrefix:    cfg.CollectionPrefix(),
	}
}

func (c Config) withDefaults() Config {
	if c.FrameSkip < 1 {
		c.FrameSkip = 1
	}
	if c.CommitInterval < 1 {
		c.CommitInterval = 1
	}
	if c.OCRInterval < 0 {
		c.OCRInterval = 0
	}
	if c.Zone == "" {
		c.Zone = config.DefaultZone
	}
	if c.CollectionPrefix == "" {
		c.CollectionPrefix = config.DefaultCollectionPrefix
	}
	return c
}
