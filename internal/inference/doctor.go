package inference

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/neuroops/neuroops-agent/internal/logging"
)

const defaultDoctorTTL = 5 * time.Minute

// Capabilities is what the model worker reports about its environment.
type Capabilities struct {
	PackageVersion string             `msgpack:"package_version" json:"package_version"`
	Python         PythonInfo         `msgpack:"python" json:"python"`
	Dependencies   map[string]DepInfo `msgpack:"dependencies" json:"dependencies"`
	GPU            GPUInfo            `msgpack:"gpu" json:"gpu"`
	Models         ModelsInfo         `msgpack:"models" json:"models"`

	ProbedAt time.Time `msgpack:"-" json:"probed_at"`
}

type PythonInfo struct {
	Version    string `msgpack:"version" json:"version"`
	Executable string `msgpack:"executable" json:"executable"`
}

type DepInfo struct {
	Available bool   `msgpack:"available" json:"available"`
	Version   string `msgpack:"version" json:"version,omitempty"`
	Error     string `msgpack:"error" json:"error,omitempty"`
}

type GPUInfo struct {
	CUDAAvailable bool   `msgpack:"cuda_available" json:"cuda_available"`
	DeviceCount   int    `msgpack:"device_count" json:"device_count,omitempty"`
	Error         string `msgpack:"error" json:"error,omitempty"`
}

// ModelsInfo reports which models the worker loaded.
type ModelsInfo struct {
	Detector string `msgpack:"detector" json:"detector,omitempty"`
	Embedder string `msgpack:"embedder" json:"embedder,omitempty"`
	Identity string `msgpack:"identity" json:"identity,omitempty"`
	OCR      string `msgpack:"ocr" json:"ocr,omitempty"`
	Dim      int    `msgpack:"dim" json:"dim,omitempty"`
}

// Ready reports whether the worker can run the mandatory stages.
func (c *Capabilities) Ready() bool {
	return c != nil && c.Models.Detector != "" && c.Models.Embedder != ""
}

// HasIdentity reports whether identity vectors are available.
func (c *Capabilities) HasIdentity() bool {
	return c != nil && c.Models.Identity != ""
}

// HasOCR reports whether text recognition is available.
func (c *Capabilities) HasOCR() bool {
	return c != nil && c.Models.OCR != ""
}

// Prober runs a capability probe.
type Prober interface {
	Doctor(ctx context.Context) (*Capabilities, error)
}

// CachedDoctor caches probe results for a TTL so status requests do not hit
// the worker every time.
type CachedDoctor struct {
	prober Prober
	ttl    time.Duration
	logger *slog.Logger

	mu     sync.RWMutex
	cached *Capabilities
}

func NewCachedDoctor(prober Prober, ttl time.Duration, logger *slog.Logger) *CachedDoctor {
	if ttl <= 0 {
		ttl = defaultDoctorTTL
	}
	return &CachedDoctor{
		prober: prober,
		ttl:    ttl,
		logger: logging.WithComponent(logging.OrDiscard(logger), "doctor"),
	}
}

// Get returns cached capabilities if fresh, otherwise re-probes.
func (d *CachedDoctor) Get(ctx context.Context) (*Capabilities, error) {
	d.mu.RLock()
	if d.cached != nil && time.Since(d.cached.ProbedAt) < d.ttl {
		caps := d.cached
		d.mu.RUnlock()
		return caps, nil
	}
	d.mu.RUnlock()

	return d.Refresh(ctx)
}

func (d *CachedDoctor) Peek() *Capabilities {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cached
}

// Refresh probes regardless of freshness. A failed probe falls back to the
// stale result when there is one.
func (d *CachedDoctor) Refresh(ctx context.Context) (*Capabilities, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	caps, err := d.prober.Doctor(ctx)
	if err != nil {
		d.logger.Warn("doctor probe failed", "error", err)
		if d.cached != nil {
			d.logger.Info("returning stale capabilities")
			return d.cached, nil
		}
		return nil, err
	}
	caps.ProbedAt = time.Now()
	d.cached = caps

	d.logger.Info("doctor probe complete",
		"detector", caps.Models.Detector,
		"embedder", caps.Models.Embedder,
		"identity", caps.HasIdentity(),
		"ocr", caps.HasOCR(),
		"cuda", caps.GPU.CUDAAvailable,
	)
	return caps, nil
}

func (d *CachedDoctor) Invalidate() {
	d.mu.Lock()
	d.cached = nil
	d.mu.Unlock()
}
