package vectorindex

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/neuroops/neuroops-agent/internal/logging"
)

const defaultMaxBatch = 256

// Service is the collection registry shared by every orchestrator. It is safe
// for concurrent use.
type Service struct {
	backend  Backend
	dim      int
	maxBatch int
	logger   *slog.Logger

	ensureGroup singleflight.Group

	mu      sync.Mutex
	ensured map[string]bool
	locks   map[string]*sync.RWMutex
}

// NewService creates a Service enforcing dimension dim on every collection.
func NewService(backend Backend, dim int, logger *slog.Logger) (*Service, error) {
	if backend == nil {
		return nil, fmt.Errorf("vectorindex: backend is required")
	}
	if dim <= 0 {
		return nil, fmt.Errorf("vectorindex: dimension must be positive, got %d", dim)
	}
	return &Service{
		backend:  backend,
		dim:      dim,
		maxBatch: defaultMaxBatch,
		logger:   logging.WithComponent(logging.OrDiscard(logger), "vectorindex"),
		ensured:  make(map[string]bool),
		locks:    make(map[string]*sync.RWMutex),
	}, nil
}

// Dimension returns the configured vector dimension.
func (s *Service) Dimension() int {
	return s.dim
}

// Backend returns the underlying storage backend.
func (s *Service) Backend() Backend {
	return s.backend
}

func (s *Service) lockFor(name string) *sync.RWMutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.RWMutex{}
		s.locks[name] = l
	}
	return l
}

func (s *Service) isEnsured(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ensured[name]
}

func (s *Service) setEnsured(name string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.ensured[name] = true
	} else {
		delete(s.ensured, name)
	}
}

// EnsureCollection creates the collection if absent, and recreates it
// (discarding its points) when its dimension differs from the configured one.
// Concurrent calls for the same name share one backend round-trip.
func (s *Service) EnsureCollection(ctx context.Context, name string) error {
	if s.isEnsured(name) {
		return nil
	}
	_, err, _ := s.ensureGroup.Do(name, func() (interface{}, error) {
		if s.isEnsured(name) {
			return nil, nil
		}
		if err := s.ensure(ctx, name); err != nil {
			return nil, err
		}
		s.setEnsured(name, true)
		return nil, nil
	})
	return err
}

func (s *Service) ensure(ctx context.Context, name string) error {
	dim, exists, err := s.backend.CollectionDimension(ctx, name)
	if err != nil {
		return fmt.Errorf("inspect collection %s: %w", name, err)
	}
	if exists && dim == s.dim {
		return nil
	}
	if exists {
		s.logger.Warn("collection dimension mismatch, recreating and discarding stored points",
			"collection", name,
			"expected", s.dim,
			"actual", dim,
		)
		lock := s.lockFor(name)
		lock.Lock()
		defer lock.Unlock()
		if err := s.backend.DeleteCollection(ctx, name); err != nil {
			return fmt.Errorf("delete collection %s: %w", name, err)
		}
	}
	if err := s.backend.CreateCollection(ctx, name, s.dim); err != nil {
		return fmt.Errorf("create collection %s: %w", name, err)
	}
	s.logger.Info("collection created", "collection", name, "dimension", s.dim)
	return nil
}

// Prepare validates every entry and assigns point ids. Nothing is written. A
// single mismatched vector rejects the whole batch.
func (s *Service) Prepare(entries []Entry) ([]Point, error) {
	points := make([]Point, len(entries))
	for i, e := range entries {
		if len(e.Vector) != s.dim {
			return nil, fmt.Errorf("%w: entry %d has %d values, collection dimension is %d",
				ErrDimensionMismatch, i, len(e.Vector), s.dim)
		}
		vec := make([]float32, len(e.Vector))
		copy(vec, e.Vector)
		points[i] = Point{ID: uuid.NewString(), Vector: vec, Payload: e.Payload}
	}
	return points, nil
}

// Write stores prepared points, chunking them into backend calls of at most
// maxBatch points.
func (s *Service) Write(ctx context.Context, name string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	if err := s.EnsureCollection(ctx, name); err != nil {
		return err
	}
	lock := s.lockFor(name)
	lock.RLock()
	defer lock.RUnlock()

	for start := 0; start < len(points); start += s.maxBatch {
		end := start + s.maxBatch
		if end > len(points) {
			end = len(points)
		}
		if err := s.backend.Upsert(ctx, name, points[start:end]); err != nil {
			return fmt.Errorf("upsert into %s: %w", name, err)
		}
	}
	return nil
}

// InsertBatch validates, assigns ids and writes entries. The returned ids are
// in entry order.
func (s *Service) InsertBatch(ctx context.Context, name string, entries []Entry) ([]string, error) {
	points, err := s.Prepare(entries)
	if err != nil {
		return nil, err
	}
	if err := s.Write(ctx, name, points); err != nil {
		return nil, err
	}
	return pointIDs(points), nil
}

// Search returns up to limit hits with score >= scoreThreshold, best first.
// A collection that does not exist yields no hits.
func (s *Service) Search(ctx context.Context, name string, query []float32, limit int, scoreThreshold float32) ([]Hit, error) {
	if len(query) != s.dim {
		return nil, fmt.Errorf("%w: query has %d values, collection dimension is %d",
			ErrDimensionMismatch, len(query), s.dim)
	}
	if limit <= 0 {
		limit = 10
	}
	lock := s.lockFor(name)
	lock.RLock()
	defer lock.RUnlock()

	// Reads never create or recreate a collection. A missing or stale one has
	// nothing to return.
	if !s.isEnsured(name) {
		dim, exists, err := s.backend.CollectionDimension(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("inspect collection %s: %w", name, err)
		}
		if !exists || dim != s.dim {
			return nil, nil
		}
	}

	hits, err := s.backend.Search(ctx, name, query, limit, scoreThreshold)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", name, err)
	}

	filtered := hits[:0]
	for _, h := range hits {
		if h.Score >= scoreThreshold {
			filtered = append(filtered, h)
		}
	}
	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Score > filtered[j].Score })
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

// Clear deletes and recreates the collection empty. It holds the collection's
// write lock, so inserts through this Service wait for it.
func (s *Service) Clear(ctx context.Context, name string) error {
	lock := s.lockFor(name)
	lock.Lock()
	defer lock.Unlock()

	s.setEnsured(name, false)
	if err := s.backend.DeleteCollection(ctx, name); err != nil {
		return fmt.Errorf("delete collection %s: %w", name, err)
	}
	if err := s.backend.CreateCollection(ctx, name, s.dim); err != nil {
		return fmt.Errorf("recreate collection %s: %w", name, err)
	}
	s.setEnsured(name, true)
	s.logger.Info("collection cleared", "collection", name)
	return nil
}

// Points returns up to limit stored points of a collection.
func (s *Service) Points(ctx context.Context, name string, limit int) ([]Point, error) {
	lock := s.lockFor(name)
	lock.RLock()
	defer lock.RUnlock()
	return s.backend.Points(ctx, name, limit)
}

// Close closes the backend.
func (s *Service) Close() error {
	return s.backend.Close()
}

func pointIDs(points []Point) []string {
	ids := make([]string, len(points))
	for i, p := range points {
		ids[i] = p.ID
	}
	return ids
}
