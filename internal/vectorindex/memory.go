package vectorindex

import (
	"context"
	"math"
	"sort"
	"sync"
)

type memCollection struct {
	dim    int
	points map[string]Point
	order  []string
}

// MemoryBackend keeps collections in process memory. Vectors are copied on
// the way in and out.
type MemoryBackend struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{collections: make(map[string]*memCollection)}
}

func (m *MemoryBackend) CollectionDimension(_ context.Context, name string) (int, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return 0, false, nil
	}
	return c.dim, true, nil
}

func (m *MemoryBackend) CreateCollection(_ context.Context, name string, dim int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[name]; ok {
		return nil
	}
	m.collections[name] = &memCollection{dim: dim, points: make(map[string]Point)}
	return nil
}

func (m *MemoryBackend) DeleteCollection(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections, name)
	return nil
}

func (m *MemoryBackend) Upsert(_ context.Context, name string, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.collections[name]
	if !ok {
		return ErrCollectionNotFound
	}
	for _, p := range points {
		if len(p.Vector) != c.dim {
			return ErrDimensionMismatch
		}
	}
	for _, p := range points {
		if _, exists := c.points[p.ID]; !exists {
			c.order = append(c.order, p.ID)
		}
		c.points[p.ID] = Point{ID: p.ID, Vector: copyVector(p.Vector), Payload: copyPayload(p.Payload)}
	}
	return nil
}

func (m *MemoryBackend) Search(_ context.Context, name string, query []float32, limit int, scoreThreshold float32) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return nil, ErrCollectionNotFound
	}

	hits := make([]Hit, 0, len(c.points))
	for _, id := range c.order {
		p := c.points[id]
		score := cosineSimilarity(query, p.Vector)
		if score < scoreThreshold {
			continue
		}
		hits = append(hits, Hit{ID: p.ID, Score: score, Payload: copyPayload(p.Payload)})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

func (m *MemoryBackend) Points(_ context.Context, name string, limit int) ([]Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.collections[name]
	if !ok {
		return nil, ErrCollectionNotFound
	}
	out := make([]Point, 0, len(c.order))
	for _, id := range c.order {
		if limit > 0 && len(out) >= limit {
			break
		}
		p := c.points[id]
		out = append(out, Point{ID: p.ID, Vector: copyVector(p.Vector), Payload: copyPayload(p.Payload)})
	}
	return out, nil
}

func (m *MemoryBackend) Close() error {
	return nil
}

// cosineSimilarity returns 0 when either vector has zero norm.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func copyVector(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

func copyPayload(p map[string]any) map[string]any {
	if p == nil {
		return nil
	}
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
