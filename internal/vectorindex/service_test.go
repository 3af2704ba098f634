package vectorindex

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingBackend wraps MemoryBackend and records calls.
type countingBackend struct {
	*MemoryBackend
	creates atomic.Int32
	deletes atomic.Int32
	upserts atomic.Int32

	upsertGate chan struct{}
	upsertErr  error
	events     chan string
}

func newCountingBackend() *countingBackend {
	return &countingBackend{MemoryBackend: NewMemoryBackend()}
}

func (c *countingBackend) CreateCollection(ctx context.Context, name string, dim int) error {
	c.creates.Add(1)
	// widen the window in which concurrent ensures could race
	time.Sleep(5 * time.Millisecond)
	return c.MemoryBackend.CreateCollection(ctx, name, dim)
}

func (c *countingBackend) DeleteCollection(ctx context.Context, name string) error {
	c.deletes.Add(1)
	if c.events != nil {
		c.events <- "delete"
	}
	return c.MemoryBackend.DeleteCollection(ctx, name)
}

func (c *countingBackend) Upsert(ctx context.Context, name string, points []Point) error {
	c.upserts.Add(1)
	if c.upsertGate != nil {
		<-c.upsertGate
	}
	if c.events != nil {
		c.events <- "upsert"
	}
	if c.upsertErr != nil {
		return c.upsertErr
	}
	return c.MemoryBackend.Upsert(ctx, name, points)
}

func vec(vals ...float32) []float32 { return vals }

func TestCollectionName(t *testing.T) {
	assert.Equal(t, "neuroops_42", CollectionName("neuroops", "42"))
	assert.Equal(t, "neuroops_cam_1_identities", IdentityCollectionName("neuroops", "cam-1"))
}

func TestNewService_Validation(t *testing.T) {
	_, err := NewService(nil, 4, nil)
	require.Error(t, err)
	_, err = NewService(NewMemoryBackend(), 0, nil)
	require.Error(t, err)
}

func TestEnsureCollection_IdempotentUnderConcurrency(t *testing.T) {
	backend := newCountingBackend()
	svc, err := NewService(backend, 4, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 32)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- svc.EnsureCollection(context.Background(), "neuroops_v1")
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, int32(1), backend.creates.Load())
	dim, exists, err := backend.CollectionDimension(context.Background(), "neuroops_v1")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 4, dim)
}

func TestEnsureCollection_RecreatesOnDimensionMismatch(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryBackend()
	require.NoError(t, backend.CreateCollection(ctx, "c", 3))
	require.NoError(t, backend.Upsert(ctx, "c", []Point{{ID: "old", Vector: vec(1, 0, 0)}}))

	svc, err := NewService(backend, 4, nil)
	require.NoError(t, err)
	require.NoError(t, svc.EnsureCollection(ctx, "c"))

	dim, exists, err := backend.CollectionDimension(ctx, "c")
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, 4, dim)

	points, err := svc.Points(ctx, "c", 0)
	require.NoError(t, err)
	assert.Empty(t, points, "old points must be discarded")
}

func TestInsertBatch_RejectsWholeBatchOnMismatch(t *testing.T) {
	ctx := context.Background()
	backend := newCountingBackend()
	svc, err := NewService(backend, 3, nil)
	require.NoError(t, err)
	require.NoError(t, svc.EnsureCollection(ctx, "c"))

	ids, err := svc.InsertBatch(ctx, "c", []Entry{
		{Vector: vec(1, 0, 0)},
		{Vector: vec(1, 0)},
		{Vector: vec(0, 1, 0)},
	})
	require.ErrorIs(t, err, ErrDimensionMismatch)
	assert.Nil(t, ids)
	assert.Equal(t, int32(0), backend.upserts.Load())

	points, err := svc.Points(ctx, "c", 0)
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestInsertBatch_ChunksAndAssignsUniqueIDs(t *testing.T) {
	ctx := context.Background()
	backend := newCountingBackend()
	svc, err := NewService(backend, 2, nil)
	require.NoError(t, err)
	svc.maxBatch = 2

	entries := make([]Entry, 5)
	for i := range entries {
		entries[i] = Entry{Vector: vec(float32(i+1), 1), Payload: map[string]any{PayloadFrameIdx: i}}
	}
	ids, err := svc.InsertBatch(ctx, "c", entries)
	require.NoError(t, err)
	require.Len(t, ids, 5)

	seen := map[string]bool{}
	for _, id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Equal(t, int32(3), backend.upserts.Load())

	points, err := svc.Points(ctx, "c", 0)
	require.NoError(t, err)
	require.Len(t, points, 5)
	for i, p := range points {
		assert.Equal(t, ids[i], p.ID)
		assert.Equal(t, i, p.Payload[PayloadFrameIdx])
	}
}

func TestInsertBatch_CopiesVectors(t *testing.T) {
	ctx := context.Background()
	svc, err := NewService(NewMemoryBackend(), 2, nil)
	require.NoError(t, err)

	v := vec(1, 2)
	_, err = svc.InsertBatch(ctx, "c", []Entry{{Vector: v}})
	require.NoError(t, err)
	v[0] = 99

	points, err := svc.Points(ctx, "c", 0)
	require.NoError(t, err)
	assert.Equal(t, float32(1), points[0].Vector[0])
}

func TestSearch_OrderedAndThresholded(t *testing.T) {
	ctx := context.Background()
	svc, err := NewService(NewMemoryBackend(), 2, nil)
	require.NoError(t, err)

	payload := func(class string) map[string]any {
		return map[string]any{PayloadVideoID: "v", PayloadClassName: class}
	}
	_, err = svc.InsertBatch(ctx, "c", []Entry{
		{Vector: vec(0, 1), Payload: payload("orthogonal")},
		{Vector: vec(1, 0), Payload: payload("same")},
		{Vector: vec(1, 1), Payload: payload("diagonal")},
	})
	require.NoError(t, err)

	hits, err := svc.Search(ctx, "c", vec(1, 0), 10, 0.5)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "same", hits[0].Payload[PayloadClassName])
	assert.Equal(t, "diagonal", hits[1].Payload[PayloadClassName])
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.InDelta(t, 0.7071, hits[1].Score, 1e-3)

	hits, err = svc.Search(ctx, "c", vec(1, 0), 1, 0)
	require.NoError(t, err)
	assert.Len(t, hits, 1)

	_, err = svc.Search(ctx, "c", vec(1, 0, 0), 10, 0)
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestSearch_UnknownCollectionIsEmpty(t *testing.T) {
	ctx := context.Background()
	backend := newCountingBackend()
	svc, err := NewService(backend, 2, nil)
	require.NoError(t, err)

	hits, err := svc.Search(ctx, "never_written", vec(1, 0), 5, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	assert.Equal(t, int32(0), backend.creates.Load(), "search must not create collections")
	_, exists, err := backend.CollectionDimension(ctx, "never_written")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSearch_StaleDimensionCollectionLeftAlone(t *testing.T) {
	ctx := context.Background()
	backend := newCountingBackend()
	require.NoError(t, backend.MemoryBackend.CreateCollection(ctx, "c", 3))

	svc, err := NewService(backend, 2, nil)
	require.NoError(t, err)

	hits, err := svc.Search(ctx, "c", vec(1, 0), 5, 0)
	require.NoError(t, err)
	assert.Empty(t, hits)

	assert.Equal(t, int32(0), backend.deletes.Load())
	dim, exists, err := backend.CollectionDimension(ctx, "c")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, 3, dim)
}

func TestClear_EmptiesCollection(t *testing.T) {
	ctx := context.Background()
	svc, err := NewService(NewMemoryBackend(), 2, nil)
	require.NoError(t, err)

	_, err = svc.InsertBatch(ctx, "c", []Entry{{Vector: vec(1, 0)}, {Vector: vec(0, 1)}})
	require.NoError(t, err)
	require.NoError(t, svc.Clear(ctx, "c"))

	points, err := svc.Points(ctx, "c", 0)
	require.NoError(t, err)
	assert.Empty(t, points)

	_, err = svc.InsertBatch(ctx, "c", []Entry{{Vector: vec(1, 1)}})
	require.NoError(t, err)
}

func TestClear_WaitsForInFlightInsert(t *testing.T) {
	ctx := context.Background()
	backend := newCountingBackend()
	svc, err := NewService(backend, 2, nil)
	require.NoError(t, err)
	require.NoError(t, svc.EnsureCollection(ctx, "c"))

	backend.upsertGate = make(chan struct{})
	backend.events = make(chan string, 4)

	insertDone := make(chan error, 1)
	go func() {
		_, err := svc.InsertBatch(ctx, "c", []Entry{{Vector: vec(1, 0)}})
		insertDone <- err
	}()
	require.Eventually(t, func() bool { return backend.upserts.Load() == 1 }, time.Second, time.Millisecond)

	clearDone := make(chan error, 1)
	go func() { clearDone <- svc.Clear(ctx, "c") }()

	select {
	case <-clearDone:
		t.Fatal("Clear finished while an insert was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(backend.upsertGate)
	require.NoError(t, <-insertDone)
	require.NoError(t, <-clearDone)

	assert.Equal(t, "upsert", <-backend.events)
	assert.Equal(t, "delete", <-backend.events)

	points, err := svc.Points(ctx, "c", 0)
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestBatchWriter_AsyncWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	svc, err := NewService(NewMemoryBackend(), 2, nil)
	require.NoError(t, err)

	w := NewBatchWriter(svc, 2, nil)
	var all []string
	for i := 0; i < 5; i++ {
		ids, err := w.Submit(ctx, "c", []Entry{{Vector: vec(1, float32(i))}, {Vector: vec(0, 1)}})
		require.NoError(t, err)
		all = append(all, ids...)
	}
	cancel() // writes already submitted must still land
	require.NoError(t, w.Wait())

	points, err := svc.Points(context.Background(), "c", 0)
	require.NoError(t, err)
	assert.Len(t, points, len(all))
	assert.Equal(t, int64(10), w.Submitted())
	assert.Equal(t, int64(0), w.Failed())
}

func TestBatchWriter_FailuresCounted(t *testing.T) {
	backend := newCountingBackend()
	backend.upsertErr = errors.New("connection reset")
	svc, err := NewService(backend, 2, nil)
	require.NoError(t, err)

	w := NewBatchWriter(svc, 1, nil)
	ids, err := w.Submit(context.Background(), "c", []Entry{{Vector: vec(1, 0)}})
	require.NoError(t, err)
	assert.Len(t, ids, 1)

	assert.Error(t, w.Wait())
	assert.Equal(t, int64(1), w.Failed())

	_, err = w.Submit(context.Background(), "c", []Entry{{Vector: vec(1)}})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestCosineSimilarity_ZeroNorm(t *testing.T) {
	assert.Equal(t, float32(0), cosineSimilarity(vec(0, 0), vec(1, 0)))
	assert.InDelta(t, -1.0, cosineSimilarity(vec(1, 0), vec(-1, 0)), 1e-6)
}

func TestVectorLiteral(t *testing.T) {
	lit := toVectorLiteral(vec(0.5, -1, 2))
	assert.Equal(t, "[0.5,-1,2]", lit)

	back, err := parseVectorLiteral(lit)
	require.NoError(t, err)
	assert.Equal(t, vec(0.5, -1, 2), back)
}
