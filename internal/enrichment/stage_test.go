package enrichment

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuroops/neuroops-agent/internal/vectorindex"
	"github.com/neuroops/neuroops-agent/internal/vision"
)

const testDim = 4

type fakeEmbedder struct {
	calls atomic.Int32
	fn    func(img image.Image) ([]float32, error)
}

func (f *fakeEmbedder) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(img)
	}
	return []float32{1, 0, 0, 0}, nil
}

func (f *fakeEmbedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0, 0}, nil
}

type fakeIdentity struct {
	calls atomic.Int32
	err   error
}

func (f *fakeIdentity) Extract(ctx context.Context, img image.Image) ([]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0, 1, 0, 0}, nil
}

type upsertCounter struct {
	*vectorindex.MemoryBackend
	mu      sync.Mutex
	upserts map[string]int
}

func (u *upsertCounter) Upsert(ctx context.Context, name string, points []vectorindex.Point) error {
	u.mu.Lock()
	u.upserts[name]++
	u.mu.Unlock()
	return u.MemoryBackend.Upsert(ctx, name, points)
}

func newIndex(t *testing.T) (*vectorindex.Service, *upsertCounter) {
	t.Helper()
	backend := &upsertCounter{MemoryBackend: vectorindex.NewMemoryBackend(), upserts: map[string]int{}}
	svc, err := vectorindex.NewService(backend, testDim, nil)
	require.NoError(t, err)
	return svc, backend
}

func testFrame() vision.Frame {
	return vision.Frame{Index: 10, Timestamp: 0.4, Image: image.NewRGBA(image.Rect(0, 0, 100, 100))}
}

var testConfig = Config{
	ConfidenceThreshold: 0.5,
	IdentityClass:       "person",
	Collection:          "neuroops_v1",
	IdentityCollection:  "neuroops_v1_identities",
}

func TestEnrich_OneBatchPerFrame(t *testing.T) {
	svc, backend := newIndex(t)
	emb := &fakeEmbedder{}
	stage := NewStage(emb, nil, svc, nil, nil)

	dets := []vision.RawDetection{
		{ClassName: "car", Confidence: 0.9, Box: vision.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}},
		{ClassName: "car", Confidence: 0.3, Box: vision.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}},
		{ClassName: "truck", Confidence: 0.5, Box: vision.BBox{X1: 20, Y1: 20, X2: 40, Y2: 40}},
	}
	res := stage.Enrich(context.Background(), "v1", testFrame(), dets, testConfig)

	require.Len(t, res.PointIDs, 3)
	assert.NotEmpty(t, res.PointIDs[0])
	assert.Empty(t, res.PointIDs[1], "below threshold keeps a null id")
	assert.NotEmpty(t, res.PointIDs[2])
	assert.NotEqual(t, res.PointIDs[0], res.PointIDs[2])
	assert.Equal(t, 2, res.Embedded)
	assert.Equal(t, int32(2), emb.calls.Load())
	assert.Equal(t, 1, backend.upserts["neuroops_v1"])

	points, err := svc.Points(context.Background(), "neuroops_v1", 10)
	require.NoError(t, err)
	require.Len(t, points, 2)
	p := points[0].Payload
	assert.Equal(t, "v1", p[vectorindex.PayloadVideoID])
	assert.Equal(t, 10, p[vectorindex.PayloadFrameIdx])
	assert.Equal(t, "car", p[vectorindex.PayloadClassName])
	assert.Equal(t, 0.9, p[vectorindex.PayloadConfidence])
	assert.Equal(t, 0.4, p[vectorindex.PayloadTimestamp])
}

func TestEnrich_WrongLengthDropped(t *testing.T) {
	svc, _ := newIndex(t)
	n := 0
	emb := &fakeEmbedder{fn: func(image.Image) ([]float32, error) {
		n++
		if n == 1 {
			return []float32{1, 2, 3}, nil
		}
		return []float32{0, 0, 1, 0}, nil
	}}
	stage := NewStage(emb, nil, svc, nil, nil)

	dets := []vision.RawDetection{
		{ClassName: "car", Confidence: 0.9, Box: vision.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}},
		{ClassName: "car", Confidence: 0.9, Box: vision.BBox{X1: 10, Y1: 10, X2: 30, Y2: 30}},
	}
	res := stage.Enrich(context.Background(), "v1", testFrame(), dets, testConfig)

	assert.Empty(t, res.PointIDs[0])
	assert.NotEmpty(t, res.PointIDs[1])
	assert.Equal(t, 1, res.Failed)

	points, err := svc.Points(context.Background(), "neuroops_v1", 10)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Len(t, points[0].Vector, testDim)
}

func TestEnrich_EmbedderFailureIsolated(t *testing.T) {
	svc, _ := newIndex(t)
	n := 0
	emb := &fakeEmbedder{fn: func(image.Image) ([]float32, error) {
		n++
		if n == 2 {
			return nil, errors.New("cuda oom")
		}
		return []float32{1, 1, 0, 0}, nil
	}}
	stage := NewStage(emb, nil, svc, nil, nil)

	box := vision.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}
	dets := []vision.RawDetection{
		{ClassName: "a", Confidence: 0.9, Box: box},
		{ClassName: "b", Confidence: 0.9, Box: box},
		{ClassName: "c", Confidence: 0.9, Box: box},
	}
	res := stage.Enrich(context.Background(), "v1", testFrame(), dets, testConfig)
	assert.NotEmpty(t, res.PointIDs[0])
	assert.Empty(t, res.PointIDs[1])
	assert.NotEmpty(t, res.PointIDs[2])
}

func TestEnrich_IdentityForPersonOnly(t *testing.T) {
	svc, backend := newIndex(t)
	ident := &fakeIdentity{}
	stage := NewStage(&fakeEmbedder{}, ident, svc, nil, nil)

	box := vision.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}
	dets := []vision.RawDetection{
		{ClassName: "person", Confidence: 0.8, Box: box},
		{ClassName: "person", Confidence: 0.7, Box: box},
		{ClassName: "car", Confidence: 0.9, Box: box},
		{ClassName: "person", Confidence: 0.2, Box: box},
	}
	stage.Enrich(context.Background(), "v1", testFrame(), dets, testConfig)

	assert.Equal(t, int32(2), ident.calls.Load())
	assert.Equal(t, 2, backend.upserts["neuroops_v1_identities"], "identity vectors are inserted individually")
	assert.Equal(t, 1, backend.upserts["neuroops_v1"])

	ids, err := svc.Points(context.Background(), "neuroops_v1_identities", 10)
	require.NoError(t, err)
	assert.Len(t, ids, 2)
}

func TestEnrich_IdentityFailureKeepsPrimary(t *testing.T) {
	svc, _ := newIndex(t)
	stage := NewStage(&fakeEmbedder{}, &fakeIdentity{err: errors.New("reid down")}, svc, nil, nil)

	dets := []vision.RawDetection{{ClassName: "person", Confidence: 0.8, Box: vision.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}}}
	res := stage.Enrich(context.Background(), "v1", testFrame(), dets, testConfig)
	assert.NotEmpty(t, res.PointIDs[0])
}

func TestEnrich_AsyncWriter(t *testing.T) {
	svc, _ := newIndex(t)
	writer := vectorindex.NewBatchWriter(svc, 2, nil)
	stage := NewStage(&fakeEmbedder{}, nil, svc, writer, nil)

	box := vision.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}
	var all []string
	for i := 0; i < 3; i++ {
		f := testFrame()
		f.Index = i * 5
		res := stage.Enrich(context.Background(), "v1", f, []vision.RawDetection{
			{ClassName: "car", Confidence: 0.9, Box: box},
		}, testConfig)
		require.NotEmpty(t, res.PointIDs[0], "ids are assigned before the write completes")
		all = append(all, res.PointIDs[0])
	}
	require.NoError(t, writer.Wait())

	points, err := svc.Points(context.Background(), "neuroops_v1", 10)
	require.NoError(t, err)
	got := make([]string, 0, len(points))
	for _, p := range points {
		got = append(got, p.ID)
	}
	assert.ElementsMatch(t, all, got)
}

func TestEnrich_NothingQualifies(t *testing.T) {
	svc, backend := newIndex(t)
	stage := NewStage(&fakeEmbedder{}, nil, svc, nil, nil)
	res := stage.Enrich(context.Background(), "v1", testFrame(), []vision.RawDetection{
		{ClassName: "car", Confidence: 0.1, Box: vision.BBox{X1: 0, Y1: 0, X2: 10, Y2: 10}},
	}, testConfig)
	assert.Equal(t, 0, res.Embedded)
	assert.Zero(t, backend.upserts["neuroops_v1"])
}
