package activelearning

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neuroops/neuroops-agent/internal/vision"
)

func TestEntropy(t *testing.T) {
	assert.InDelta(t, 1.0, Entropy(0.5), 1e-12)

	for _, p := range []float64{0.1, 0.25, 0.3, 0.42} {
		assert.InDelta(t, Entropy(p), Entropy(1-p), 1e-12, "p=%v", p)
		assert.Less(t, Entropy(p), Entropy(0.5))
	}

	for _, p := range []float64{0, 1, -3, 7} {
		h := Entropy(p)
		assert.False(t, math.IsNaN(h) || math.IsInf(h, 0), "p=%v", p)
		assert.Greater(t, h, 0.0)
		assert.Less(t, h, 1e-4)
	}
}

func TestIsUncertain(t *testing.T) {
	tests := []struct {
		c    float64
		want bool
	}{
		{0.29, false},
		{0.3, true},
		{0.45, true},
		{0.6, true},
		{0.61, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, IsUncertain(tt.c, 0.3, 0.6), "c=%v", tt.c)
	}
}

type fakeSink struct {
	uploads atomic.Int32
	err     error
}

func (f *fakeSink) Upload(ctx context.Context, s Sample) (string, error) {
	f.uploads.Add(1)
	if f.err != nil {
		return "", f.err
	}
	return "task", nil
}

func testSample() Sample {
	img := image.NewRGBA(image.Rect(0, 0, 200, 100))
	frame := vision.Frame{Index: 15, Timestamp: 0.5, Image: img}
	return NewSample("vid-1", frame, vision.RawDetection{
		ClassName:  "person",
		Confidence: 0.4,
		Box:        vision.BBox{X1: 20, Y1: 10, X2: 120, Y2: 60},
	})
}

func TestQueue_DropsWhenFull(t *testing.T) {
	q := NewQueue(&fakeSink{}, 2, nil)

	assert.True(t, q.Offer(testSample()))
	assert.True(t, q.Offer(testSample()))
	assert.False(t, q.Offer(testSample()))

	stats := q.Stats()
	assert.Equal(t, int64(3), stats.Offered)
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, 2, stats.Pending)
}

func TestQueue_WorkerUploads(t *testing.T) {
	sink := &fakeSink{}
	q := NewQueue(sink, 8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	for i := 0; i < 3; i++ {
		require.True(t, q.Offer(testSample()))
	}
	require.Eventually(t, func() bool { return q.Stats().Uploaded == 3 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), sink.uploads.Load())
}

func TestQueue_FailuresCountedOnly(t *testing.T) {
	sink := &fakeSink{err: errors.New("label server down")}
	q := NewQueue(sink, 8, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Run(ctx)

	q.Offer(testSample())
	q.Offer(testSample())
	require.Eventually(t, func() bool { return q.Stats().Failed == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), q.Stats().Uploaded)
}

func TestQueue_StopRejectsOffers(t *testing.T) {
	q := NewQueue(&fakeSink{}, 4, nil)
	done := make(chan struct{})
	go func() {
		q.Run(context.Background())
		close(done)
	}()
	q.Stop()
	q.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
	assert.False(t, q.Offer(testSample()))
}

func TestDirSink_WritesImageAndTask(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewDirSink(dir, "yolo-test")
	require.NoError(t, err)

	id, err := sink.Upload(context.Background(), testSample())
	require.NoError(t, err)

	imgPath := filepath.Join(dir, "task_"+id+".jpg")
	info, err := os.Stat(imgPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	data, err := os.ReadFile(filepath.Join(dir, "task_"+id+".json"))
	require.NoError(t, err)

	var task Task
	require.NoError(t, json.Unmarshal(data, &task))
	assert.Equal(t, imgPath, task.Data.Image)
	require.Len(t, task.Predictions, 1)
	pred := task.Predictions[0]
	assert.Equal(t, "yolo-test", pred.ModelVersion)
	assert.Equal(t, 0.4, pred.Score)
	require.Len(t, pred.Result, 1)
	assert.Equal(t, "rectanglelabels", pred.Result[0].Type)
	assert.Equal(t, []string{"person"}, pred.Result[0].Value.RectangleLabels)
	assert.InDelta(t, 10.0, pred.Result[0].Value.X, 1e-9)
	assert.InDelta(t, 50.0, pred.Result[0].Value.Width, 1e-9)
	assert.InDelta(t, 50.0, pred.Result[0].Value.Height, 1e-9)
	assert.Equal(t, "vid-1", task.Meta.VideoID)

	assert.True(t, strings.Contains(string(data), `"from_name": "label"`))
}

func TestDirSink_RejectsMissingImage(t *testing.T) {
	sink, err := NewDirSink(t.TempDir(), "")
	require.NoError(t, err)
	s := testSample()
	s.Image = nil
	_, err = sink.Upload(context.Background(), s)
	assert.Error(t, err)
}
