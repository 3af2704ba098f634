package catalog

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/neuroops/neuroops-agent/internal/db"
	"github.com/neuroops/neuroops-agent/internal/vision"
)

func setupTestDB(t *testing.T) (*db.DB, Repository) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	database, err := db.New(dbPath, nil)
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}

	repo := NewRepository(database.Conn())
	return database, repo
}

func writeVideoFile(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("not really a video"), 0644); err != nil {
		t.Fatalf("write video file: %v", err)
	}
	return path
}

func TestService_RegisterVideo(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()

	svc := NewService(repo, nil)
	path := writeVideoFile(t, "lobby.mp4")

	video, err := svc.RegisterVideo(context.Background(), path)
	if err != nil {
		t.Fatalf("RegisterVideo() error = %v", err)
	}

	if video.ID == "" {
		t.Error("video.ID is empty")
	}
	if video.Filename != "lobby.mp4" {
		t.Errorf("video.Filename = %s, want lobby.mp4", video.Filename)
	}
	if video.Status != VideoStatusRegistered {
		t.Errorf("video.Status = %s, want %s", video.Status, VideoStatusRegistered)
	}
	if len(video.Fingerprint) != 64 {
		t.Errorf("fingerprint length = %d, want 64", len(video.Fingerprint))
	}

	again, err := svc.RegisterVideo(context.Background(), path)
	if err != nil {
		t.Fatalf("second RegisterVideo() error = %v", err)
	}
	if again.ID != video.ID {
		t.Errorf("re-register returned id %s, want %s", again.ID, video.ID)
	}
}

func TestService_RegisterVideo_Rejects(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()

	svc := NewService(repo, nil)

	if _, err := svc.RegisterVideo(context.Background(), "/nonexistent/clip.mp4"); err == nil {
		t.Error("RegisterVideo() should return error for nonexistent path")
	}
	if _, err := svc.RegisterVideo(context.Background(), t.TempDir()); err == nil {
		t.Error("RegisterVideo() should return error for a directory")
	}
	_, err := svc.RegisterVideo(context.Background(), writeVideoFile(t, "notes.txt"))
	if !errors.Is(err, ErrNotVideoFile) {
		t.Errorf("RegisterVideo(notes.txt) error = %v, want ErrNotVideoFile", err)
	}
}

func TestService_RequestAnalysis(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()

	svc := NewService(repo, nil)
	ctx := context.Background()

	if _, err := svc.RequestAnalysis(ctx, "missing"); !errors.Is(err, ErrVideoNotFound) {
		t.Errorf("RequestAnalysis(missing) error = %v, want ErrVideoNotFound", err)
	}

	video, err := svc.RegisterVideo(ctx, writeVideoFile(t, "dock.mkv"))
	if err != nil {
		t.Fatalf("RegisterVideo() error = %v", err)
	}

	job, err := svc.RequestAnalysis(ctx, video.ID)
	if err != nil {
		t.Fatalf("RequestAnalysis() error = %v", err)
	}
	if job.Type != JobTypeAnalyze || job.Status != JobStatusPending || job.VideoID != video.ID {
		t.Errorf("job = %+v", job)
	}

	dup, err := svc.RequestAnalysis(ctx, video.ID)
	if !errors.Is(err, ErrJobActive) {
		t.Fatalf("second RequestAnalysis() error = %v, want ErrJobActive", err)
	}
	if dup.ID != job.ID {
		t.Errorf("active job id = %s, want %s", dup.ID, job.ID)
	}
}

func TestSession_CommitAndDiscard(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()

	svc := NewService(repo, nil)
	ctx := context.Background()

	video, err := svc.RegisterVideo(ctx, writeVideoFile(t, "yard.mp4"))
	if err != nil {
		t.Fatalf("RegisterVideo() error = %v", err)
	}

	sess := svc.NewSession(video.ID)
	sess.AddDetection(Detection{FrameIndex: 0, Timestamp: 0, ClassName: "person", Confidence: 0.9,
		BBox: vision.BBox{X1: 1, Y1: 1, X2: 5, Y2: 5}, EmbeddingID: "p-1"})
	sess.AddDetection(Detection{FrameIndex: 5, Timestamp: 0.2, ClassName: "car", Confidence: 0.4,
		BBox: vision.BBox{X1: 2, Y1: 2, X2: 8, Y2: 8}})
	sess.AddSummary(SceneSummary{Timestamp: 0.2, Content: "A person walks past a car.", Prompt: "Describe this."})
	sess.AddText(TextDetection{FrameIndex: 5, Timestamp: 0.2, Text: "EXIT", Confidence: 0.8,
		BBox: vision.BBox{X1: 0, Y1: 0, X2: 3, Y2: 1}})

	if err := sess.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	if sess.Pending() != 0 || sess.Committed() != 2 {
		t.Errorf("after commit pending=%d committed=%d", sess.Pending(), sess.Committed())
	}

	sess.AddDetection(Detection{FrameIndex: 10, ClassName: "person", Confidence: 0.7,
		BBox: vision.BBox{X1: 1, Y1: 1, X2: 2, Y2: 2}})
	if n := sess.Discard(); n != 1 {
		t.Errorf("Discard() = %d, want 1", n)
	}

	dets, err := svc.Detections(ctx, video.ID, DetectionFilter{})
	if err != nil {
		t.Fatalf("Detections() error = %v", err)
	}
	if len(dets) != 2 {
		t.Fatalf("detections = %d, want 2", len(dets))
	}
	if dets[0].EmbeddingID != "p-1" || dets[1].EmbeddingID != "" {
		t.Errorf("embedding ids = %q, %q", dets[0].EmbeddingID, dets[1].EmbeddingID)
	}
	if dets[1].BBox != (vision.BBox{X1: 2, Y1: 2, X2: 8, Y2: 8}) {
		t.Errorf("bbox = %+v", dets[1].BBox)
	}

	filtered, err := svc.Detections(ctx, video.ID, DetectionFilter{ClassName: "car"})
	if err != nil {
		t.Fatalf("Detections(car) error = %v", err)
	}
	if len(filtered) != 1 {
		t.Errorf("car detections = %d, want 1", len(filtered))
	}

	sums, _ := svc.Summaries(ctx, video.ID)
	texts, _ := svc.Texts(ctx, video.ID)
	if len(sums) != 1 || len(texts) != 1 || texts[0].Text != "EXIT" {
		t.Errorf("summaries=%d texts=%d", len(sums), len(texts))
	}
}

type failingRepo struct {
	Repository
	fail bool
}

func (f *failingRepo) CommitBatch(ctx context.Context, b *Batch) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.Repository.CommitBatch(ctx, b)
}

func TestSession_FailedCommitKeepsRows(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()

	ctx := context.Background()
	video, err := NewService(repo, nil).RegisterVideo(ctx, writeVideoFile(t, "gate.mp4"))
	if err != nil {
		t.Fatalf("RegisterVideo() error = %v", err)
	}

	fr := &failingRepo{Repository: repo, fail: true}
	sess := NewSession(fr, video.ID)
	sess.AddDetection(Detection{ClassName: "person", Confidence: 0.9, BBox: vision.BBox{X1: 0, Y1: 0, X2: 1, Y2: 1}})

	if err := sess.Commit(ctx); err == nil {
		t.Fatal("Commit() should fail")
	}
	if sess.Pending() != 1 {
		t.Errorf("pending after failed commit = %d, want 1", sess.Pending())
	}

	fr.fail = false
	if err := sess.Commit(ctx); err != nil {
		t.Fatalf("retry Commit() error = %v", err)
	}
	if n, _ := repo.CountDetections(ctx, video.ID); n != 1 {
		t.Errorf("stored detections = %d, want 1", n)
	}
}

func TestService_AnalyticsAndReset(t *testing.T) {
	database, repo := setupTestDB(t)
	defer database.Close()

	svc := NewService(repo, nil)
	ctx := context.Background()
	video, err := svc.RegisterVideo(ctx, writeVideoFile(t, "hall.mov"))
	if err != nil {
		t.Fatalf("RegisterVideo() error = %v", err)
	}

	sess := svc.NewSession(video.ID)
	box := vision.BBox{X1: 0, Y1: 0, X2: 1, Y2: 1}
	for i, ts := range []float64{0.5, 3, 12, 14, 25} {
		class := "person"
		if i == 2 {
			class = "dog"
		}
		sess.AddDetection(Detection{FrameIndex: i * 5, Timestamp: ts, ClassName: class, Confidence: 0.9, BBox: box})
	}
	if err := sess.Commit(ctx); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	a, err := svc.Analytics(ctx, video.ID, 10)
	if err != nil {
		t.Fatalf("Analytics() error = %v", err)
	}
	if a.TotalDetections != 5 {
		t.Errorf("TotalDetections = %d, want 5", a.TotalDetections)
	}
	if len(a.Classes) != 2 || a.Classes[0].ClassName != "person" || a.Classes[0].Count != 4 {
		t.Errorf("Classes = %+v", a.Classes)
	}
	want := []BucketCount{{Start: 0, Count: 2}, {Start: 10, Count: 2}, {Start: 20, Count: 1}}
	if len(a.Timeline) != len(want) {
		t.Fatalf("Timeline = %+v, want %+v", a.Timeline, want)
	}
	for i := range want {
		if a.Timeline[i] != want[i] {
			t.Errorf("Timeline[%d] = %+v, want %+v", i, a.Timeline[i], want[i])
		}
	}

	if err := svc.ResetResults(ctx, video.ID); err != nil {
		t.Fatalf("ResetResults() error = %v", err)
	}
	a, _ = svc.Analytics(ctx, video.ID, 0)
	if a.TotalDetections != 0 || len(a.Timeline) != 0 || a.BucketSeconds != DefaultBucketSeconds {
		t.Errorf("after reset = %+v", a)
	}
}

func TestIsVideoFile(t *testing.T) {
	tests := map[string]bool{
		"clip.mp4":  true,
		"CLIP.MOV":  true,
		"a.b.webm":  true,
		"notes.txt": false,
		"noext":     false,
	}
	for name, want := range tests {
		if got := IsVideoFile(name); got != want {
			t.Errorf("IsVideoFile(%q) = %v, want %v", name, got, want)
		}
	}
}
