package activelearning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/neuroops/neuroops-agent/internal/vision"
)

const (
	jpegQuality         = 90
	DefaultModelVersion = "detector"
)

// LabelingSink receives uncertain samples. Upload returns a reference to the
// created task.
type LabelingSink interface {
	Upload(ctx context.Context, s Sample) (string, error)
}

// Task is a Label Studio import task with one pre-annotation.
type Task struct {
	Data        TaskData         `json:"data"`
	Predictions []TaskPrediction `json:"predictions"`
	Meta        TaskMeta         `json:"meta"`
}

type TaskData struct {
	Image string `json:"image"`
}

type TaskPrediction struct {
	ModelVersion string       `json:"model_version"`
	Score        float64      `json:"score"`
	Result       []TaskResult `json:"result"`
}

type TaskResult struct {
	FromName string    `json:"from_name"`
	ToName   string    `json:"to_name"`
	Type     string    `json:"type"`
	Value    RectValue `json:"value"`
}

// RectValue is a rectangle in percent of the image size.
type RectValue struct {
	X               float64  `json:"x"`
	Y               float64  `json:"y"`
	Width           float64  `json:"width"`
	Height          float64  `json:"height"`
	RectangleLabels []string `json:"rectanglelabels"`
}

type TaskMeta struct {
	VideoID    string  `json:"video_id"`
	FrameIndex int     `json:"frame_index"`
	Timestamp  float64 `json:"timestamp"`
	Entropy    float64 `json:"uncertainty"`
}

// BuildTask describes s as a Label Studio task whose image lives at imageRef.
func BuildTask(s Sample, imageRef, modelVersion string) Task {
	if modelVersion == "" {
		modelVersion = DefaultModelVersion
	}
	rect := RectValue{X: 0, Y: 0, Width: 100, Height: 100}
	if s.Image != nil {
		b := s.Image.Bounds()
		w, h := float64(b.Dx()), float64(b.Dy())
		if w > 0 && h > 0 && s.Box.Valid() {
			rect = RectValue{
				X:      s.Box.X1 / w * 100,
				Y:      s.Box.Y1 / h * 100,
				Width:  (s.Box.X2 - s.Box.X1) / w * 100,
				Height: (s.Box.Y2 - s.Box.Y1) / h * 100,
			}
		}
	}
	rect.RectangleLabels = []string{s.ClassName}

	return Task{
		Data: TaskData{Image: imageRef},
		Predictions: []TaskPrediction{{
			ModelVersion: modelVersion,
			Score:        s.Confidence,
			Result: []TaskResult{{
				FromName: "label",
				ToName:   "image",
				Type:     "rectanglelabels",
				Value:    rect,
			}},
		}},
		Meta: TaskMeta{
			VideoID:    s.VideoID,
			FrameIndex: s.FrameIndex,
			Timestamp:  s.Timestamp,
			Entropy:    s.Entropy,
		},
	}
}

func encodeSample(s Sample, imageRef, modelVersion string) (img, task []byte, err error) {
	if s.Image == nil {
		return nil, nil, fmt.Errorf("sample has no image")
	}
	img, err = vision.EncodeJPEG(s.Image, jpegQuality)
	if err != nil {
		return nil, nil, err
	}
	task, err = json.MarshalIndent(BuildTask(s, imageRef, modelVersion), "", "  ")
	if err != nil {
		return nil, nil, fmt.Errorf("encode task: %w", err)
	}
	return img, task, nil
}

// DirSink writes task_<id>.jpg and task_<id>.json into a local directory.
type DirSink struct {
	dir          string
	modelVersion string
}

func NewDirSink(dir, modelVersion string) (*DirSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create labeling dir: %w", err)
	}
	return &DirSink{dir: dir, modelVersion: modelVersion}, nil
}

func (d *DirSink) Upload(_ context.Context, s Sample) (string, error) {
	id := uuid.NewString()
	imagePath := filepath.Join(d.dir, "task_"+id+".jpg")
	img, task, err := encodeSample(s, imagePath, d.modelVersion)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(imagePath, img, 0644); err != nil {
		return "", fmt.Errorf("write task image: %w", err)
	}
	if err := os.WriteFile(filepath.Join(d.dir, "task_"+id+".json"), task, 0644); err != nil {
		return "", fmt.Errorf("write task: %w", err)
	}
	return id, nil
}

// MinioSink stores tasks in an S3-compatible bucket under prefix.
type MinioSink struct {
	client       *minio.Client
	bucket       string
	prefix       string
	modelVersion string
}

// MinioOptions configures NewMinioSink.
type MinioOptions struct {
	Endpoint     string
	AccessKey    string
	SecretKey    string
	Bucket       string
	UseSSL       bool
	Prefix       string
	ModelVersion string
}

// NewMinioSink connects to the object store and creates the bucket if needed.
func NewMinioSink(ctx context.Context, opts MinioOptions) (*MinioSink, error) {
	client, err := minio.New(opts.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(opts.AccessKey, opts.SecretKey, ""),
		Secure: opts.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	exists, err := client.BucketExists(ctx, opts.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", opts.Bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, opts.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", opts.Bucket, err)
		}
	}
	prefix := opts.Prefix
	if prefix == "" {
		prefix = "tasks"
	}
	return &MinioSink{client: client, bucket: opts.Bucket, prefix: prefix, modelVersion: opts.ModelVersion}, nil
}

func (m *MinioSink) Upload(ctx context.Context, s Sample) (string, error) {
	id := uuid.NewString()
	imageKey := path.Join(m.prefix, "task_"+id+".jpg")
	img, task, err := encodeSample(s, fmt.Sprintf("s3://%s/%s", m.bucket, imageKey), m.modelVersion)
	if err != nil {
		return "", err
	}
	if _, err := m.client.PutObject(ctx, m.bucket, imageKey, bytes.NewReader(img), int64(len(img)),
		minio.PutObjectOptions{ContentType: "image/jpeg"}); err != nil {
		return "", fmt.Errorf("put task image: %w", err)
	}
	taskKey := path.Join(m.prefix, "task_"+id+".json")
	if _, err := m.client.PutObject(ctx, m.bucket, taskKey, bytes.NewReader(task), int64(len(task)),
		minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return "", fmt.Errorf("put task: %w", err)
	}
	return id, nil
}
