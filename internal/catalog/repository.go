package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/neuroops/neuroops-agent/internal/vision"
)

type Repository interface {
	CreateVideo(ctx context.Context, video *Video) error
	GetVideo(ctx context.Context, id string) (*Video, error)
	GetVideoByPath(ctx context.Context, path string) (*Video, error)
	ListVideos(ctx context.Context) ([]*Video, error)
	UpdateVideoStatus(ctx context.Context, id, status string) error
	UpdateVideoMeta(ctx context.Context, id string, frameCount int, fps float64) error

	CommitBatch(ctx context.Context, batch *Batch) error
	DeleteVideoResults(ctx context.Context, videoID string) error
	ListDetections(ctx context.Context, videoID string, filter DetectionFilter) ([]*Detection, error)
	CountDetections(ctx context.Context, videoID string) (int, error)
	ClassCounts(ctx context.Context, videoID string) ([]ClassCount, error)
	TimelineCounts(ctx context.Context, videoID string, bucketSeconds float64) ([]BucketCount, error)
	ListSummaries(ctx context.Context, videoID string) ([]*SceneSummary, error)
	ListTextDetections(ctx context.Context, videoID string) ([]*TextDetection, error)

	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, limit int) ([]*Job, error)
	ListPendingJobs(ctx context.Context) ([]*Job, error)
	GetActiveJobForVideo(ctx context.Context, videoID string) (*Job, error)
	UpdateJobStatus(ctx context.Context, id, status, errorMsg string) error
	UpdateJobProgress(ctx context.Context, id string, progress int) error

	GetConfig(ctx context.Context, key string) (string, error)
	SetConfig(ctx context.Context, key, value string) error
}

type SQLiteRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const videoColumns = `id, path, filename, size, fingerprint, status, frame_count, fps, created_at, updated_at`

func (r *SQLiteRepository) CreateVideo(ctx context.Context, v *Video) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO videos (`+videoColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, v.ID, v.Path, v.Filename, v.Size, v.Fingerprint, v.Status, v.FrameCount, v.FPS,
		v.CreatedAt.Format(time.RFC3339), v.UpdatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) GetVideo(ctx context.Context, id string) (*Video, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE id = ?`, id)
	return scanVideo(row)
}

func (r *SQLiteRepository) GetVideoByPath(ctx context.Context, path string) (*Video, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM videos WHERE path = ?`, path)
	return scanVideo(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVideo(row rowScanner) (*Video, error) {
	var v Video
	var createdAt, updatedAt string

	err := row.Scan(&v.ID, &v.Path, &v.Filename, &v.Size, &v.Fingerprint, &v.Status,
		&v.FrameCount, &v.FPS, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	v.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	v.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &v, nil
}

func (r *SQLiteRepository) ListVideos(ctx context.Context) ([]*Video, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+videoColumns+` FROM videos ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var videos []*Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

func (r *SQLiteRepository) UpdateVideoStatus(ctx context.Context, id, status string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE videos SET status = ?, updated_at = ? WHERE id = ?
	`, status, time.Now().Format(time.RFC3339), id)
	return err
}

func (r *SQLiteRepository) UpdateVideoMeta(ctx context.Context, id string, frameCount int, fps float64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE videos SET frame_count = ?, fps = ?, updated_at = ? WHERE id = ?
	`, frameCount, fps, time.Now().Format(time.RFC3339), id)
	return err
}

// CommitBatch writes every row of the batch in one transaction. Either all of
// them land or none do.
func (r *SQLiteRepository) CommitBatch(ctx context.Context, b *Batch) error {
	if b.Len() == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().Format(time.RFC3339)

	if len(b.Detections) > 0 {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO detections (video_id, frame_index, timestamp, class_name, confidence, x1, y1, x2, y2, embedding_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`)
		if err != nil {
			return fmt.Errorf("prepare detections: %w", err)
		}
		defer stmt.Close()
		for _, d := range b.Detections {
			if _, err := stmt.ExecContext(ctx, d.VideoID, d.FrameIndex, d.Timestamp, d.ClassName, d.Confidence,
				d.BBox.X1, d.BBox.Y1, d.BBox.X2, d.BBox.Y2, nullString(d.EmbeddingID), now); err != nil {
				return fmt.Errorf("insert detection: %w", err)
			}
		}
	}

	for _, s := range b.Summaries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO scene_summaries (video_id, timestamp, content, prompt, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, s.VideoID, s.Timestamp, s.Content, s.Prompt, now); err != nil {
			return fmt.Errorf("insert summary: %w", err)
		}
	}

	for _, t := range b.Texts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO text_detections (video_id, frame_index, timestamp, text, confidence, x1, y1, x2, y2, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, t.VideoID, t.FrameIndex, t.Timestamp, t.Text, t.Confidence,
			t.BBox.X1, t.BBox.Y1, t.BBox.X2, t.BBox.Y2, now); err != nil {
			return fmt.Errorf("insert text detection: %w", err)
		}
	}

	return tx.Commit()
}

func (r *SQLiteRepository) DeleteVideoResults(ctx context.Context, videoID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, table := range []string{"detections", "scene_summaries", "text_detections"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE video_id = ?", videoID); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}
	return tx.Commit()
}

func (r *SQLiteRepository) ListDetections(ctx context.Context, videoID string, f DetectionFilter) ([]*Detection, error) {
	var (
		where = []string{"video_id = ?"}
		args  = []any{videoID}
	)
	if f.ClassName != "" {
		where = append(where, "class_name = ?")
		args = append(args, f.ClassName)
	}
	if f.MinFrame > 0 {
		where = append(where, "frame_index >= ?")
		args = append(args, f.MinFrame)
	}
	if f.MaxFrame > 0 {
		where = append(where, "frame_index <= ?")
		args = append(args, f.MaxFrame)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 500
	}
	args = append(args, limit, f.Offset)

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, video_id, frame_index, timestamp, class_name, confidence, x1, y1, x2, y2, embedding_id, created_at
		FROM detections WHERE `+strings.Join(where, " AND ")+`
		ORDER BY frame_index ASC, id ASC LIMIT ? OFFSET ?
	`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Detection
	for rows.Next() {
		var d Detection
		var embeddingID sql.NullString
		var createdAt string
		if err := rows.Scan(&d.ID, &d.VideoID, &d.FrameIndex, &d.Timestamp, &d.ClassName, &d.Confidence,
			&d.BBox.X1, &d.BBox.Y1, &d.BBox.X2, &d.BBox.Y2, &embeddingID, &createdAt); err != nil {
			return nil, err
		}
		d.EmbeddingID = embeddingID.String
		d.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, &d)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) CountDetections(ctx context.Context, videoID string) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM detections WHERE video_id = ?", videoID).Scan(&count)
	return count, err
}

func (r *SQLiteRepository) ClassCounts(ctx context.Context, videoID string) ([]ClassCount, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT class_name, COUNT(*) AS n FROM detections WHERE video_id = ?
		GROUP BY class_name ORDER BY n DESC, class_name ASC
	`, videoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ClassCount
	for rows.Next() {
		var c ClassCount
		if err := rows.Scan(&c.ClassName, &c.Count); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) TimelineCounts(ctx context.Context, videoID string, bucketSeconds float64) ([]BucketCount, error) {
	if bucketSeconds <= 0 {
		return nil, fmt.Errorf("bucket size must be positive")
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT CAST(timestamp / ? AS INTEGER) AS bucket, COUNT(*) FROM detections
		WHERE video_id = ? GROUP BY bucket ORDER BY bucket ASC
	`, bucketSeconds, videoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []BucketCount
	for rows.Next() {
		var bucket int64
		var c BucketCount
		if err := rows.Scan(&bucket, &c.Count); err != nil {
			return nil, err
		}
		c.Start = float64(bucket) * bucketSeconds
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) ListSummaries(ctx context.Context, videoID string) ([]*SceneSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, video_id, timestamp, content, prompt, created_at
		FROM scene_summaries WHERE video_id = ? ORDER BY timestamp ASC, id ASC
	`, videoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SceneSummary
	for rows.Next() {
		var s SceneSummary
		var createdAt string
		if err := rows.Scan(&s.ID, &s.VideoID, &s.Timestamp, &s.Content, &s.Prompt, &createdAt); err != nil {
			return nil, err
		}
		s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, &s)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) ListTextDetections(ctx context.Context, videoID string) ([]*TextDetection, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, video_id, frame_index, timestamp, text, confidence, x1, y1, x2, y2, created_at
		FROM text_detections WHERE video_id = ? ORDER BY frame_index ASC, id ASC
	`, videoID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TextDetection
	for rows.Next() {
		var t TextDetection
		var createdAt string
		var box vision.BBox
		if err := rows.Scan(&t.ID, &t.VideoID, &t.FrameIndex, &t.Timestamp, &t.Text, &t.Confidence,
			&box.X1, &box.Y1, &box.X2, &box.Y2, &createdAt); err != nil {
			return nil, err
		}
		t.BBox = box
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, &t)
	}
	return out, rows.Err()
}

const jobColumns = `id, type, status, video_id, progress, error, created_at, updated_at`

func (r *SQLiteRepository) CreateJob(ctx context.Context, j *Job) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, j.ID, j.Type, j.Status, nullString(j.VideoID), j.Progress, nullString(j.Error),
		j.CreatedAt.Format(time.RFC3339), j.UpdatedAt.Format(time.RFC3339))
	return err
}

func (r *SQLiteRepository) GetJob(ctx context.Context, id string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

func (r *SQLiteRepository) GetActiveJobForVideo(ctx context.Context, videoID string) (*Job, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE video_id = ? AND status IN ('pending', 'running')
		ORDER BY created_at DESC LIMIT 1
	`, videoID)
	return scanJob(row)
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var videoID, errMsg sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&j.ID, &j.Type, &j.Status, &videoID, &j.Progress, &errMsg, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	j.VideoID = videoID.String
	j.Error = errMsg.String
	j.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &j, nil
}

func (r *SQLiteRepository) ListJobs(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

func (r *SQLiteRepository) ListPendingJobs(ctx context.Context) ([]*Job, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE status = 'pending' ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanJobs(rows)
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (r *SQLiteRepository) UpdateJobStatus(ctx context.Context, id, status, errorMsg string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET status = ?, error = ?, updated_at = ? WHERE id = ?
	`, status, nullString(errorMsg), time.Now().Format(time.RFC3339), id)
	return err
}

func (r *SQLiteRepository) UpdateJobProgress(ctx context.Context, id string, progress int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET progress = ?, updated_at = ? WHERE id = ?
	`, progress, time.Now().Format(time.RFC3339), id)
	return err
}

func (r *SQLiteRepository) GetConfig(ctx context.Context, key string) (string, error) {
	var value string
	err := r.db.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}

func (r *SQLiteRepository) SetConfig(ctx context.Context, key, value string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO config (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	return err
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
