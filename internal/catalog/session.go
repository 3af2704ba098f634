package catalog

import (
	"context"
	"sync"
)

// Session buffers the rows of one analysis run and writes them to the
// repository on Commit. Rows stay pending when a commit fails, so a later
// commit retries them.
type Session struct {
	repo    Repository
	videoID string

	mu      sync.Mutex
	pending Batch
	written int
}

func NewSession(repo Repository, videoID string) *Session {
	return &Session{repo: repo, videoID: videoID}
}

func (s *Session) VideoID() string {
	return s.videoID
}

func (s *Session) AddDetection(d Detection) {
	d.VideoID = s.videoID
	s.mu.Lock()
	s.pending.Detections = append(s.pending.Detections, d)
	s.mu.Unlock()
}

func (s *Session) AddSummary(sum SceneSummary) {
	sum.VideoID = s.videoID
	s.mu.Lock()
	s.pending.Summaries = append(s.pending.Summaries, sum)
	s.mu.Unlock()
}

func (s *Session) AddText(t TextDetection) {
	t.VideoID = s.videoID
	s.mu.Lock()
	s.pending.Texts = append(s.pending.Texts, t)
	s.mu.Unlock()
}

// Commit writes all pending rows in one transaction.
func (s *Session) Commit(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pending.Len() == 0 {
		return nil
	}
	if err := s.repo.CommitBatch(ctx, &s.pending); err != nil {
		return err
	}
	s.written += len(s.pending.Detections)
	s.pending = Batch{}
	return nil
}

// Discard drops every uncommitted row.
func (s *Session) Discard() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.pending.Len()
	s.pending = Batch{}
	return n
}

// Pending returns the number of uncommitted rows.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// Committed returns the number of detection rows written so far.
func (s *Session) Committed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}
