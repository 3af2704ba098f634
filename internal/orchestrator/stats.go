package orchestrator

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/neuroops/neuroops-agent/internal/vision"
)

// FrameStats describes the most recent processed frame of a video.
type FrameStats struct {
	Frame      int               `json:"frame"`
	Timestamp  float64           `json:"timestamp"`
	Detections int               `json:"detections"`
	Classes    []string          `json:"classes"`
	Details    []DetectionDetail `json:"details"`
}

type DetectionDetail struct {
	Class      string      `json:"class"`
	Confidence float64     `json:"confidence"`
	Box        vision.BBox `json:"box"`
}

func newFrameStats(frame vision.Frame, dets []vision.RawDetection) FrameStats {
	s := FrameStats{
		Frame:      frame.Index,
		Timestamp:  frame.Timestamp,
		Detections: len(dets),
		Classes:    []string{},
		Details:    make([]DetectionDetail, 0, len(dets)),
	}
	seen := make(map[string]bool, len(dets))
	for _, d := range dets {
		if !seen[d.ClassName] {
			seen[d.ClassName] = true
			s.Classes = append(s.Classes, d.ClassName)
		}
		s.Details = append(s.Details, DetectionDetail{Class: d.ClassName, Confidence: d.Confidence, Box: d.Box})
	}
	sort.Strings(s.Classes)
	return s
}

// StatsUpdate is one published snapshot.
type StatsUpdate struct {
	VideoID string     `json:"video_id"`
	Stats   FrameStats `json:"stats"`
}

// StatsBoard keeps the latest snapshot per video and fans updates out to
// subscribers. Publishing never blocks; a subscriber that falls behind loses
// updates.
type StatsBoard struct {
	mu     sync.RWMutex
	latest map[string]FrameStats
	subs   map[int]chan StatsUpdate
	nextID int

	published atomic.Uint64
	dropped   atomic.Uint64
}

func NewStatsBoard() *StatsBoard {
	return &StatsBoard{
		latest: make(map[string]FrameStats),
		subs:   make(map[int]chan StatsUpdate),
	}
}

func (b *StatsBoard) Publish(videoID string, s FrameStats) {
	// Sends happen under the lock so an unsubscribe cannot close a channel
	// mid-send.
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest[videoID] = s
	b.published.Add(1)

	u := StatsUpdate{VideoID: videoID, Stats: s}
	for _, ch := range b.subs {
		select {
		case ch <- u:
		default:
			b.dropped.Add(1)
		}
	}
}

// Latest returns the last snapshot published for videoID.
func (b *StatsBoard) Latest(videoID string) (FrameStats, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	s, ok := b.latest[videoID]
	return s, ok
}

// Subscribe returns a channel of updates and a function that unsubscribes and
// closes it.
func (b *StatsBoard) Subscribe(buffer int) (<-chan StatsUpdate, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan StatsUpdate, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Dropped is the number of updates subscribers missed.
func (b *StatsBoard) Dropped() uint64 {
	return b.dropped.Load()
}
