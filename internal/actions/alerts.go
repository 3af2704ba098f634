package actions

import (
	"sync"
	"time"
)

const DefaultAlertLogSize = 200

// Alert is one raised alert.
type Alert struct {
	RaisedAt  time.Time `json:"raised_at"`
	VideoID   string    `json:"video_id"`
	Rule      string    `json:"rule"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Frame     int       `json:"frame"`
	Timestamp float64   `json:"timestamp"`
}

// AlertLog keeps the most recent alerts in a fixed-size ring.
type AlertLog struct {
	mu    sync.Mutex
	buf   []Alert
	next  int
	full  bool
	total int64
}

func NewAlertLog(size int) *AlertLog {
	if size <= 0 {
		size = DefaultAlertLogSize
	}
	return &AlertLog{buf: make([]Alert, size)}
}

func (l *AlertLog) Add(a Alert) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf[l.next] = a
	l.next = (l.next + 1) % len(l.buf)
	if l.next == 0 {
		l.full = true
	}
	l.total++
}

// Recent returns up to n alerts, newest first. n <= 0 returns all kept alerts.
func (l *AlertLog) Recent(n int) []Alert {
	l.mu.Lock()
	defer l.mu.Unlock()
	count := l.next
	if l.full {
		count = len(l.buf)
	}
	if n <= 0 || n > count {
		n = count
	}
	out := make([]Alert, 0, n)
	for i := 0; i < n; i++ {
		idx := (l.next - 1 - i + len(l.buf)) % len(l.buf)
		out = append(out, l.buf[idx])
	}
	return out
}

// Total is the number of alerts ever added.
func (l *AlertLog) Total() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
