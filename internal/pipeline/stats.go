package pipeline

import (
	"sync"
	"time"
)

const latencyWindow = 100

// Stats counts Process outcomes across the life of the process. Counters only
// grow until Reset. Latencies of the last 100 successful runs feed the
// average.
type Stats struct {
	mu        sync.Mutex
	total     int64
	success   int64
	noFace    int64
	errors    int64
	latencies [latencyWindow]time.Duration
	next      int
	filled    int
}

type StatsSnapshot struct {
	Total           int64   `json:"total_processed"`
	Success         int64   `json:"successful"`
	NoFace          int64   `json:"no_face_detected"`
	Errors          int64   `json:"errors"`
	SuccessRate     float64 `json:"success_rate"`
	AvgProcessingMS float64 `json:"avg_processing_time_ms"`
}

func NewStats() *Stats { return &Stats{} }

func (s *Stats) record(outcome string, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	switch outcome {
	case outcomeSuccess:
		s.success++
		s.latencies[s.next] = elapsed
		s.next = (s.next + 1) % latencyWindow
		s.filled = min(s.filled+1, latencyWindow)
	case outcomeNoFace:
		s.noFace++
	default:
		s.errors++
	}
}

func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := StatsSnapshot{
		Total:   s.total,
		Success: s.success,
		NoFace:  s.noFace,
		Errors:  s.errors,
	}
	if s.total > 0 {
		snap.SuccessRate = float64(s.success) / float64(s.total)
	}
	if s.filled > 0 {
		var sum time.Duration
		for _, d := range s.latencies[:s.filled] {
			sum += d
		}
		snap.AvgProcessingMS = float64(sum.Microseconds()) / 1000 / float64(s.filled)
	}
	return snap
}

func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total, s.success, s.noFace, s.errors = 0, 0, 0, 0
	s.latencies = [latencyWindow]time.Duration{}
	s.next, s.filled = 0, 0
}
