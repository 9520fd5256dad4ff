package runner

import (
	"sync"
	"time"

	"github.com/membank/bankd/pkg/models"
)

// Stats aggregates execution outcomes process-wide. It is never reset except
// by explicit Reset.
type Stats struct {
	mu        sync.Mutex
	total     int64
	succeeded int64
	timedOut  int64
	failed    int64
	minMs     time.Duration
	maxMs     time.Duration
	totalMs   time.Duration
}

// NewStats creates an empty aggregate.
func NewStats() *Stats {
	return &Stats{}
}

// Record folds one result into the aggregate.
func (s *Stats) Record(result models.ExecutionResult) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total++
	switch {
	case result.TimedOut:
		s.timedOut++
	case result.Success:
		s.succeeded++
	default:
		s.failed++
	}

	if s.total == 1 || result.Elapsed < s.minMs {
		s.minMs = result.Elapsed
	}
	if result.Elapsed > s.maxMs {
		s.maxMs = result.Elapsed
	}
	s.totalMs += result.Elapsed
}

// Snapshot returns the current aggregate.
func (s *Stats) Snapshot() models.ExecutionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := models.ExecutionStats{
		Total:      s.total,
		Succeeded:  s.succeeded,
		TimedOut:   s.timedOut,
		Failed:     s.failed,
		MinElapsed: s.minMs,
		MaxElapsed: s.maxMs,
	}
	if s.total > 0 {
		snap.AvgElapsed = s.totalMs / time.Duration(s.total)
		snap.SuccessRate = float64(s.succeeded) / float64(s.total)
	}
	return snap
}

// Reset clears the aggregate.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total = 0
	s.succeeded = 0
	s.timedOut = 0
	s.failed = 0
	s.minMs = 0
	s.maxMs = 0
	s.totalMs = 0
}
