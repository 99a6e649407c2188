package utils

import (
	"sort"
	"sync"
	"time"
)

// RunTracker keeps a bounded history of sync pass durations and outcomes.
type RunTracker struct {
	mu          sync.RWMutex
	durations   []time.Duration
	maxSize     int
	lastSuccess time.Time
	lastErr     error
}

// NewRunTracker creates a tracker storing up to maxSize samples.
func NewRunTracker(maxSize int) *RunTracker {
	if maxSize <= 0 {
		maxSize = 128
	}
	return &RunTracker{maxSize: maxSize}
}

// Record stores a finished run. A nil err marks the run successful at finishedAt.
func (r *RunTracker) Record(d time.Duration, finishedAt time.Time, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.durations = append(r.durations, d)
	if len(r.durations) > r.maxSize {
		r.durations = r.durations[len(r.durations)-r.maxSize:]
	}
	r.lastErr = err
	if err == nil {
		r.lastSuccess = finishedAt
	}
}

// Percentile returns the percentile (0-100) duration. Returns zero if no samples.
func (r *RunTracker) Percentile(p float64) time.Duration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.durations) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), r.durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	switch {
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[len(sorted)-1]
	}
	return sorted[int((p/100.0)*float64(len(sorted)-1))]
}

// Count returns number of runs recorded.
func (r *RunTracker) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.durations)
}

// LastSuccess returns the finish time of the most recent successful run.
func (r *RunTracker) LastSuccess() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSuccess
}

// Healthy reports whether the most recent run succeeded.
func (r *RunTracker) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.durations) > 0 && r.lastErr == nil
}
