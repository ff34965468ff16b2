package utils

import (
	"sort"
	"sync"
	"time"
)

// DurationTracker stores recent duration samples and computes percentiles.
type DurationTracker struct {
	mu      sync.RWMutex
	samples []time.Duration
	maxSize int
}

// NewDurationTracker creates a tracker storing up to maxSize samples.
func NewDurationTracker(maxSize int) *DurationTracker {
	if maxSize <= 0 {
		maxSize = 512
	}
	return &DurationTracker{maxSize: maxSize}
}

// Observe records a new duration, dropping the oldest sample once full.
func (t *DurationTracker) Observe(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if d < 0 {
		d = 0
	}
	t.samples = append(t.samples, d)
	if len(t.samples) > t.maxSize {
		t.samples = t.samples[len(t.samples)-t.maxSize:]
	}
}

// Percentile returns the percentile (0-100) duration. Returns zero if no samples.
func (t *DurationTracker) Percentile(p float64) time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if len(t.samples) == 0 {
		return 0
	}

	sorted := append([]time.Duration(nil), t.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	switch {
	case p <= 0:
		return sorted[0]
	case p >= 100:
		return sorted[len(sorted)-1]
	}
	return sorted[int((p/100.0)*float64(len(sorted)-1))]
}

// Total returns the sum of the retained samples.
func (t *DurationTracker) Total() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var total time.Duration
	for _, s := range t.samples {
		total += s
	}
	return total
}

// Count returns number of samples recorded.
func (t *DurationTracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.samples)
}
