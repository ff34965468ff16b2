package utils

import (
	"testing"
	"time"
)

func TestDurationTrackerPercentile(t *testing.T) {
	tracker := NewDurationTracker(10)
	durations := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond, 40 * time.Millisecond, 50 * time.Millisecond}
	for _, d := range durations {
		tracker.Observe(d)
	}

	if tracker.Count() != len(durations) {
		t.Fatalf("expected count %d, got %d", len(durations), tracker.Count())
	}

	if p95 := tracker.Percentile(95); p95 < 40*time.Millisecond {
		t.Fatalf("expected percentile >= 40ms, got %v", p95)
	}
	if min := tracker.Percentile(0); min != 10*time.Millisecond {
		t.Fatalf("expected min 10ms, got %v", min)
	}
	if max := tracker.Percentile(100); max != 50*time.Millisecond {
		t.Fatalf("expected max 50ms, got %v", max)
	}
	if total := tracker.Total(); total != 150*time.Millisecond {
		t.Fatalf("expected total 150ms, got %v", total)
	}
}

func TestDurationTrackerBoundedSize(t *testing.T) {
	tracker := NewDurationTracker(3)
	for i := 0; i < 10; i++ {
		tracker.Observe(time.Duration(i) * time.Millisecond)
	}
	if tracker.Count() != 3 {
		t.Fatalf("expected tracker size 3, got %d", tracker.Count())
	}
	if min := tracker.Percentile(0); min != 7*time.Millisecond {
		t.Fatalf("expected oldest samples dropped, min=%v", min)
	}
}

func TestDurationTrackerEmpty(t *testing.T) {
	tracker := NewDurationTracker(0)
	if got := tracker.Percentile(50); got != 0 {
		t.Fatalf("expected zero percentile without samples, got %v", got)
	}
}
