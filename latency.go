package mixpower

import (
	"sort"
	"sync"
	"time"
)

// FitLatencyTracker keeps a ring buffer of recent refit durations.
//
// A healthy run has P99/P50 near 1-3. A ratio far above that means a few
// trials are spending most of the optimizer budget, usually fits that end
// at the iteration or runtime ceiling and get discarded anyway; lowering
// MaxFitDuration then costs little power and saves most of the wall time.
//
//	tracker := NewFitLatencyTracker(1000)
//	tracker.Record(res.FitTime)
//	if tracker.TailRatio() > 10 {
//	    // a handful of pathological fits dominate run time
//	}
type FitLatencyTracker struct {
	mu          sync.Mutex
	samples     []time.Duration
	maxSamples  int
	writeIndex  int
	sampleCount int64
}

// NewFitLatencyTracker returns a tracker holding the last maxSamples
// durations (1000 when maxSamples <= 0).
func NewFitLatencyTracker(maxSamples int) *FitLatencyTracker {
	if maxSamples <= 0 {
		maxSamples = 1000
	}
	return &FitLatencyTracker{
		samples:    make([]time.Duration, maxSamples),
		maxSamples: maxSamples,
	}
}

// Record adds one fit duration. Safe for concurrent use.
func (t *FitLatencyTracker) Record(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.samples[t.writeIndex] = d
	t.writeIndex = (t.writeIndex + 1) % t.maxSamples
	t.sampleCount++
}

// LatencyStats is a snapshot of the tracker.
type LatencyStats struct {
	SampleCount int64
	Mean        time.Duration
	P50         time.Duration
	P99         time.Duration
	Max         time.Duration
	TailRatio   float64 // P99 / P50, 1 with no samples
}

// Stats returns the current snapshot.
func (t *FitLatencyTracker) Stats() LatencyStats {
	t.mu.Lock()
	n := t.effective()
	sorted := make([]time.Duration, n)
	copy(sorted, t.samples[:n])
	count := t.sampleCount
	t.mu.Unlock()

	s := LatencyStats{SampleCount: count, TailRatio: 1}
	if n == 0 {
		return s
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	s.Mean = sum / time.Duration(n)
	s.P50 = sorted[percentileIndex(n, 0.50)]
	s.P99 = sorted[percentileIndex(n, 0.99)]
	s.Max = sorted[n-1]
	if s.P50 > 0 {
		s.TailRatio = float64(s.P99) / float64(s.P50)
	}
	return s
}

// TailRatio is shorthand for Stats().TailRatio.
func (t *FitLatencyTracker) TailRatio() float64 {
	return t.Stats().TailRatio
}

func (t *FitLatencyTracker) effective() int {
	if t.sampleCount < int64(t.maxSamples) {
		return int(t.sampleCount)
	}
	return t.maxSamples
}

func percentileIndex(n int, p float64) int {
	i := int(float64(n-1) * p)
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}
