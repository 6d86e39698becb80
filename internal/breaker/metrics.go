package breaker

import (
	"sync"
	"time"
)

const (
	// rateWindow is the window requestRate/errorRate are computed over.
	rateWindow = 5 * time.Second

	// minuteWindow bounds how long request/error timestamps are retained.
	minuteWindow = 60 * time.Second

	// responseTimeCapacity is the ring size backing AverageResponseTime;
	// only the most recent samples contribute to the rolling average.
	responseTimeCapacity = 100
)

// LastMinuteStats summarizes the trailing 60s window.
type LastMinuteStats struct {
	Total   int
	Success int
	Failure int
}

// MetricsSnapshot is the point-in-time view of a Breaker's in-memory
// window, published as the payload of an EventMetrics event and returned
// by Breaker.GetMetrics. It is purely local to one Breaker instance and is
// never persisted to the StateStore (spec.md §4.5).
type MetricsSnapshot struct {
	RequestRate         float64
	ErrorRate           float64
	AverageResponseTime time.Duration
	CurrentLoad         int
	LastMinute          LastMinuteStats
}

// metricsWindow is the mutable state backing MetricsSnapshot. Every field
// is guarded by mu; writes only append to the timestamp slices, and entries
// older than minuteWindow are trimmed whenever a snapshot is taken (every
// metrics tick, every GetMetrics call and every recorded success), following
// the sliding-window discipline used by the circuit breaker in the nova
// reference repo (internal/circuitbreaker).
type metricsWindow struct {
	mu sync.Mutex

	requestTimestamps []time.Time
	errorTimestamps   []time.Time

	responseTimes []time.Duration // ring, capped at responseTimeCapacity
	ringPos       int
	ringFull      bool
}

func newMetricsWindow() *metricsWindow {
	return &metricsWindow{
		responseTimes: make([]time.Duration, responseTimeCapacity),
	}
}

func (w *metricsWindow) recordStart(now time.Time) {
	w.mu.Lock()
	w.requestTimestamps = append(w.requestTimestamps, now)
	w.mu.Unlock()
}

func (w *metricsWindow) recordOutcome(now time.Time, success bool, responseTime time.Duration) {
	w.mu.Lock()
	if !success {
		w.errorTimestamps = append(w.errorTimestamps, now)
	}
	w.responseTimes[w.ringPos] = responseTime
	w.ringPos = (w.ringPos + 1) % responseTimeCapacity
	if w.ringPos == 0 {
		w.ringFull = true
	}
	w.mu.Unlock()
}

// snapshot prunes entries older than minuteWindow and computes the derived
// statistics described in spec.md §4.2.2. currentLoad is supplied by the
// caller since active-request tracking lives in the Breaker, not here.
func (w *metricsWindow) snapshot(now time.Time, currentLoad int) MetricsSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.requestTimestamps = pruneOlderThan(w.requestTimestamps, now, minuteWindow)
	w.errorTimestamps = pruneOlderThan(w.errorTimestamps, now, minuteWindow)

	requestRate := float64(countSince(w.requestTimestamps, now, rateWindow)) / rateWindow.Seconds()
	errorRate := float64(countSince(w.errorTimestamps, now, rateWindow)) / rateWindow.Seconds()

	var avg time.Duration
	n := responseTimeCapacity
	if !w.ringFull {
		n = w.ringPos
	}
	if n > 0 {
		var sum time.Duration
		for i := 0; i < n; i++ {
			sum += w.responseTimes[i]
		}
		avg = sum / time.Duration(n)
	}

	totalLastMinute := len(w.requestTimestamps)
	failLastMinute := len(w.errorTimestamps)

	return MetricsSnapshot{
		RequestRate:         requestRate,
		ErrorRate:           errorRate,
		AverageResponseTime: avg,
		CurrentLoad:         currentLoad,
		LastMinute: LastMinuteStats{
			Total:   totalLastMinute,
			Success: totalLastMinute - failLastMinute,
			Failure: failLastMinute,
		},
	}
}

func pruneOlderThan(ts []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0:0], ts[i:]...)
}

func countSince(ts []time.Time, now time.Time, window time.Duration) int {
	cutoff := now.Add(-window)
	count := 0
	for _, t := range ts {
		if !t.Before(cutoff) {
			count++
		}
	}
	return count
}
