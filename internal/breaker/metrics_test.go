package breaker

import (
	"testing"
	"time"
)

func TestMetricsWindowSnapshotEmpty(t *testing.T) {
	w := newMetricsWindow()
	snap := w.snapshot(time.Now(), 0)

	if snap.RequestRate != 0 {
		t.Errorf("RequestRate = %v, want 0", snap.RequestRate)
	}
	if snap.LastMinute.Total != 0 {
		t.Errorf("LastMinute.Total = %v, want 0", snap.LastMinute.Total)
	}
}

func TestMetricsWindowTracksOutcomes(t *testing.T) {
	w := newMetricsWindow()
	now := time.Now()

	w.recordStart(now)
	w.recordOutcome(now, true, 10*time.Millisecond)
	w.recordStart(now)
	w.recordOutcome(now, false, 20*time.Millisecond)

	snap := w.snapshot(now, 0)
	if snap.LastMinute.Total != 2 {
		t.Errorf("LastMinute.Total = %v, want 2", snap.LastMinute.Total)
	}
	if snap.LastMinute.Success != 1 {
		t.Errorf("LastMinute.Success = %v, want 1", snap.LastMinute.Success)
	}
	if snap.LastMinute.Failure != 1 {
		t.Errorf("LastMinute.Failure = %v, want 1", snap.LastMinute.Failure)
	}
	if snap.AverageResponseTime != 15*time.Millisecond {
		t.Errorf("AverageResponseTime = %v, want 15ms", snap.AverageResponseTime)
	}
}

func TestMetricsWindowPrunesOldEntries(t *testing.T) {
	w := newMetricsWindow()
	old := time.Now().Add(-2 * minuteWindow)
	w.recordStart(old)

	snap := w.snapshot(time.Now(), 0)
	if snap.LastMinute.Total != 0 {
		t.Errorf("LastMinute.Total = %v, want 0 after pruning", snap.LastMinute.Total)
	}
}

func TestMetricsWindowResponseTimeRingWraps(t *testing.T) {
	w := newMetricsWindow()
	now := time.Now()

	for i := 0; i < responseTimeCapacity+10; i++ {
		w.recordOutcome(now, true, time.Duration(i)*time.Millisecond)
	}

	snap := w.snapshot(now, 0)
	if snap.AverageResponseTime <= 0 {
		t.Errorf("AverageResponseTime = %v, want > 0 once ring is full", snap.AverageResponseTime)
	}
}

func TestDispatcherDeliversOnlyToSubscribedKind(t *testing.T) {
	d := newDispatcher()
	var gotFailure, gotSuccess bool
	d.subscribe(EventFailure, func(Event) { gotFailure = true })
	d.subscribe(EventSuccess, func(Event) { gotSuccess = true })

	d.emit(Event{Kind: EventFailure})

	if !gotFailure {
		t.Error("EventFailure subscriber was not called")
	}
	if gotSuccess {
		t.Error("EventSuccess subscriber was called for an EventFailure emission")
	}
}

func TestDispatcherRecoversSubscriberPanic(t *testing.T) {
	d := newDispatcher()
	called := false
	d.subscribe(EventFailure, func(Event) { panic("bad subscriber") })
	d.subscribe(EventFailure, func(Event) { called = true })

	d.emit(Event{Kind: EventFailure})

	if !called {
		t.Error("subscriber after a panicking one was not called")
	}
}
