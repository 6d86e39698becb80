package breaker

import (
	"context"
	"testing"
	"time"
)

func TestRunHealthCheckMovesOpenToHalfOpenAfterResetTimeout(t *testing.T) {
	store := newFakeStore()
	opts := DefaultOptions()
	opts.ResetTimeout = 10 * time.Millisecond
	b := New("svc", store, opts)
	defer b.Stop()

	past := time.Now().Add(-time.Hour)
	opened := NewStats(past)
	opened.State = StateOpen
	opened.LastFailureTime = &past
	if err := store.Put(context.Background(), "svc", opened); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	b.runHealthCheck()

	stats, err := b.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if stats.State != StateHalfOpen {
		t.Fatalf("state after runHealthCheck = %v, want HALF_OPEN", stats.State)
	}
	if stats.FailureCount != 0 {
		t.Errorf("FailureCount = %v, want 0 after OPEN->HALF_OPEN", stats.FailureCount)
	}
}

func TestRunHealthCheckLeavesHalfOpenAloneAndRefreshesAdvisoryFields(t *testing.T) {
	store := newFakeStore()
	b := New("svc", store, DefaultOptions())
	defer b.Stop()

	now := time.Now()
	half := NewStats(now)
	half.State = StateHalfOpen
	if err := store.Put(context.Background(), "svc", half); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	b.runHealthCheck()

	stats, err := b.GetStats(context.Background())
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if stats.State != StateHalfOpen {
		t.Errorf("state = %v, want unchanged HALF_OPEN", stats.State)
	}
	if stats.LastUpdateTime == nil {
		t.Error("LastUpdateTime not refreshed by health check")
	}
}

func TestHealthCheckLoopStopsOnStop(t *testing.T) {
	store := newFakeStore()
	opts := DefaultOptions()
	opts.MonitorInterval = time.Millisecond
	opts.ResetTimeout = time.Millisecond
	b := New("svc", store, opts)

	done := make(chan struct{})
	go func() {
		b.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop() did not return, healthCheckLoop/metricsTickLoop did not exit")
	}
}
