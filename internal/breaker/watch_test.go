package breaker_test

import (
	"context"
	"testing"
	"time"

	"github.com/1mb-dev/distbreaker/internal/breaker"
	"github.com/1mb-dev/distbreaker/store/memstore"
)

// TestBreakerForwardsStoreWatchAsEventStateUpdate exercises the watch wiring
// end to end: a write to the shared store from outside this Breaker (as
// another process sharing the same StateStore would do) must surface as an
// EventStateUpdate, not just be visible on the next GetStats poll.
func TestBreakerForwardsStoreWatchAsEventStateUpdate(t *testing.T) {
	store := memstore.New()
	b := breaker.New("svc", store, breaker.DefaultOptions())
	defer b.Stop()

	updates := make(chan breaker.Event, 1)
	b.Subscribe(breaker.EventStateUpdate, func(ev breaker.Event) { updates <- ev })

	externalStats := breaker.NewStats(time.Now())
	externalStats.State = breaker.StateOpen
	if err := store.Put(context.Background(), "svc", externalStats); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	select {
	case ev := <-updates:
		if ev.Stats == nil || ev.Stats.State != breaker.StateOpen {
			t.Errorf("EventStateUpdate Stats = %+v, want State=OPEN", ev.Stats)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for EventStateUpdate from an external store write")
	}
}
