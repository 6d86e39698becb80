package memstore_test

import (
	"context"
	"testing"

	"github.com/1mb-dev/distbreaker/internal/breaker"
	"github.com/1mb-dev/distbreaker/store/memstore"
	"github.com/1mb-dev/distbreaker/store/storetest"
)

func TestMemstoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) breaker.StateStore {
		return memstore.New()
	})
}

func TestMemstoreCancelDetachesWatcher(t *testing.T) {
	s := memstore.New()
	defer s.Close()

	calls := 0
	cancel, err := s.Watch(context.TODO(), "k", func(*breaker.Stats) { calls++ })
	if err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	cancel()
	cancel() // idempotent

	if err := s.Put(context.TODO(), "k", &breaker.Stats{}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if calls != 0 {
		t.Errorf("watcher called %d times after cancel, want 0", calls)
	}
}
