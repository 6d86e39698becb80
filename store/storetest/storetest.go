// Package storetest is a black-box conformance suite shared by every
// breaker.StateStore driver. A driver package calls storetest.Run from its
// own _test.go file against a freshly constructed instance. In this module
// only memstore runs it; the redisstore and pgstore tests need no live
// server and cover only their script, schema and codec text.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/1mb-dev/distbreaker/internal/breaker"
)

// Run exercises get/put/increment/reset/watch/close against store. newStore
// is called once per subtest and must return a distinct, empty store (or one
// that won't collide on the keys this suite uses: "storetest-a",
// "storetest-b", "storetest-increment", "storetest-reset", "storetest-watch").
func Run(t *testing.T, newStore func(t *testing.T) breaker.StateStore) {
	t.Run("GetAbsentKeyReturnsNil", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		stats, err := s.Get(context.Background(), "storetest-a")
		if err != nil {
			t.Fatalf("Get() error = %v, want nil", err)
		}
		if stats != nil {
			t.Errorf("Get() = %+v, want nil", stats)
		}
	})

	t.Run("PutThenGetRoundTrips", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		now := time.Now().Truncate(time.Millisecond)
		want := &breaker.Stats{
			State:              breaker.StateClosed,
			FailureCount:       2,
			LastFailureTime:    &now,
			TotalRequests:      5,
			SuccessfulRequests: 3,
			FailedRequests:     2,
		}
		if err := s.Put(context.Background(), "storetest-b", want); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		got, err := s.Get(context.Background(), "storetest-b")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got == nil {
			t.Fatal("Get() = nil, want the record just written")
		}
		if got.State != want.State || got.FailureCount != want.FailureCount ||
			got.TotalRequests != want.TotalRequests {
			t.Errorf("Get() = %+v, want %+v", got, want)
		}
	})

	t.Run("IncrementFailureCountMaterializesAbsentKey", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		n, err := s.IncrementFailureCount(context.Background(), "storetest-increment")
		if err != nil {
			t.Fatalf("IncrementFailureCount() error = %v", err)
		}
		if n != 1 {
			t.Errorf("IncrementFailureCount() = %v, want 1", n)
		}

		n, err = s.IncrementFailureCount(context.Background(), "storetest-increment")
		if err != nil {
			t.Fatalf("IncrementFailureCount() error = %v", err)
		}
		if n != 2 {
			t.Errorf("IncrementFailureCount() = %v, want 2", n)
		}

		stats, err := s.Get(context.Background(), "storetest-increment")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if stats.FailedRequests != 2 || stats.TotalRequests != 2 {
			t.Errorf("Get() = %+v, want FailedRequests=2 TotalRequests=2", stats)
		}
		if stats.LastFailureTime == nil {
			t.Error("LastFailureTime not set by IncrementFailureCount")
		}
	})

	t.Run("ResetClearsFailureStateNotTotals", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		if _, err := s.IncrementFailureCount(context.Background(), "storetest-reset"); err != nil {
			t.Fatalf("IncrementFailureCount() error = %v", err)
		}
		if err := s.Reset(context.Background(), "storetest-reset"); err != nil {
			t.Fatalf("Reset() error = %v", err)
		}

		stats, err := s.Get(context.Background(), "storetest-reset")
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if stats.FailureCount != 0 {
			t.Errorf("FailureCount after Reset = %v, want 0", stats.FailureCount)
		}
		if stats.LastFailureTime != nil {
			t.Error("LastFailureTime after Reset is non-nil, want nil")
		}
		if stats.TotalRequests != 1 {
			t.Errorf("TotalRequests after Reset = %v, want 1 (monotonic)", stats.TotalRequests)
		}
	})

	t.Run("WatchDeliversOnMutation", func(t *testing.T) {
		s := newStore(t)
		defer s.Close()

		received := make(chan *breaker.Stats, 4)
		cancel, err := s.Watch(context.Background(), "storetest-watch", func(stats *breaker.Stats) {
			received <- stats
		})
		if err != nil {
			t.Fatalf("Watch() error = %v", err)
		}
		defer cancel()

		if err := s.Put(context.Background(), "storetest-watch", &breaker.Stats{State: breaker.StateOpen}); err != nil {
			t.Fatalf("Put() error = %v", err)
		}

		select {
		case stats := <-received:
			if stats.State != breaker.StateOpen {
				t.Errorf("delivered state = %v, want OPEN", stats.State)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("watch callback was not invoked within 2s")
		}
	})

	t.Run("CloseIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		if err := s.Close(); err != nil {
			t.Fatalf("first Close() error = %v", err)
		}
		if err := s.Close(); err != nil {
			t.Fatalf("second Close() error = %v, want nil (idempotent)", err)
		}
	})
}
