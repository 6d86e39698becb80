// Package memstore is an in-process breaker.StateStore backed by a
// mutex-guarded map. It is the default store for unit tests and for
// single-process examples that don't need cross-process sharing; its
// IncrementFailureCount is exactly atomic since the whole record lives
// behind one lock, the strongest case allowed by the CAS-when-available
// contract in the StateStore doc comment.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/1mb-dev/distbreaker/internal/breaker"
)

// Store is an in-memory breaker.StateStore. The zero value is not usable;
// construct with New.
type Store struct {
	mu       sync.Mutex
	records  map[string]*breaker.Stats
	watchers map[string][]func(*breaker.Stats)
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		records:  make(map[string]*breaker.Stats),
		watchers: make(map[string][]func(*breaker.Stats)),
	}
}

func (s *Store) Get(ctx context.Context, key string) (*breaker.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, nil
	}
	return rec.Clone(), nil
}

func (s *Store) Put(ctx context.Context, key string, stats *breaker.Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = stats.Clone()
	s.notifyLocked(key)
	return nil
}

func (s *Store) IncrementFailureCount(ctx context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		rec = &breaker.Stats{State: breaker.StateClosed}
	}
	now := time.Now()
	rec.FailureCount++
	rec.FailedRequests++
	rec.TotalRequests++
	rec.LastFailureTime = &now
	s.records[key] = rec
	s.notifyLocked(key)
	return rec.FailureCount, nil
}

func (s *Store) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	rec.FailureCount = 0
	rec.LastFailureTime = nil
	rec.LastError = ""
	s.notifyLocked(key)
	return nil
}

// Watch registers callback for key. Delivery happens synchronously from
// whichever goroutine calls Put/IncrementFailureCount/Reset next, holding
// the store's own lock, so callback must not block or call back into the
// store.
func (s *Store) Watch(ctx context.Context, key string, callback func(*breaker.Stats)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.watchers[key] = append(s.watchers[key], callback)
	idx := len(s.watchers[key]) - 1

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			list := s.watchers[key]
			if idx < len(list) {
				list[idx] = nil
			}
		})
	}
	return cancel, nil
}

func (s *Store) notifyLocked(key string) {
	rec := s.records[key].Clone()
	for _, cb := range s.watchers[key] {
		if cb != nil {
			cb(rec)
		}
	}
}

// Close is a no-op; there is no connection to release.
func (s *Store) Close() error {
	return nil
}
