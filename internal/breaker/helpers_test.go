package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// fakeStore is a minimal, non-watching StateStore used by the tests in this
// package. It is deliberately simpler than the reference drivers under
// store/: no namespacing, no persistence across instances, sequential
// IncrementFailureCount guarded by a plain mutex.
type fakeStore struct {
	mu   sync.Mutex
	data map[string]*Stats

	getErr error // when set, Get returns this error once then clears it
}

func newFakeStore() *fakeStore {
	return &fakeStore{data: make(map[string]*Stats)}
}

func (f *fakeStore) Get(ctx context.Context, key string) (*Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		err := f.getErr
		f.getErr = nil
		return nil, err
	}
	s, ok := f.data[key]
	if !ok {
		return nil, nil
	}
	return s.Clone(), nil
}

func (f *fakeStore) Put(ctx context.Context, key string, stats *Stats) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = stats.Clone()
	return nil
}

func (f *fakeStore) IncrementFailureCount(ctx context.Context, key string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.data[key]
	if !ok {
		s = &Stats{State: StateClosed}
	}
	now := time.Now()
	s.FailureCount++
	s.FailedRequests++
	s.TotalRequests++
	s.LastFailureTime = &now
	f.data[key] = s
	return s.FailureCount, nil
}

func (f *fakeStore) Reset(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.data[key]
	if !ok {
		return nil
	}
	s.FailureCount = 0
	s.LastFailureTime = nil
	s.LastError = ""
	return nil
}

func (f *fakeStore) Watch(ctx context.Context, key string, callback func(*Stats)) (func(), error) {
	return func() {}, errors.New("fakeStore: Watch not supported")
}

func (f *fakeStore) Close() error { return nil }
