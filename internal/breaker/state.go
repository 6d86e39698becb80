package breaker

import (
	"context"
	"time"
)

// loadOrInit returns the current Stats for this Breaker's key, materializing
// and persisting the spec.md §3 zero-value record (CLOSED, zero counters,
// LastSuccessTime=now) if the key has never been touched.
func (b *Breaker) loadOrInit(ctx context.Context, now time.Time) (*Stats, error) {
	stats, err := b.store.Get(ctx, b.serviceKey)
	if err != nil {
		return nil, err
	}
	if stats != nil {
		return stats, nil
	}
	fresh := NewStats(now)
	if err := b.store.Put(ctx, b.serviceKey, fresh); err != nil {
		return fresh, err
	}
	return fresh, nil
}

// recordSuccess folds a successful outcome into the persisted record via a
// get-modify-put (spec.md §4.2 step 6); it is not linearizable across
// concurrent writers, which is acceptable per the last-writer-wins
// contract in spec.md §9. If currentState was HALF_OPEN, the first success
// additionally drives the HALF_OPEN→CLOSED transition.
func (b *Breaker) recordSuccess(ctx context.Context, currentState CircuitState, responseTime time.Duration) *Stats {
	now := time.Now()
	metrics := b.metrics.snapshot(now, b.activeCount())

	stats, err := b.store.Get(ctx, b.serviceKey)
	if err != nil || stats == nil {
		stats = NewStats(now)
	}
	stats.TotalRequests++
	stats.SuccessfulRequests++
	stats.LastSuccessTime = &now
	stats.LastUpdateTime = &now
	stats.CurrentLoad = metrics.CurrentLoad
	stats.AverageResponseTime = metrics.AverageResponseTime
	stats.LastMinuteRequests = metrics.LastMinute.Total

	if err := b.store.Put(ctx, b.serviceKey, stats); err != nil {
		b.log.Warn().Err(err).Msg("state store write failed recording success")
	}

	if currentState == StateHalfOpen {
		if _, transitioned, terr := b.transitionTo(ctx, StateClosed, func(s *Stats) {
			s.FailureCount = 0
			s.LastSuccessTime = &now
		}); terr != nil {
			b.log.Warn().Err(terr).Msg("state store write failed during HALF_OPEN->CLOSED")
		} else if transitioned != nil {
			return transitioned
		}
	}

	return stats
}

// recordFailure folds a failed outcome into the persisted record. The
// failure/total counters and LastFailureTime are bumped atomically by the
// store's IncrementFailureCount; this only attaches LastError with a
// best-effort get-modify-put on top of that already-committed record. If
// the breaker was HALF_OPEN, or the returned FailureCount has reached
// FailureThreshold, it drives the transition to OPEN.
func (b *Breaker) recordFailure(ctx context.Context, currentState CircuitState, cause error, message string) *Stats {
	newCount, err := b.store.IncrementFailureCount(ctx, b.serviceKey)
	if err != nil {
		b.log.Warn().Err(err).Msg("state store increment failed")
	}

	stats, gerr := b.store.Get(ctx, b.serviceKey)
	if gerr != nil || stats == nil {
		now := time.Now()
		stats = NewStats(now)
		stats.FailureCount = newCount
		stats.TotalRequests = 1
		stats.FailedRequests = 1
		stats.LastFailureTime = &now
	}
	now := time.Now()
	stats.LastError = message
	stats.LastUpdateTime = &now
	if err := b.store.Put(ctx, b.serviceKey, stats); err != nil {
		b.log.Warn().Err(err).Msg("state store write failed attaching lastError")
	}

	shouldTrip := currentState == StateHalfOpen || newCount >= b.opts.FailureThreshold
	if shouldTrip {
		if _, transitioned, terr := b.transitionToOpen(ctx, message); terr != nil {
			b.log.Warn().Err(terr).Msg("state store write failed during transition to OPEN")
		} else if transitioned != nil {
			return transitioned
		}
	}

	return stats
}

// transitionTo moves the persisted record to target via get-mutate-put,
// re-reading state immediately before writing so a transition another
// caller has already persisted is seen and skipped (spec.md §4.2.1
// tie-break rule). It is a no-op, emitting nothing, if the record is
// already in target state. No lock spans the Get and the Put, so two
// callers that both read the old state before either writes both apply the
// transition and both emit EventStateChange.
func (b *Breaker) transitionTo(ctx context.Context, target CircuitState, mutate func(*Stats)) (from CircuitState, result *Stats, err error) {
	stats, err := b.store.Get(ctx, b.serviceKey)
	if err != nil {
		return StateClosed, nil, err
	}
	if stats == nil {
		stats = NewStats(time.Now())
	}
	if stats.State == target {
		return stats.State, nil, nil
	}
	from = stats.State
	mutate(stats)
	stats.State = target
	if err := b.store.Put(ctx, b.serviceKey, stats); err != nil {
		return from, nil, err
	}
	b.dispatcher.emit(Event{Kind: EventStateChange, ServiceKey: b.serviceKey, From: from, To: target})
	return from, stats, nil
}

func (b *Breaker) transitionToOpen(ctx context.Context, errMsg string) (from CircuitState, result *Stats, err error) {
	from, result, err = b.transitionTo(ctx, StateOpen, func(s *Stats) {
		now := time.Now()
		s.FailureCount = b.opts.FailureThreshold
		s.LastFailureTime = &now
		s.LastError = errMsg
	})
	if result != nil {
		b.dispatcher.emit(Event{Kind: EventCircuitOpen, ServiceKey: b.serviceKey, Err: ErrCircuitOpen, Stats: result})
	}
	return from, result, err
}

// transitionToHalfOpen attempts OPEN→HALF_OPEN and reports whether this
// call performed the transition (true) versus observing it already done
// or the record in some other state (false, with the latest Stats still
// returned so the caller can act on it).
func (b *Breaker) transitionToHalfOpen(ctx context.Context) (transitioned bool, result *Stats, err error) {
	_, result, err = b.transitionTo(ctx, StateHalfOpen, func(s *Stats) {
		s.FailureCount = 0
	})
	if err != nil {
		return false, nil, err
	}
	if result == nil {
		latest, gerr := b.store.Get(ctx, b.serviceKey)
		return false, latest, gerr
	}
	return true, result, nil
}
