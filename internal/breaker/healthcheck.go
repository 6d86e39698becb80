package breaker

import (
	"context"
	"time"
)

// metricsTickInterval is the cadence at which Breaker publishes EventMetrics
// snapshots independent of call traffic, so a subscriber graphing load sees
// a live line even against an idle service.
const metricsTickInterval = 100 * time.Millisecond

// healthCheckLoop polls the persisted record at opts.healthCheckInterval()
// and, once ResetTimeout has elapsed since the last recorded failure, drives
// the OPEN→HALF_OPEN transition proactively rather than waiting for the next
// Execute call to notice (spec.md §4.2.3). On every tick that finds a record
// and does not attempt that transition, it also refreshes the advisory
// CurrentLoad/AverageResponseTime/LastMinuteRequests fields so
// a watcher observing Stats alone sees them move even when this process
// issues no calls of its own.
func (b *Breaker) healthCheckLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.opts.healthCheckInterval())
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.runHealthCheck()
		}
	}
}

// runHealthCheck loads the persisted record and, if it is OPEN with
// ResetTimeout elapsed, attempts the OPEN→HALF_OPEN transition and returns
// immediately (spec.md §4.2.3 step 2) rather than falling through to the
// advisory-field refresh below, which would otherwise re-Put the
// pre-transition snapshot and clobber the just-committed HALF_OPEN write.
func (b *Breaker) runHealthCheck() {
	ctx := context.Background()

	stats, err := b.store.Get(ctx, b.serviceKey)
	if err != nil {
		b.log.Warn().Err(err).Msg("state store read failed during health check")
		return
	}
	if stats == nil {
		return
	}

	if stats.State == StateOpen && stats.LastFailureTime != nil &&
		time.Since(*stats.LastFailureTime) >= b.opts.ResetTimeout {
		_, result, err := b.transitionToHalfOpen(ctx)
		if err != nil {
			b.log.Warn().Err(err).Msg("state store write failed during health-check OPEN->HALF_OPEN")
			return
		}
		if result != nil {
			b.dispatcher.emit(Event{Kind: EventHealthCheck, ServiceKey: b.serviceKey, Stats: result})
		}
		return
	}

	now := time.Now()
	snapshot := b.metrics.snapshot(now, b.activeCount())
	stats.CurrentLoad = snapshot.CurrentLoad
	stats.AverageResponseTime = snapshot.AverageResponseTime
	stats.LastMinuteRequests = snapshot.LastMinute.Total
	stats.LastUpdateTime = &now
	if err := b.store.Put(ctx, b.serviceKey, stats); err != nil {
		b.log.Warn().Err(err).Msg("state store write failed during health-check advisory refresh")
		return
	}

	b.dispatcher.emit(Event{Kind: EventHealthCheck, ServiceKey: b.serviceKey, Stats: stats})
}

// metricsTickLoop publishes an EventMetrics snapshot on a fixed cadence,
// independent of the per-call emission already done in execute.
func (b *Breaker) metricsTickLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(metricsTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			snapshot := b.GetMetrics()
			b.dispatcher.emit(Event{Kind: EventMetrics, ServiceKey: b.serviceKey, Metrics: &snapshot})
		}
	}
}
