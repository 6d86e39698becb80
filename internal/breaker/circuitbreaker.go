package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Breaker is the per-service-key state machine, admission controller and
// metrics window described in spec.md §4.2. Its persisted Stats live in a
// StateStore shared with every other process protecting the same
// serviceKey; the activeRequests set, response-time ring and rate
// timestamps are local to this instance and are discarded on Stop.
//
// All exported methods are safe for concurrent use. No Breaker-held lock
// is ever held across a StateStore call, a thunk invocation, or the
// deadline timer (spec.md §5).
type Breaker struct {
	serviceKey string
	store      StateStore
	opts       Options
	log        zerolog.Logger

	dispatcher  *dispatcher
	metrics     *metricsWindow
	watchCancel func()

	activeMu sync.Mutex
	active   map[string]time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Breaker for serviceKey against store, validates and
// applies defaults to opts, subscribes to the store's watch feed for this
// key, and starts the background health-check and metrics-tick loops. The
// returned Breaker is ready to use immediately.
func New(serviceKey string, store StateStore, opts Options) *Breaker {
	opts = opts.withDefaults()

	b := &Breaker{
		serviceKey: serviceKey,
		store:      store,
		opts:       opts,
		log:        log.With().Str("component", "breaker").Str("service_key", serviceKey).Logger(),
		dispatcher: newDispatcher(),
		metrics:    newMetricsWindow(),
		active:     make(map[string]time.Time),
		stopCh:     make(chan struct{}),
	}

	cancel, err := store.Watch(context.Background(), serviceKey, func(stats *Stats) {
		b.dispatcher.emit(Event{Kind: EventStateUpdate, ServiceKey: serviceKey, Stats: stats})
	})
	if err != nil {
		b.log.Warn().Err(err).Msg("state store watch subscription failed, state updates from other processes will not be forwarded")
	} else {
		b.watchCancel = cancel
	}

	b.wg.Add(2)
	go b.healthCheckLoop()
	go b.metricsTickLoop()

	return b
}

// ServiceKey returns the key this Breaker was constructed with.
func (b *Breaker) ServiceKey() string {
	return b.serviceKey
}

// Subscribe registers fn to be called synchronously, from the emitting
// goroutine, whenever an event of kind is published. fn must not block.
// The returned cancel function detaches fn; cancel is idempotent.
func (b *Breaker) Subscribe(kind EventKind, fn func(Event)) func() {
	return b.dispatcher.subscribe(kind, fn)
}

// GetStats passes through to the StateStore; it returns nil, nil if the
// key has never been touched.
func (b *Breaker) GetStats(ctx context.Context) (*Stats, error) {
	return b.store.Get(ctx, b.serviceKey)
}

// GetMetrics returns a snapshot of the current in-memory window.
func (b *Breaker) GetMetrics() MetricsSnapshot {
	return b.metrics.snapshot(time.Now(), b.activeCount())
}

// Stop halts the health-check and metrics-tick loops and detaches this
// Breaker's store watch subscription. It is idempotent and never alters
// persisted Stats.
func (b *Breaker) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		if b.watchCancel != nil {
			b.watchCancel()
		}
	})
	b.wg.Wait()
}

func (b *Breaker) activeCount() int {
	b.activeMu.Lock()
	n := len(b.active)
	b.activeMu.Unlock()
	return n
}

// Execute is the sole admission path: it loads Stats, applies the
// CLOSED/OPEN/HALF_OPEN admission rules, races thunk against
// opts.ServiceTimeout, records the outcome, and returns the thunk's result
// or an admission/error sentinel per spec.md §4.2.
func (b *Breaker) Execute(thunk func() (interface{}, error)) (interface{}, error) {
	return b.execute(context.Background(), nil, thunk)
}

// ExecuteContext is Execute with context propagation: cancellation before
// admission returns ctx.Err() immediately (no counters touched);
// cancellation observed while racing the thunk also returns ctx.Err()
// without counting as success or failure, since it reflects client intent
// rather than backend health.
func (b *Breaker) ExecuteContext(ctx context.Context, thunk func() (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.execute(ctx, ctx.Done(), thunk)
}

func (b *Breaker) execute(ctx context.Context, cancel <-chan struct{}, thunk func() (interface{}, error)) (interface{}, error) {
	now := time.Now()

	stats, err := b.loadOrInit(ctx, now)
	if err != nil {
		// Store failure: log and continue using a zero-value, CLOSED view
		// rather than synthesizing an execution failure (spec.md §7.3).
		b.log.Warn().Err(err).Msg("state store read failed, proceeding with a fresh CLOSED view")
		stats = NewStats(now)
	}

	currentState := stats.State

	if currentState == StateOpen {
		if stats.LastFailureTime != nil && now.Sub(*stats.LastFailureTime) >= b.opts.ResetTimeout {
			transitioned, newStats, terr := b.transitionToHalfOpen(ctx)
			if terr != nil {
				b.log.Warn().Err(terr).Msg("state store write failed during OPEN->HALF_OPEN")
			}
			if transitioned {
				currentState = StateHalfOpen
				stats = newStats
			} else if newStats != nil {
				currentState = newStats.State
				stats = newStats
			}
		}
		if currentState == StateOpen {
			b.dispatcher.emit(Event{Kind: EventRejected, ServiceKey: b.serviceKey, Err: ErrCircuitOpen, Stats: stats})
			return nil, ErrCircuitOpen
		}
	}

	if b.opts.MaxConcurrent > 0 && b.activeCount() >= b.opts.MaxConcurrent {
		b.dispatcher.emit(Event{Kind: EventRejected, ServiceKey: b.serviceKey, Err: ErrOverloaded, Stats: stats})
		return nil, ErrOverloaded
	}

	id := uuid.NewString()
	start := time.Now()
	b.activeMu.Lock()
	b.active[id] = start
	b.activeMu.Unlock()
	b.metrics.recordStart(start)

	defer func() {
		b.activeMu.Lock()
		delete(b.active, id)
		b.activeMu.Unlock()
		b.dispatcher.emit(Event{Kind: EventMetrics, ServiceKey: b.serviceKey, Metrics: ptrMetrics(b.GetMetrics())})
	}()

	result, thunkErr, timedOut, cancelled, panicVal := b.race(thunk, cancel)
	elapsed := time.Since(start)

	if cancelled {
		return nil, ctx.Err()
	}

	if timedOut {
		b.metrics.recordOutcome(time.Now(), false, elapsed)
		newStats := b.recordFailure(ctx, currentState, ErrServiceTimeout, "Service timeout")
		b.dispatcher.emit(Event{Kind: EventTimeout, ServiceKey: b.serviceKey, Err: ErrServiceTimeout, Stats: newStats})
		return nil, ErrServiceTimeout
	}

	success := thunkErr == nil
	b.metrics.recordOutcome(time.Now(), success, elapsed)

	if success {
		newStats := b.recordSuccess(ctx, currentState, elapsed)
		b.dispatcher.emit(Event{Kind: EventSuccess, ServiceKey: b.serviceKey, Stats: newStats, ResponseTime: elapsed})
		return result, nil
	}

	newStats := b.recordFailure(ctx, currentState, thunkErr, thunkErr.Error())
	b.dispatcher.emit(Event{Kind: EventFailure, ServiceKey: b.serviceKey, Err: thunkErr, Stats: newStats})

	// Re-panic once bookkeeping is done, preserving the caller's own
	// recovery semantics (mirrors the teacher's re-panic in Execute). This
	// happens here, in the caller's goroutine, rather than in the worker
	// goroutine race spawns: panicking there would crash the process
	// instead of unwinding into the caller's stack.
	if panicVal != nil {
		panic(panicVal)
	}

	return result, thunkErr
}

// race invokes thunk on its own goroutine and waits for whichever of
// (thunk result, deadline, cancellation) settles first. A late thunk
// completion after the deadline has already fired is simply dropped: the
// result channel is buffered so the goroutine never blocks, and race reads
// only the first outcome, so the late result is never recorded a second
// time (spec.md §9, "double-counting on timeout"). The request id in
// activeRequests is not consulted for this.
// A panicking thunk is recovered inside the worker goroutine and reported
// back as panicVal rather than re-panicked there; the caller re-panics it
// after recording the failure (see execute).
func (b *Breaker) race(thunk func() (interface{}, error), cancel <-chan struct{}) (result interface{}, err error, timedOut, cancelled bool, panicVal interface{}) {
	type outcome struct {
		result   interface{}
		err      error
		panicVal interface{}
	}
	resultCh := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				resultCh <- outcome{err: fmt.Errorf("breaker: thunk panic: %v", r), panicVal: r}
			}
		}()
		res, err := thunk()
		resultCh <- outcome{result: res, err: err}
	}()

	var timerCh <-chan time.Time
	if b.opts.ServiceTimeout > 0 {
		timer := time.NewTimer(b.opts.ServiceTimeout)
		defer timer.Stop()
		timerCh = timer.C
	}

	select {
	case out := <-resultCh:
		return out.result, out.err, false, false, out.panicVal
	case <-timerCh:
		return nil, nil, true, false, nil
	case <-cancel:
		return nil, nil, false, true, nil
	}
}

func ptrMetrics(m MetricsSnapshot) *MetricsSnapshot {
	return &m
}
