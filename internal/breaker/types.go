// Package breaker implements a distributed circuit breaker whose state is
// held in an external, watchable key/value store so that a fleet of
// identically configured callers observes a single, shared view of a
// downstream service's health.
//
// The state machine, admission rules and event taxonomy mirror a classic
// in-process breaker; the difference is that failure counts, timestamps and
// totals live in a StateStore rather than in atomics local to the process,
// and every Execute call consults (and updates) that shared record before
// deciding whether to admit the caller's thunk.
package breaker

import (
	"context"
	"errors"
	"time"
)

// CircuitState is the tagged three-state variant the breaker moves through.
type CircuitState int32

const (
	// StateClosed allows calls through and counts failures.
	StateClosed CircuitState = iota
	// StateOpen rejects calls immediately without invoking the thunk.
	StateOpen
	// StateHalfOpen is the trial window: the first recorded outcome decides
	// CLOSED or OPEN. Admission in HALF_OPEN is limited only by
	// MaxConcurrent; HalfOpenRetryLimit does not cap it.
	StateHalfOpen
)

// String returns the upper-snake label used in events and logs.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Options configures a Breaker. Options are immutable for the lifetime of a
// Breaker instance; there is no runtime update path, since the persisted
// Stats record (not the Options) is the thing a fleet of callers shares.
type Options struct {
	// FailureThreshold is the number of consecutive failures in CLOSED
	// that trip the breaker to OPEN. Must be >= 1. Default 5.
	FailureThreshold int

	// ResetTimeout is the minimum time spent in OPEN before HALF_OPEN is
	// considered. Default 60s.
	ResetTimeout time.Duration

	// HalfOpenRetryLimit is the number of trial calls the option space
	// reserves for HALF_OPEN probing. The current state machine is
	// single-probe-decisive regardless of this value (see design notes);
	// it is validated and carried for a future multi-probe quorum. Must
	// be >= 1. Default 1.
	HalfOpenRetryLimit int

	// MonitorInterval is the upper bound on health-check cadence; the
	// effective period is min(MonitorInterval, ResetTimeout/2). Default 30s.
	MonitorInterval time.Duration

	// ServiceTimeout is the deadline applied per call. Zero disables the
	// deadline. Default 5s.
	ServiceTimeout time.Duration

	// MaxConcurrent caps in-flight calls per Breaker instance. Default 10_000.
	MaxConcurrent int
}

// DefaultOptions returns the spec defaults.
func DefaultOptions() Options {
	return Options{
		FailureThreshold:   5,
		ResetTimeout:       60 * time.Second,
		HalfOpenRetryLimit: 1,
		MonitorInterval:    30 * time.Second,
		ServiceTimeout:     5 * time.Second,
		MaxConcurrent:      10_000,
	}
}

// withDefaults fills zero-valued fields with spec defaults and validates
// the result, panicking on invalid configuration (mirroring the teacher's
// validate-at-construction convention).
func (o Options) withDefaults() Options {
	if o.FailureThreshold == 0 {
		o.FailureThreshold = 5
	}
	if o.ResetTimeout == 0 {
		o.ResetTimeout = 60 * time.Second
	}
	if o.HalfOpenRetryLimit == 0 {
		o.HalfOpenRetryLimit = 1
	}
	if o.MonitorInterval == 0 {
		o.MonitorInterval = 30 * time.Second
	}
	if o.MaxConcurrent == 0 {
		o.MaxConcurrent = 10_000
	}
	// ServiceTimeout: 0 is a valid, meaningful "disabled" value; no default.

	if o.FailureThreshold < 1 {
		panic("breaker: FailureThreshold must be >= 1")
	}
	if o.HalfOpenRetryLimit < 1 {
		panic("breaker: HalfOpenRetryLimit must be >= 1")
	}
	if o.ResetTimeout < 0 {
		panic("breaker: ResetTimeout cannot be negative")
	}
	if o.MonitorInterval < 0 {
		panic("breaker: MonitorInterval cannot be negative")
	}
	if o.ServiceTimeout < 0 {
		panic("breaker: ServiceTimeout cannot be negative")
	}
	if o.MaxConcurrent < 0 {
		panic("breaker: MaxConcurrent cannot be negative")
	}
	return o
}

// healthCheckInterval is min(MonitorInterval, ResetTimeout/2), the cadence
// mandated by spec.md §3 so OPEN→HALF_OPEN is observed promptly.
func (o Options) healthCheckInterval() time.Duration {
	half := o.ResetTimeout / 2
	if half > 0 && half < o.MonitorInterval {
		return half
	}
	return o.MonitorInterval
}

// Stats is the persisted record for one service key. It is the payload
// exchanged with the StateStore and is the unit of cross-process truth;
// see spec.md §3 for the field-level invariants.
type Stats struct {
	State CircuitState `json:"state"`

	// FailureCount is consecutive failures used by the threshold check; it
	// resets to 0 on entering CLOSED or HALF_OPEN.
	FailureCount int `json:"failureCount"`

	LastFailureTime *time.Time `json:"lastFailureTime"`
	LastSuccessTime *time.Time `json:"lastSuccessTime"`
	LastUpdateTime  *time.Time `json:"lastUpdateTime"`
	LastError       string     `json:"lastError"`

	TotalRequests      uint64 `json:"totalRequests"`
	SuccessfulRequests uint64 `json:"successfulRequests"`
	FailedRequests     uint64 `json:"failedRequests"`

	// Advisory, present-value fields refreshed by the health check and by
	// successful calls; never load-bearing for the state machine itself.
	CurrentLoad         int           `json:"currentLoad"`
	AverageResponseTime time.Duration `json:"averageResponseTime"`
	LastMinuteRequests  int           `json:"lastMinuteRequests"`
}

// NewStats returns the zero-value record for a freshly materialized key:
// CLOSED, zero counters, LastSuccessTime set to now (spec.md §3 Lifecycle).
func NewStats(now time.Time) *Stats {
	t := now
	return &Stats{
		State:           StateClosed,
		LastSuccessTime: &t,
	}
}

// Clone returns a deep-enough copy safe to hand to callers/watchers without
// aliasing the store's own timestamps.
func (s *Stats) Clone() *Stats {
	if s == nil {
		return nil
	}
	c := *s
	if s.LastFailureTime != nil {
		t := *s.LastFailureTime
		c.LastFailureTime = &t
	}
	if s.LastSuccessTime != nil {
		t := *s.LastSuccessTime
		c.LastSuccessTime = &t
	}
	if s.LastUpdateTime != nil {
		t := *s.LastUpdateTime
		c.LastUpdateTime = &t
	}
	return &c
}

// StateStore is the watchable key/value interface a Breaker persists its
// Stats through. It is the external collaborator described in spec.md §6;
// see the store/ package for reference drivers.
//
// Implementations MUST serialize Stats in a stable, self-describing,
// cross-implementation form. Of the reference drivers, redisstore namespaces
// keys as "circuit-breaker/<serviceKey>" and stores JSON; memstore keeps
// records in memory and pgstore in table columns, both keyed by the bare
// serviceKey without that prefix.
type StateStore interface {
	// Get returns the record for key, or nil if absent.
	Get(ctx context.Context, key string) (*Stats, error)

	// Put writes stats unconditionally.
	Put(ctx context.Context, key string, stats *Stats) error

	// IncrementFailureCount increments FailureCount, FailedRequests and
	// TotalRequests, sets LastFailureTime to now, and returns the new
	// FailureCount. If key is absent, a fresh record is materialized with
	// counters seeded to 1 and State=CLOSED. Implementations SHOULD make
	// this atomic (CAS loop, Lua script, or a single UPDATE...RETURNING)
	// but exact counts under contention are advisory, not load-bearing
	// (spec.md §9).
	IncrementFailureCount(ctx context.Context, key string) (int, error)

	// Reset zeroes FailureCount, clears LastFailureTime/LastError, and
	// leaves monotonic totals untouched.
	Reset(ctx context.Context, key string) error

	// Watch registers callback to be invoked with the latest Stats
	// whenever key's record changes. Delivery is at-least-once,
	// best-effort ordered. callback must not block. The returned cancel
	// function detaches this one watcher; it is idempotent.
	Watch(ctx context.Context, key string, callback func(*Stats)) (cancel func(), err error)

	// Close releases watchers and connections. Idempotent.
	Close() error
}

// Observable error categories (spec.md §4.2, §7).
var (
	// ErrCircuitOpen is returned when state=OPEN and the cool-down has not
	// elapsed.
	ErrCircuitOpen = errors.New("breaker: circuit open")

	// ErrOverloaded is returned when activeRequests >= MaxConcurrent.
	ErrOverloaded = errors.New("breaker: overloaded")

	// ErrServiceTimeout is returned when the deadline elapses before the
	// thunk resolves.
	ErrServiceTimeout = errors.New("breaker: service timeout")
)

// EventKind names one of the fixed event kinds a Breaker publishes
// (spec.md §4.2.4).
type EventKind string

const (
	EventStateChange EventKind = "stateChange"
	EventCircuitOpen EventKind = "circuitOpen"
	EventFailure     EventKind = "failure"
	EventSuccess     EventKind = "success"
	EventTimeout     EventKind = "timeout"
	EventRejected    EventKind = "rejected"
	EventMetrics     EventKind = "metrics"
	EventHealthCheck EventKind = "healthCheck"
	EventStateUpdate EventKind = "stateUpdate"
)

// Event is the tagged payload delivered to subscribers. Only the fields
// relevant to Kind are populated; the rest are zero.
type Event struct {
	Kind EventKind

	ServiceKey string
	From, To   CircuitState // EventStateChange

	Err   error  // EventCircuitOpen, EventFailure, EventTimeout, EventRejected
	Stats *Stats // EventCircuitOpen, EventFailure, EventSuccess, EventTimeout, EventRejected, EventHealthCheck, EventStateUpdate

	ResponseTime time.Duration // EventSuccess

	Metrics *MetricsSnapshot // EventMetrics
}
