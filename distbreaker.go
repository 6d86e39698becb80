// Package distbreaker implements a distributed circuit breaker: a
// CLOSED/OPEN/HALF_OPEN state machine whose record for each protected
// service lives in an external, watchable StateStore instead of local
// process memory, so a fleet of identically configured callers shares one
// view of a downstream's health.
//
// A single Breaker protects one service key. A ShardGroup fans a logical
// service out across a fixed number of Breakers with deterministic
// key-to-shard routing, and a Factory is a registry of named ShardGroups
// sharing one StateStore.
//
//	store := memstore.New()
//	b := distbreaker.New("payment-service", store, distbreaker.DefaultOptions())
//	defer b.Stop()
//
//	result, err := b.Execute(func() (interface{}, error) {
//	    return paymentClient.Charge(ctx, amount)
//	})
//	if errors.Is(err, distbreaker.ErrCircuitOpen) {
//	    // fail fast, the downstream is unhealthy
//	}
//
// See store/memstore, store/redisstore, and store/pgstore for StateStore
// implementations, and observability/promexport to expose a ShardGroup or
// Factory as Prometheus metrics.
package distbreaker

import (
	"github.com/1mb-dev/distbreaker/internal/breaker"
	"github.com/1mb-dev/distbreaker/internal/factory"
	"github.com/1mb-dev/distbreaker/internal/shard"
)

// Core types. See internal/breaker, internal/shard, and internal/factory
// for field-level documentation.
type (
	CircuitState = breaker.CircuitState
	Options      = breaker.Options
	Stats        = breaker.Stats
	StateStore   = breaker.StateStore
	Breaker      = breaker.Breaker
	EventKind    = breaker.EventKind
	Event        = breaker.Event

	ShardGroup  = shard.Group
	CallResult  = shard.CallResult
	Factory     = factory.Factory
	GroupConfig = factory.GroupConfig
	ListenerSub = factory.ListenerSub
)

// CircuitState values.
const (
	StateClosed   = breaker.StateClosed
	StateOpen     = breaker.StateOpen
	StateHalfOpen = breaker.StateHalfOpen
)

// Event kinds published by a Breaker.
const (
	EventStateChange = breaker.EventStateChange
	EventCircuitOpen = breaker.EventCircuitOpen
	EventFailure     = breaker.EventFailure
	EventSuccess     = breaker.EventSuccess
	EventTimeout     = breaker.EventTimeout
	EventRejected    = breaker.EventRejected
	EventMetrics     = breaker.EventMetrics
	EventHealthCheck = breaker.EventHealthCheck
	EventStateUpdate = breaker.EventStateUpdate
)

// Observable errors.
var (
	ErrCircuitOpen    = breaker.ErrCircuitOpen
	ErrOverloaded     = breaker.ErrOverloaded
	ErrServiceTimeout = breaker.ErrServiceTimeout

	ErrInvalidShard = shard.ErrInvalidShard

	ErrAlreadyExists  = factory.ErrAlreadyExists
	ErrUnknownService = factory.ErrUnknownService
)

// DefaultOptions returns the spec-default Options: FailureThreshold 5,
// ResetTimeout 60s, HalfOpenRetryLimit 1, MonitorInterval 30s,
// ServiceTimeout 5s, MaxConcurrent 10_000.
var DefaultOptions = breaker.DefaultOptions

// New constructs a Breaker for serviceKey against store with opts, starting
// its background health-check and metrics-tick loops immediately.
var New = breaker.New

// NewShardGroup constructs a ShardGroup of shardCount Breakers (4 if <= 0)
// for serviceName against store, applying opts to every shard.
var NewShardGroup = shard.New

// NewFactory constructs a Factory that creates ShardGroups against store,
// defaulting to baseOptions for groups that don't override Options.
var NewFactory = factory.New
