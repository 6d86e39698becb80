// Package shard fans a single logical service out across a fixed number of
// independent breaker.Breaker instances ("shards"), routing a caller-supplied
// key to exactly one shard with a hash that is stable across processes and
// restarts.
package shard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/1mb-dev/distbreaker/internal/breaker"
)

// DefaultShardCount is used when a ShardGroup is created with shardCount <= 0.
const DefaultShardCount = 4

// ErrInvalidShard is returned by GetBreaker/ExecuteOn for an out-of-range
// shard index.
var ErrInvalidShard = errors.New("shard: invalid shard id")

// CallResult is the product type returned by ExecuteOn/ExecuteWithKey: a
// uniform envelope describing one call's outcome regardless of whether it
// succeeded, was rejected, or errored.
type CallResult struct {
	Success      bool
	Data         interface{}
	Err          error
	Service      string
	ShardID      int
	ResponseTime time.Duration
	CircuitOpen  bool
}

// Group holds shardCount Breakers for one logical service, each keyed
// "<serviceName>-<i>", and routes caller keys to a shard with a deterministic
// hash (djb2Hash, see hash.go).
type Group struct {
	serviceName string
	shardCount  int
	breakers    []*breaker.Breaker
	log         zerolog.Logger
}

// New constructs a Group of shardCount Breakers (DefaultShardCount if <= 0)
// against store, applying opts to every shard.
func New(serviceName string, shardCount int, store breaker.StateStore, opts breaker.Options) *Group {
	if shardCount <= 0 {
		shardCount = DefaultShardCount
	}

	g := &Group{
		serviceName: serviceName,
		shardCount:  shardCount,
		breakers:    make([]*breaker.Breaker, shardCount),
		log:         log.With().Str("component", "shard_group").Str("service", serviceName).Logger(),
	}
	for i := 0; i < shardCount; i++ {
		key := fmt.Sprintf("%s-%d", serviceName, i)
		g.breakers[i] = breaker.New(key, store, opts)
	}
	return g
}

// ServiceName returns the logical service name this group was created for.
func (g *Group) ServiceName() string {
	return g.serviceName
}

// ShardCount returns the fixed number of shards in this group.
func (g *Group) ShardCount() int {
	return g.shardCount
}

// GetBreaker returns the Breaker for shardID, or ErrInvalidShard if out of
// range.
func (g *Group) GetBreaker(shardID int) (*breaker.Breaker, error) {
	if shardID < 0 || shardID >= g.shardCount {
		return nil, fmt.Errorf("%w: %d (shardCount=%d)", ErrInvalidShard, shardID, g.shardCount)
	}
	return g.breakers[shardID], nil
}

// GetState returns the current CircuitState of shardID.
func (g *Group) GetState(ctx context.Context, shardID int) (breaker.CircuitState, error) {
	b, err := g.GetBreaker(shardID)
	if err != nil {
		return breaker.StateClosed, err
	}
	stats, err := b.GetStats(ctx)
	if err != nil {
		return breaker.StateClosed, err
	}
	if stats == nil {
		return breaker.StateClosed, nil
	}
	return stats.State, nil
}

// GetStates returns the CircuitState of every shard, keyed by shard id.
// A per-shard StateStore read failure is logged and that shard is omitted
// rather than failing the whole call.
func (g *Group) GetStates(ctx context.Context) map[int]breaker.CircuitState {
	states := make(map[int]breaker.CircuitState, g.shardCount)
	for i, b := range g.breakers {
		stats, err := b.GetStats(ctx)
		if err != nil {
			g.log.Warn().Err(err).Int("shard_id", i).Msg("state store read failed listing shard states")
			continue
		}
		if stats == nil {
			states[i] = breaker.StateClosed
			continue
		}
		states[i] = stats.State
	}
	return states
}

// RouteKey maps key to a shard id using the djb2 hash, stable across
// processes and restarts for a fixed shard count.
func (g *Group) RouteKey(key string) int {
	return shardIndex(key, g.shardCount)
}

// ExecuteOn runs thunk against shardID's Breaker and wraps the outcome as a
// CallResult. ErrInvalidShard is a programming error returned directly, not
// folded into the CallResult.
func (g *Group) ExecuteOn(shardID int, thunk func() (interface{}, error)) (CallResult, error) {
	b, err := g.GetBreaker(shardID)
	if err != nil {
		return CallResult{}, err
	}

	start := time.Now()
	data, callErr := b.Execute(thunk)
	elapsed := time.Since(start)

	return CallResult{
		Success:      callErr == nil,
		Data:         data,
		Err:          callErr,
		Service:      g.serviceName,
		ShardID:      shardID,
		ResponseTime: elapsed,
		CircuitOpen:  errors.Is(callErr, breaker.ErrCircuitOpen),
	}, nil
}

// ExecuteWithKey routes key to a shard via RouteKey, then delegates to
// ExecuteOn.
func (g *Group) ExecuteWithKey(key string, thunk func() (interface{}, error)) (CallResult, error) {
	return g.ExecuteOn(g.RouteKey(key), thunk)
}

// Breakers returns the underlying Breaker slice for callers that need direct
// access (e.g. event subscription fan-out in the factory package).
func (g *Group) Breakers() []*breaker.Breaker {
	return g.breakers
}

// Stop stops every shard's Breaker. Idempotent.
func (g *Group) Stop() {
	for _, b := range g.breakers {
		b.Stop()
	}
}
