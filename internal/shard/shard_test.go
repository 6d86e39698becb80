package shard

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/1mb-dev/distbreaker/internal/breaker"
	"github.com/1mb-dev/distbreaker/store/memstore"
)

func TestRouteKeyIsStableAcrossCalls(t *testing.T) {
	g := New("payment", 4, memstore.New(), breaker.DefaultOptions())
	defer g.Stop()

	first := g.RouteKey("user-123")
	second := g.RouteKey("user-123")
	if first != second {
		t.Errorf("RouteKey not stable: %d != %d", first, second)
	}
}

func TestRouteKeyIsBalanced(t *testing.T) {
	g := New("payment", 4, memstore.New(), breaker.DefaultOptions())
	defer g.Stop()

	counts := make(map[int]int)
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("key-%d", i)
		counts[g.RouteKey(key)]++
	}

	for shard, count := range counts {
		if count < 150 || count > 350 {
			t.Errorf("shard %d received %d keys, want between 150 and 350", shard, count)
		}
	}
}

func TestRouteKeySmallSampleSpread(t *testing.T) {
	g := New("payment", 4, memstore.New(), breaker.DefaultOptions())
	defer g.Stop()

	counts := make(map[int]int)
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("user-%d", i)
		counts[g.RouteKey(key)]++
	}

	min, max := 1<<31, 0
	for _, c := range counts {
		if c < min {
			min = c
		}
		if c > max {
			max = c
		}
	}
	if max-min >= 50 {
		t.Errorf("shard distribution spread = %d, want < 50 (counts=%v)", max-min, counts)
	}
}

func TestGetBreakerBoundsChecked(t *testing.T) {
	g := New("payment", 2, memstore.New(), breaker.DefaultOptions())
	defer g.Stop()

	if _, err := g.GetBreaker(5); !errors.Is(err, ErrInvalidShard) {
		t.Errorf("GetBreaker(5) error = %v, want ErrInvalidShard", err)
	}
	if _, err := g.GetBreaker(-1); !errors.Is(err, ErrInvalidShard) {
		t.Errorf("GetBreaker(-1) error = %v, want ErrInvalidShard", err)
	}
	if _, err := g.GetBreaker(0); err != nil {
		t.Errorf("GetBreaker(0) error = %v, want nil", err)
	}
}

func TestExecuteOnWrapsResultAsCallResult(t *testing.T) {
	g := New("payment", 2, memstore.New(), breaker.DefaultOptions())
	defer g.Stop()

	result, err := g.ExecuteOn(0, func() (interface{}, error) { return "ok", nil })
	if err != nil {
		t.Fatalf("ExecuteOn() error = %v, want nil", err)
	}
	if !result.Success {
		t.Error("result.Success = false, want true")
	}
	if result.Data != "ok" {
		t.Errorf("result.Data = %v, want ok", result.Data)
	}
	if result.Service != "payment" {
		t.Errorf("result.Service = %v, want payment", result.Service)
	}
	if result.ShardID != 0 {
		t.Errorf("result.ShardID = %v, want 0", result.ShardID)
	}
}

func TestExecuteOnMarksCircuitOpen(t *testing.T) {
	opts := breaker.DefaultOptions()
	opts.FailureThreshold = 1
	g := New("payment", 2, memstore.New(), opts)
	defer g.Stop()

	if _, err := g.ExecuteOn(0, func() (interface{}, error) { return nil, errors.New("boom") }); err != nil {
		t.Fatalf("ExecuteOn() error = %v, want nil", err)
	}

	result, err := g.ExecuteOn(0, func() (interface{}, error) { return "ok", nil })
	if err != nil {
		t.Fatalf("ExecuteOn() error = %v, want nil", err)
	}
	if result.Success {
		t.Error("result.Success = true, want false (circuit open)")
	}
	if !result.CircuitOpen {
		t.Error("result.CircuitOpen = false, want true")
	}
}

func TestExecuteWithKeyDeterministicShard(t *testing.T) {
	g := New("payment", 4, memstore.New(), breaker.DefaultOptions())
	defer g.Stop()

	r1, _ := g.ExecuteWithKey("user-123", func() (interface{}, error) { return "a", nil })
	r2, _ := g.ExecuteWithKey("user-123", func() (interface{}, error) { return "b", nil })

	if r1.ShardID != r2.ShardID {
		t.Errorf("ShardID changed across calls: %d != %d", r1.ShardID, r2.ShardID)
	}
}

func TestGetStatesReturnsAllShards(t *testing.T) {
	g := New("payment", 3, memstore.New(), breaker.DefaultOptions())
	defer g.Stop()

	states := g.GetStates(context.Background())
	if len(states) != 3 {
		t.Errorf("len(states) = %v, want 3", len(states))
	}
	for i, s := range states {
		if s != breaker.StateClosed {
			t.Errorf("shard %d state = %v, want CLOSED", i, s)
		}
	}
}
