package distbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/1mb-dev/distbreaker/store/memstore"
)

// TestEndToEndFactoryShardBreaker exercises the full stack a caller actually
// uses: a Factory creates a ShardGroup backed by a shared StateStore, calls
// route to shards by key, failures trip a shard's circuit independently of
// its siblings, and the aggregate state is observable through the Factory.
func TestEndToEndFactoryShardBreaker(t *testing.T) {
	store := memstore.New()
	opts := DefaultOptions()
	opts.FailureThreshold = 2
	opts.ResetTimeout = 50 * time.Millisecond

	f := NewFactory(store, opts)
	defer f.Cleanup()

	if _, err := f.CreateGroup(GroupConfig{Name: "orders", ShardCount: 2}); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}
	if _, err := f.CreateGroup(GroupConfig{Name: "orders", ShardCount: 2}); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("duplicate CreateGroup() error = %v, want ErrAlreadyExists", err)
	}

	result, err := f.ExecuteWithKey("orders", "customer-42", func() (interface{}, error) {
		return "shipped", nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithKey() error = %v", err)
	}
	if !result.Success || result.Data != "shipped" {
		t.Errorf("result = %+v, want Success=true Data=shipped", result)
	}

	group, err := f.GetGroup("orders")
	if err != nil {
		t.Fatalf("GetGroup() error = %v", err)
	}

	boom := errors.New("downstream unavailable")
	for i := 0; i < opts.FailureThreshold; i++ {
		res, err := group.ExecuteOn(0, func() (interface{}, error) { return nil, boom })
		if err != nil {
			t.Fatalf("ExecuteOn() routing error = %v", err)
		}
		if !errors.Is(res.Err, boom) {
			t.Fatalf("result.Err = %v, want %v", res.Err, boom)
		}
	}

	state, err := group.GetState(context.Background(), 0)
	if err != nil {
		t.Fatalf("GetState(0) error = %v", err)
	}
	if state != StateOpen {
		t.Errorf("shard 0 state = %v, want OPEN", state)
	}

	otherState, err := group.GetState(context.Background(), 1)
	if err != nil {
		t.Fatalf("GetState(1) error = %v", err)
	}
	if otherState != StateClosed {
		t.Errorf("shard 1 state = %v, want CLOSED (failures on shard 0 must not leak)", otherState)
	}

	res, err := group.ExecuteOn(0, func() (interface{}, error) { return "unused", nil })
	if err != nil {
		t.Fatalf("ExecuteOn(0) routing error = %v", err)
	}
	if !errors.Is(res.Err, ErrCircuitOpen) {
		t.Errorf("result.Err = %v, want ErrCircuitOpen", res.Err)
	}

	time.Sleep(opts.ResetTimeout + 20*time.Millisecond)

	result, err = group.ExecuteOn(0, func() (interface{}, error) { return "recovered", nil })
	if err != nil {
		t.Fatalf("ExecuteOn(0) after reset timeout error = %v", err)
	}
	if !result.Success {
		t.Errorf("result.Success = false after HALF_OPEN trial succeeded")
	}

	state, err = group.GetState(context.Background(), 0)
	if err != nil {
		t.Fatalf("GetState(0) error = %v", err)
	}
	if state != StateClosed {
		t.Errorf("shard 0 state after successful trial = %v, want CLOSED", state)
	}
}

// TestFactoryEventFanOut exercises the listener-fan-out path across every
// shard of a group.
func TestFactoryEventFanOut(t *testing.T) {
	store := memstore.New()
	f := NewFactory(store, DefaultOptions())
	defer f.Cleanup()

	if _, err := f.CreateGroup(GroupConfig{Name: "search", ShardCount: 3}); err != nil {
		t.Fatalf("CreateGroup() error = %v", err)
	}

	seen := make(chan Event, 3)
	err := f.AddListeners("search", []ListenerSub{
		{Kind: EventSuccess, Listener: func(ev Event) { seen <- ev }},
	})
	if err != nil {
		t.Fatalf("AddListeners() error = %v", err)
	}

	for shardID := 0; shardID < 3; shardID++ {
		if _, err := f.ExecuteOn("search", shardID, func() (interface{}, error) { return "ok", nil }); err != nil {
			t.Fatalf("ExecuteOn(%d) error = %v", shardID, err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case <-seen:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for EventSuccess %d", i)
		}
	}
}
