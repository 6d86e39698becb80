// Package redisstore is a breaker.StateStore backed by Redis, using
// github.com/redis/go-redis/v9. Records are JSON-encoded and namespaced
// "circuit-breaker/<serviceKey>"; IncrementFailureCount is a single Lua
// script so the read-increment-write cycle is one round trip instead of a
// client-side CAS loop, the same single-RTT-script pattern the nova
// reference repo's store package uses for its name->id lookup.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/1mb-dev/distbreaker/internal/breaker"
)

const keyPrefix = "circuit-breaker/"

// incrementScript performs the whole incrementFailureCount read-modify-write
// as one server-side round trip: decode the existing value (or synthesize a
// fresh CLOSED record), bump the three counters, stamp lastFailureTime, and
// write the result back, returning the new failureCount.
//
// KEYS[1] = record key
// ARGV[1] = RFC3339Nano timestamp for "now"
var incrementScript = redis.NewScript(`
local raw = redis.call('GET', KEYS[1])
local rec
if raw then
  rec = cjson.decode(raw)
else
  rec = {state = 0, failureCount = 0, totalRequests = 0, successfulRequests = 0, failedRequests = 0}
end
rec.failureCount = (rec.failureCount or 0) + 1
rec.failedRequests = (rec.failedRequests or 0) + 1
rec.totalRequests = (rec.totalRequests or 0) + 1
rec.lastFailureTime = ARGV[1]
redis.call('SET', KEYS[1], cjson.encode(rec))
return rec.failureCount
`)

// Config configures a Store.
type Config struct {
	// Client is a pre-constructed client; if nil, Addr/Password/DB build one.
	Client   redis.UniversalClient
	Addr     string
	Password string
	DB       int
}

// Store is a Redis-backed breaker.StateStore.
type Store struct {
	client  redis.UniversalClient
	ownsDB  bool
	log     zerolog.Logger
	mu      sync.Mutex
	cancels []func()
}

// New constructs a Store. If cfg.Client is set it is used as-is (the caller
// owns its lifecycle); otherwise a client is built from cfg.Addr/Password/DB
// and closed by Store.Close.
func New(cfg Config) *Store {
	client := cfg.Client
	owns := false
	if client == nil {
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		})
		owns = true
	}
	return &Store{
		client: client,
		ownsDB: owns,
		log:    log.With().Str("component", "redisstore").Logger(),
	}
}

func namespacedKey(key string) string {
	return keyPrefix + key
}

func (s *Store) Get(ctx context.Context, key string) (*breaker.Stats, error) {
	raw, err := s.client.Get(ctx, namespacedKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: get %s: %w", key, err)
	}
	var stats breaker.Stats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return nil, fmt.Errorf("redisstore: decode %s: %w", key, err)
	}
	return &stats, nil
}

func (s *Store) Put(ctx context.Context, key string, stats *breaker.Stats) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("redisstore: encode %s: %w", key, err)
	}
	if err := s.client.Set(ctx, namespacedKey(key), raw, 0).Err(); err != nil {
		return fmt.Errorf("redisstore: set %s: %w", key, err)
	}
	return nil
}

func (s *Store) IncrementFailureCount(ctx context.Context, key string) (int, error) {
	now := time.Now().Format(time.RFC3339Nano)
	result, err := incrementScript.Run(ctx, s.client, []string{namespacedKey(key)}, now).Result()
	if err != nil {
		return 0, fmt.Errorf("redisstore: increment %s: %w", key, err)
	}
	n, ok := result.(int64)
	if !ok {
		return 0, fmt.Errorf("redisstore: increment %s: unexpected script result type %T", key, result)
	}
	return int(n), nil
}

func (s *Store) Reset(ctx context.Context, key string) error {
	stats, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if stats == nil {
		return nil
	}
	stats.FailureCount = 0
	stats.LastFailureTime = nil
	stats.LastError = ""
	return s.Put(ctx, key, stats)
}

// Watch subscribes to Redis keyspace notifications for namespacedKey(key)
// and invokes callback with the latest value on every "set" event. It
// listens on the keyevent channel, so it requires the server to have
// `notify-keyspace-events` including the `E` (keyevent) and `$` (string
// commands) classes enabled; a dedicated PubSub connection is held per call.
func (s *Store) Watch(ctx context.Context, key string, callback func(*breaker.Stats)) (func(), error) {
	db := 0
	if opts, ok := s.client.(*redis.Client); ok {
		db = opts.Options().DB
	}
	channel := fmt.Sprintf("__keyevent@%d__:set", db)

	pubsub := s.client.PSubscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redisstore: subscribe %s: %w", channel, err)
	}

	watchCtx, cancelCtx := context.WithCancel(ctx)
	target := namespacedKey(key)

	go func() {
		ch := pubsub.Channel()
		for {
			select {
			case <-watchCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if msg.Payload != target {
					continue
				}
				stats, err := s.Get(watchCtx, key)
				if err != nil {
					s.log.Warn().Err(err).Str("key", key).Msg("watch: reload after notification failed")
					continue
				}
				if stats != nil {
					callback(stats)
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			cancelCtx()
			pubsub.Close()
		})
	}

	s.mu.Lock()
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()

	return cancel, nil
}

// Close detaches every outstanding Watch and, if this Store constructed its
// own client, closes it. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	if !s.ownsDB {
		return nil
	}
	if closer, ok := s.client.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// scriptSource returns the Lua source, exposed for tests that assert on the
// script's text without requiring a live Redis server (load-once via
// EVALSHA is handled transparently by redis.Script.Run).
func scriptSource() string {
	return strings.TrimSpace(incrementScript.Script)
}
