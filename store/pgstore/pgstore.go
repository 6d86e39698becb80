// Package pgstore is a breaker.StateStore backed by PostgreSQL via
// github.com/jackc/pgx/v5/pgxpool, one row per service key in a
// circuit_breaker_stats table created by ensureSchema the way the nova
// reference repo's store package bootstraps its own tables on construction.
// IncrementFailureCount is a single INSERT ... ON CONFLICT DO UPDATE ...
// RETURNING upsert, transactionally atomic at the row level; Watch uses a dedicated LISTEN connection per
// watched key with NOTIFY fired from a trigger on the same table.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/1mb-dev/distbreaker/internal/breaker"
)

const schema = `
CREATE TABLE IF NOT EXISTS circuit_breaker_stats (
	service_key           TEXT PRIMARY KEY,
	state                 SMALLINT NOT NULL,
	failure_count         INTEGER NOT NULL DEFAULT 0,
	last_failure_time     TIMESTAMPTZ,
	last_success_time     TIMESTAMPTZ,
	last_update_time      TIMESTAMPTZ,
	last_error            TEXT NOT NULL DEFAULT '',
	total_requests        BIGINT NOT NULL DEFAULT 0,
	successful_requests   BIGINT NOT NULL DEFAULT 0,
	failed_requests       BIGINT NOT NULL DEFAULT 0,
	current_load          INTEGER NOT NULL DEFAULT 0,
	average_response_time BIGINT NOT NULL DEFAULT 0,
	last_minute_requests  INTEGER NOT NULL DEFAULT 0
);

CREATE OR REPLACE FUNCTION circuit_breaker_stats_notify() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('circuit_breaker_stats_changed', NEW.service_key);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS circuit_breaker_stats_notify_trigger ON circuit_breaker_stats;
CREATE TRIGGER circuit_breaker_stats_notify_trigger
	AFTER INSERT OR UPDATE ON circuit_breaker_stats
	FOR EACH ROW EXECUTE FUNCTION circuit_breaker_stats_notify();
`

const notifyChannel = "circuit_breaker_stats_changed"

// Store is a PostgreSQL-backed breaker.StateStore.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger

	mu      sync.Mutex
	cancels []func()
}

// New connects to dsn, runs ensureSchema, and returns a ready Store.
func New(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		return nil, fmt.Errorf("pgstore: dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgstore: connect: %w", err)
	}
	s := &Store{pool: pool, log: log.With().Str("component", "pgstore").Logger()}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";\n\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("pgstore: ensure schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (*breaker.Stats, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT state, failure_count, last_failure_time, last_success_time, last_update_time,
		       last_error, total_requests, successful_requests, failed_requests,
		       current_load, average_response_time, last_minute_requests
		FROM circuit_breaker_stats WHERE service_key = $1`, key)
	stats, err := scanStats(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pgstore: get %s: %w", key, err)
	}
	return stats, nil
}

func (s *Store) Put(ctx context.Context, key string, stats *breaker.Stats) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO circuit_breaker_stats
			(service_key, state, failure_count, last_failure_time, last_success_time, last_update_time,
			 last_error, total_requests, successful_requests, failed_requests,
			 current_load, average_response_time, last_minute_requests)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (service_key) DO UPDATE SET
			state                 = EXCLUDED.state,
			failure_count         = EXCLUDED.failure_count,
			last_failure_time     = EXCLUDED.last_failure_time,
			last_success_time     = EXCLUDED.last_success_time,
			last_update_time      = EXCLUDED.last_update_time,
			last_error            = EXCLUDED.last_error,
			total_requests        = EXCLUDED.total_requests,
			successful_requests   = EXCLUDED.successful_requests,
			failed_requests       = EXCLUDED.failed_requests,
			current_load          = EXCLUDED.current_load,
			average_response_time = EXCLUDED.average_response_time,
			last_minute_requests  = EXCLUDED.last_minute_requests`,
		key, int32(stats.State), stats.FailureCount, stats.LastFailureTime, stats.LastSuccessTime, stats.LastUpdateTime,
		stats.LastError, stats.TotalRequests, stats.SuccessfulRequests, stats.FailedRequests,
		stats.CurrentLoad, int64(stats.AverageResponseTime), stats.LastMinuteRequests,
	)
	if err != nil {
		return fmt.Errorf("pgstore: put %s: %w", key, err)
	}
	return nil
}

// IncrementFailureCount is a single INSERT ... ON CONFLICT DO UPDATE ...
// RETURNING statement (materializing an absent key with counters at 1),
// atomic at the row level per the CAS-when-available contract in
// breaker.StateStore.
func (s *Store) IncrementFailureCount(ctx context.Context, key string) (int, error) {
	now := time.Now()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO circuit_breaker_stats (service_key, state, failure_count, last_failure_time, total_requests, failed_requests)
		VALUES ($1, 0, 1, $2, 1, 1)
		ON CONFLICT (service_key) DO UPDATE SET
			failure_count     = circuit_breaker_stats.failure_count + 1,
			failed_requests   = circuit_breaker_stats.failed_requests + 1,
			total_requests    = circuit_breaker_stats.total_requests + 1,
			last_failure_time = $2
		RETURNING failure_count`, key, now)

	var n int
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("pgstore: increment %s: %w", key, err)
	}
	return n, nil
}

func (s *Store) Reset(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE circuit_breaker_stats
		SET failure_count = 0, last_failure_time = NULL, last_error = ''
		WHERE service_key = $1`, key)
	if err != nil {
		return fmt.Errorf("pgstore: reset %s: %w", key, err)
	}
	return nil
}

// Watch acquires a dedicated pooled connection, issues LISTEN on
// notifyChannel, and filters notifications to key so the shared trigger can
// serve every watcher across the pool.
func (s *Store) Watch(ctx context.Context, key string, callback func(*breaker.Stats)) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgstore: watch %s: acquire: %w", key, err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("pgstore: watch %s: listen: %w", key, err)
	}

	watchCtx, cancelCtx := context.WithCancel(ctx)

	go func() {
		defer conn.Release()
		for {
			notification, err := conn.Conn().WaitForNotification(watchCtx)
			if err != nil {
				if watchCtx.Err() == nil {
					s.log.Warn().Err(err).Str("key", key).Msg("watch: wait for notification failed")
				}
				return
			}
			if notification.Payload != key {
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
	}()

	var once sync.Once
	cancel := func() {
		once.Do(cancelCtx)
	}

	s.mu.Lock()
	s.cancels = append(s.cancels, cancel)
	s.mu.Unlock()

	return cancel, nil
}

// Close detaches every outstanding Watch and closes the pool. Idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	cancels := s.cancels
	s.cancels = nil
	s.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}

	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func scanStats(row pgx.Row) (*breaker.Stats, error) {
	var (
		stats       breaker.Stats
		state       int32
		avgRespNano int64
	)
	err := row.Scan(
		&state, &stats.FailureCount, &stats.LastFailureTime, &stats.LastSuccessTime, &stats.LastUpdateTime,
		&stats.LastError, &stats.TotalRequests, &stats.SuccessfulRequests, &stats.FailedRequests,
		&stats.CurrentLoad, &avgRespNano, &stats.LastMinuteRequests,
	)
	if err != nil {
		return nil, err
	}
	stats.State = breaker.CircuitState(state)
	stats.AverageResponseTime = time.Duration(avgRespNano)
	return &stats, nil
}
