// Package metrics gives the Gateway a place to record backpressure drops
// (spec.md §5: a lagging connection is disconnected rather than allowed
// to block a producer) that survives a daemon restart, so an operator can
// tell a connection that just reconnected apart from one that has been
// silently dropping for hours.
//
// Grounded in the teacher's internal/cache package, which wraps
// `redis/go-redis/v9` behind a small Config/enabled-or-not client and is
// the only Redis usage anywhere in the example pack; this package follows
// the same "optional, falls back to a no-op" shape instead of the
// teacher's read-through HTTP response cache, since RelayBroker has
// nothing cacheable in that sense — only a counter worth persisting.
package metrics

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/relaybroker/relaybroker/internal/logger"
)

// DropRecorder records a lag-induced connection drop, keyed by connection
// id, for later inspection.
type DropRecorder interface {
	RecordDrop(connID string)
}

// NoopRecorder discards every call; used when Redis is not configured.
type NoopRecorder struct{}

// RecordDrop is a no-op.
func (NoopRecorder) RecordDrop(string) {}

// RedisRecorder persists a count of backpressure drops per connection id
// in a Redis hash, so the counters outlive a relaybrokerd restart. No
// process-wide total is kept.
type RedisRecorder struct {
	client *redis.Client
}

// NewRedisRecorder builds a RedisRecorder against addr, verifying
// connectivity with a bounded ping before returning.
func NewRedisRecorder(addr string) (*RedisRecorder, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return &RedisRecorder{client: client}, nil
}

const dropCounterKey = "relaybroker:backpressure:drops"

// RecordDrop increments this connection's drop count in the shared hash.
// Failures are logged, not surfaced — a metrics write must never slow
// down or block disconnecting a lagging client.
func (r *RedisRecorder) RecordDrop(connID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.HIncrBy(ctx, dropCounterKey, connID, 1).Err(); err != nil {
		logger.Gateway().Warn().Err(err).Str("connection_id", connID).Msg("failed to record backpressure drop in redis")
	}
}

// Close releases the underlying Redis client.
func (r *RedisRecorder) Close() error {
	return r.client.Close()
}
