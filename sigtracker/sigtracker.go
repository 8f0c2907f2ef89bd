// Package sigtracker deduplicates external payment signatures so a single
// deposit is never credited twice. The store is TTL-bounded and fails open:
// if it is unreachable the tracker reports signatures as unique, trading a
// higher replay risk for not blocking legitimate payments. That trade-off
// is deliberate.
package sigtracker

import (
	"context"
	"time"

	"github.com/decred/slog"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a used signature stays on record.
const DefaultTTL = 24 * time.Hour

// Tracker answers "has this signature been credited before?".
type Tracker interface {
	// IsUnique reports whether sig has not been marked used within scope.
	IsUnique(ctx context.Context, sig, scope string) bool
	// MarkUsed records sig as used within scope.
	MarkUsed(ctx context.Context, sig, scope string)
}

// RedisTracker is the Redis-backed Tracker.
type RedisTracker struct {
	rdb *redis.Client
	ttl time.Duration
	log slog.Logger
}

// NewRedisTracker wraps an existing Redis client.
func NewRedisTracker(rdb *redis.Client, ttl time.Duration, log slog.Logger) *RedisTracker {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &RedisTracker{rdb: rdb, ttl: ttl, log: log}
}

var _ Tracker = (*RedisTracker)(nil)

func key(sig, scope string) string {
	if scope == "" {
		scope = "global"
	}
	return "guess5:sig:" + scope + ":" + sig
}

func (t *RedisTracker) IsUnique(ctx context.Context, sig, scope string) bool {
	n, err := t.rdb.Exists(ctx, key(sig, scope)).Result()
	if err != nil {
		// Fail open: an unreachable store must not block payments.
		t.log.Warnf("sigtracker: store unreachable, treating %s as unique: %v", sig, err)
		return true
	}
	return n == 0
}

func (t *RedisTracker) MarkUsed(ctx context.Context, sig, scope string) {
	if err := t.rdb.Set(ctx, key(sig, scope), 1, t.ttl).Err(); err != nil {
		t.log.Warnf("sigtracker: failed to mark %s used: %v", sig, err)
	}
}
