package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ledger:account:"

// Coordinator pokes the externally-owned read cache after commits. The event
// log is the source of truth; every call here is best-effort and failures
// only mean the cache serves stale data until its TTL expires.
type Coordinator struct {
	rdb    *redis.Client
	logger *slog.Logger
	ttl    time.Duration
}

func NewCoordinator(rdb *redis.Client, logger *slog.Logger, ttl time.Duration) *Coordinator {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Coordinator{rdb: rdb, logger: logger, ttl: ttl}
}

// OnCommitted invalidates the cached entry for an aggregate after a
// successful append.
func (c *Coordinator) OnCommitted(ctx context.Context, aggregateID uuid.UUID, version int64) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, key(aggregateID)).Err(); err != nil {
		c.logger.Warn("cache invalidation failed",
			"aggregate_id", aggregateID,
			"version", version,
			"err", err,
		)
	}
}

// Refresh writes a serialized view through to the cache with the TTL.
func (c *Coordinator) Refresh(ctx context.Context, aggregateID uuid.UUID, payload []byte) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Set(ctx, key(aggregateID), payload, c.ttl).Err(); err != nil {
		c.logger.Warn("cache refresh failed", "aggregate_id", aggregateID, "err", err)
	}
}

// Get reads the cached view. A miss or redis error both report not-found.
func (c *Coordinator) Get(ctx context.Context, aggregateID uuid.UUID) ([]byte, bool) {
	if c == nil || c.rdb == nil {
		return nil, false
	}
	v, err := c.rdb.Get(ctx, key(aggregateID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("cache read failed", "aggregate_id", aggregateID, "err", err)
		}
		return nil, false
	}
	return v, true
}

func key(aggregateID uuid.UUID) string {
	return keyPrefix + aggregateID.String()
}
