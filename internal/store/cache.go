package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wb-go/wbf/redis"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/Egor-Pomidor-pdf/DelayedNotifier/internal/model"
)

// RedisCache is the read-through cache C2 layers over the pending
// store: one JSON blob per profile's pending-record list, keyed by
// ProfileRef.String(), set with an expiration and dropped on the next
// mutation instead of kept coherent.
type RedisCache struct {
	client     *redis.Client
	strategy   retry.Strategy
	expiration time.Duration
}

// NewRedisCache wraps an already-connected wb-go/wbf/redis client.
func NewRedisCache(client *redis.Client, strategy retry.Strategy, expiration time.Duration) *RedisCache {
	return &RedisCache{client: client, strategy: strategy, expiration: expiration}
}

var _ Cache = (*RedisCache)(nil)

func cacheKey(ref model.ProfileRef) string { return "pending:" + ref.String() }

// Warm populates the cache entry for a profile with its current pending
// records, called by the store after a read that missed the cache.
func (c *RedisCache) Warm(ctx context.Context, ref model.ProfileRef, records []*model.PendingRecord) {
	data, err := json.Marshal(records)
	if err != nil {
		zlog.Logger.Warn().Err(err).Msg("cache: marshal pending records")
		return
	}
	if err := c.client.SetWithExpiration(ctx, cacheKey(ref), data, c.expiration); err != nil {
		zlog.Logger.Warn().Err(err).Str("profile", ref.String()).Msg("cache: set failed")
	}
}

// Lookup returns the cached pending-record list for a profile, if present
// and still fresh.
func (c *RedisCache) Lookup(ctx context.Context, ref model.ProfileRef) ([]*model.PendingRecord, bool) {
	data, err := c.client.Get(ctx, cacheKey(ref))
	if err != nil {
		return nil, false
	}
	var records []*model.PendingRecord
	if err := json.Unmarshal([]byte(data), &records); err != nil {
		zlog.Logger.Warn().Err(err).Str("profile", ref.String()).Msg("cache: unmarshal failed")
		return nil, false
	}
	return records, true
}

// Invalidate drops the cache entry for a profile; the store calls this on
// every mutation so the cache can never serve state older than the last
// write — only Store.ByProfile consults the cache; every other read goes
// straight to the in-memory document.
func (c *RedisCache) Invalidate(ref model.ProfileRef) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.client.Del(ctx, cacheKey(ref)); err != nil {
		zlog.Logger.Warn().Err(err).Str("profile", ref.String()).Msg("cache: invalidate failed")
	}
}
