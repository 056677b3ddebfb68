package billing

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupKeyPrefix = "webhook:event:"

// RedisDeduper short-circuits redelivered webhook events. The
// processor stays correct without it (all writes are idempotent
// sets), so a nil deduper simply disables the fast path.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (d *RedisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	err := d.client.Get(ctx, dedupKeyPrefix+key).Err()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (d *RedisDeduper) Mark(ctx context.Context, key string) error {
	return d.client.Set(ctx, dedupKeyPrefix+key, "1", d.ttl).Err()
}
