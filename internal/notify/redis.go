package notify

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const reminderKeyPrefix = "circulate:"

// RedisDeduper claims reminder keys with SETNX so several sweepers sharing a
// Redis do not race to write the same reminder.
type RedisDeduper struct {
	client *redis.Client
}

func NewRedisDeduper(client *redis.Client) *RedisDeduper {
	return &RedisDeduper{client: client}
}

func (r *RedisDeduper) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, reminderKeyPrefix+key, 1, ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (r *RedisDeduper) Release(ctx context.Context, key string) error {
	return r.client.Del(ctx, reminderKeyPrefix+key).Err()
}
