package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"

	"fulfillment/internal/pkg/redis"
)

// RedisDeduper 多实例共享的"最近见过"事件集合，SET NX + TTL
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{client: client, ttl: ttl}
}

// key 用 {orderId} 作为 hash tag，集群模式下同一订单的键落在同一个 slot
func dedupKey(orderID, key string) string {
	return fmt.Sprintf("saga:dedup:{%s}:%s", orderID, key)
}

func (d *RedisDeduper) Seen(ctx context.Context, orderID, key string) (bool, error) {
	n, err := d.client.GetClient().Exists(ctx, dedupKey(orderID, key)).Result()
	if err != nil {
		return false, errors.Wrap(err, "redis dedup exists")
	}
	return n > 0, nil
}

func (d *RedisDeduper) Mark(ctx context.Context, orderID, key string) error {
	err := d.client.GetClient().SetNX(ctx, dedupKey(orderID, key), 1, d.ttl).Err()
	return errors.Wrap(err, "redis dedup mark")
}
