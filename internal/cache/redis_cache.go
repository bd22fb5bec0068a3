package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"greenledger/engine/internal/domain"
)

type RedisSequenceConfigCache struct {
	client *redis.Client
}

func NewRedisSequenceConfigCache(addr string, password string, db int) *RedisSequenceConfigCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisSequenceConfigCache{client: client}
}

func (c *RedisSequenceConfigCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSequenceConfigCache) Close() error {
	return c.client.Close()
}

func (c *RedisSequenceConfigCache) Get(ctx context.Context, seqType string) (*domain.SequenceConfig, bool, error) {
	val, err := c.client.Get(ctx, cacheKey(seqType)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var cfg domain.SequenceConfig
	if err := json.Unmarshal([]byte(val), &cfg); err != nil {
		return nil, false, err
	}
	return &cfg, true, nil
}

func (c *RedisSequenceConfigCache) Set(ctx context.Context, seqType string, cfg *domain.SequenceConfig, ttl time.Duration) error {
	if cfg == nil {
		return nil
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(seqType), payload, ttl).Err()
}

func cacheKey(seqType string) string {
	return "seqcfg:" + seqType
}
