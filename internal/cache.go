package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var errCorruptCacheEntry = errors.New("cache: corrupt entry")

type redisKV interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

type CacheManager struct {
	client  redisKV
	enabled bool
}

func NewCacheManager(cfg *Config) *CacheManager {
	if !cfg.CacheEnabled {
		return &CacheManager{enabled: false}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	return &CacheManager{
		client:  client,
		enabled: true,
	}
}

func (cm *CacheManager) Enabled() bool {
	return cm.enabled && cm.client != nil
}

func (cm *CacheManager) Get(ctx context.Context, key string, result interface{}) error {
	if !cm.Enabled() {
		return redis.Nil
	}

	data, err := cm.client.Get(ctx, key).Result()
	if err != nil {
		return err
	}

	if err := json.Unmarshal([]byte(data), result); err != nil {
		return fmt.Errorf("%w: %s: %v", errCorruptCacheEntry, key, err)
	}
	return nil
}

func (cm *CacheManager) Set(ctx context.Context, key string, data interface{}, ttl time.Duration) error {
	if !cm.Enabled() {
		return nil
	}

	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return cm.client.Set(ctx, key, string(jsonData), ttl).Err()
}

func (cm *CacheManager) Delete(ctx context.Context, key string) error {
	if !cm.Enabled() {
		return nil
	}
	return cm.client.Del(ctx, key).Err()
}

// Key joins parts under the "clash" namespace. Tags keep their '#'.
func (cm *CacheManager) Key(parts ...string) string {
	return "clash:" + strings.Join(parts, ":")
}

func (cm *CacheManager) Close() error {
	if c, ok := cm.client.(*redis.Client); ok {
		return c.Close()
	}
	return nil
}
