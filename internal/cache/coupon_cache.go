// Package cache хранит определения купонов в Redis для консультативной проверки.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mmeshcher/coupon-service/internal/model"
)

const keyPrefix = "coupon:def:"

// DefaultTTL ограничивает устаревание счётчика использования в консультативных ответах.
const DefaultTTL = 30 * time.Second

// Backend содержит используемое подмножество команд go-redis.
type Backend interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// CouponCache кэширует определения купонов по коду.
type CouponCache struct {
	backend Backend
	ttl     time.Duration
}

// NewCouponCache создаёт кэш поверх клиента Redis.
func NewCouponCache(backend Backend, ttl time.Duration) *CouponCache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &CouponCache{backend: backend, ttl: ttl}
}

// NewRedisClient создаёт клиент Redis и проверяет соединение.
func NewRedisClient(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return client, nil
}

// Get возвращает купон из кэша. ok == false при промахе.
func (c *CouponCache) Get(ctx context.Context, code string) (*model.Coupon, bool, error) {
	data, err := c.backend.Get(ctx, keyPrefix+code).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var entry couponEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, false, fmt.Errorf("decode cached coupon: %w", err)
	}

	return entry.toModel(), true, nil
}

// Set сохраняет купон с TTL кэша.
func (c *CouponCache) Set(ctx context.Context, coupon *model.Coupon) error {
	data, err := json.Marshal(fromModel(coupon))
	if err != nil {
		return fmt.Errorf("encode coupon: %w", err)
	}

	if err := c.backend.Set(ctx, keyPrefix+coupon.Code, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Invalidate удаляет купон из кэша.
func (c *CouponCache) Invalidate(ctx context.Context, code string) error {
	if err := c.backend.Del(ctx, keyPrefix+code).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}
