// Package ratelimit 提供对 LLM API 出站调用的全局限流。
// 限流策略与具体原语解耦：生产环境用 Redis 租约在多个 worker
// 进程之间串行化调用，测试用 Noop。
package ratelimit

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Limiter 在每次出站调用前等待，直到允许发起调用。
type Limiter interface {
	Wait(ctx context.Context) error
}

// Noop 不做任何限流。
type Noop struct{}

func (Noop) Wait(ctx context.Context) error { return nil }

// RedisLimiter 通过 SET NX PX 在 Redis 中持有一个最小间隔租约，
// 跨进程保证两次调用之间至少间隔 minInterval。
type RedisLimiter struct {
	rdb         *redis.Client
	key         string
	minInterval time.Duration
	// pollEvery 是租约被占用时的重试间隔。
	pollEvery time.Duration
}

// NewRedisLimiter 创建一个 Redis 租约限流器。minInterval <= 0 时退化为 Noop 语义。
func NewRedisLimiter(rdb *redis.Client, key string, minInterval time.Duration) *RedisLimiter {
	poll := minInterval / 10
	if poll < 10*time.Millisecond {
		poll = 10 * time.Millisecond
	}
	return &RedisLimiter{
		rdb:         rdb,
		key:         key,
		minInterval: minInterval,
		pollEvery:   poll,
	}
}

// Wait 阻塞直到获得租约或 ctx 取消。
// 租约以 minInterval 作为 TTL：拿到租约即意味着距上一次调用
// 已超过最小间隔，租约到期前其他调用方都会等待。
func (l *RedisLimiter) Wait(ctx context.Context) error {
	if l.minInterval <= 0 {
		return nil
	}
	for {
		ok, err := l.rdb.SetNX(ctx, l.key, time.Now().UnixMilli(), l.minInterval).Result()
		if err != nil {
			// Redis 异常时不阻塞调用链路，限流退化为尽力而为
			return nil
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.pollEvery):
		}
	}
}
