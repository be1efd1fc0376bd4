package ratelimit

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tokenledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyUsagePrefix = "tokenledger:ratelimit:usage:"

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
}

// UsageLimiter throttles metering calls per API key. A nil limiter allows
// everything.
type UsageLimiter struct {
	bucket *TokenBucket
	rate   float64
	burst  int
	log    *zap.Logger
}

// NewUsageLimiter returns nil unless redis and a positive usage rate are
// configured.
func NewUsageLimiter(p Params) *UsageLimiter {
	log := p.Log.Named("ratelimit")
	limits := p.Config.RateLimit
	if p.Config.RedisAddr == "" || limits.UsageRate <= 0 || limits.UsageBurst <= 0 {
		log.Info("usage rate limiting disabled")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     p.Config.RedisAddr,
		Password: p.Config.RedisPassword,
		DB:       p.Config.RedisDB,
	})
	p.Lifecycle.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	return NewLimiter(NewTokenBucket(client), limits.UsageRate, limits.UsageBurst, log)
}

func NewLimiter(bucket *TokenBucket, rate float64, burst int, log *zap.Logger) *UsageLimiter {
	return &UsageLimiter{bucket: bucket, rate: rate, burst: burst, log: log}
}

// Allow consumes one request from the caller's bucket. Redis failures
// let the request through.
func (l *UsageLimiter) Allow(ctx context.Context, caller string) Result {
	if l == nil {
		return Result{Allowed: true}
	}
	res, err := l.bucket.Allow(ctx, keyUsagePrefix+strings.TrimSpace(caller), l.rate, l.burst)
	if err != nil {
		l.log.Warn("rate limit check failed, allowing request", zap.String("caller", caller), zap.Error(err))
		return Result{Allowed: true, Limit: l.burst}
	}
	return res
}
