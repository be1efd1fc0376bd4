package ratelimit

import (
	"context"
	"testing"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tokenledger/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
)

func TestParseResult(t *testing.T) {
	res, err := parseResult([]interface{}{int64(1), int64(4), int64(1700000000000)}, 2, 5)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 4, res.Remaining)
	assert.Equal(t, 5, res.Limit)
	assert.Zero(t, res.RetryAfter)

	res, err = parseResult([]interface{}{int64(0), int64(0), int64(1700000000000)}, 2, 5)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 500*time.Millisecond, res.RetryAfter)

	_, err = parseResult([]interface{}{int64(1)}, 2, 5)
	assert.ErrorIs(t, err, errBadResponse)
}

func TestBucketTTL(t *testing.T) {
	assert.Equal(t, time.Second, bucketTTL(100, 1))
	assert.Equal(t, 20*time.Second, bucketTTL(1, 10))
}

func TestTokenBucketRejectsBadInput(t *testing.T) {
	var nilBucket *TokenBucket
	_, err := nilBucket.Allow(context.Background(), "k", 1, 1)
	assert.ErrorIs(t, err, errNotConfigured)

	bucket := NewTokenBucket(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1"}))
	_, err = bucket.Allow(context.Background(), "", 1, 1)
	assert.ErrorIs(t, err, errEmptyKey)
	_, err = bucket.Allow(context.Background(), "k", 0, 1)
	assert.ErrorIs(t, err, errBadLimits)
}

func TestNewUsageLimiterDisabled(t *testing.T) {
	lc := fxtest.NewLifecycle(t)
	limiter := NewUsageLimiter(Params{Lifecycle: lc, Config: config.Config{}, Log: zap.NewNop()})
	assert.Nil(t, limiter)
	assert.True(t, limiter.Allow(context.Background(), "chat").Allowed)

	limiter = NewUsageLimiter(Params{Lifecycle: lc, Config: config.Config{
		RedisAddr: "127.0.0.1:1",
	}, Log: zap.NewNop()})
	assert.Nil(t, limiter)
}

func TestUsageLimiterFailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })

	limiter := NewLimiter(NewTokenBucket(client), 1, 1, zap.NewNop())
	res := limiter.Allow(context.Background(), "chat")
	assert.True(t, res.Allowed)
	assert.Equal(t, 1, res.Limit)
}
