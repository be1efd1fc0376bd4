package inflight

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/tokenledger/internal/config"
	settlementdomain "github.com/smallbiznis/tokenledger/internal/settlement/domain"
	"github.com/smallbiznis/tokenledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyPrefix = "tokenledger:settlement:inflight:"

const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

type Params struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Log       *zap.Logger
}

// NewLock returns a redis backed lock when REDIS_ADDR is set and a no-op
// lock otherwise.
func NewLock(p Params) settlementdomain.InflightLock {
	log := p.Log.Named("settlement.inflight")
	if p.Config.RedisAddr == "" {
		log.Info("redis not configured, in-flight settlement lock disabled")
		return Noop{}
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
	return NewRedisLock(client, p.Config.Ledger.InflightLockTTL, log)
}

// Noop never blocks.
type Noop struct{}

func (Noop) Acquire(context.Context, string) (func(), error) {
	return func() {}, nil
}

type RedisLock struct {
	client *redis.Client
	script *redis.Script
	ttl    time.Duration
	log    *zap.Logger
}

func NewRedisLock(client *redis.Client, ttl time.Duration, log *zap.Logger) *RedisLock {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLock{
		client: client,
		script: redis.NewScript(releaseScript),
		ttl:    ttl,
		log:    log,
	}
}

// Acquire takes the per-event lock. A lock held elsewhere is reported as
// db.ErrStoreConflict so the caller's retry loop waits it out. Redis
// failures are logged and the event proceeds unlocked.
func (l *RedisLock) Acquire(ctx context.Context, eventID string) (func(), error) {
	if eventID == "" {
		return func() {}, errors.New("lock key is empty")
	}
	key := keyPrefix + eventID
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		l.log.Warn("in-flight lock unavailable", zap.String("event_id", eventID), zap.Error(err))
		return func() {}, nil
	}
	if !ok {
		return func() {}, db.ErrStoreConflict
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		if err := l.script.Run(releaseCtx, l.client, []string{key}, token).Err(); err != nil {
			l.log.Warn("release in-flight lock", zap.String("event_id", eventID), zap.Error(err))
		}
	}, nil
}
