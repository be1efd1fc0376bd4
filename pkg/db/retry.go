package db

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/smallbiznis/tokenledger/internal/config"
	"gorm.io/gorm"
)

// RetryPolicy bounds how a ledger transaction is retried on transient
// store failures. Each attempt gets its own OpTimeout deadline.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	OpTimeout       time.Duration
}

func RetryPolicyFrom(cfg config.Config) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     cfg.Ledger.RetryMaxAttempts,
		InitialInterval: cfg.Ledger.RetryInitialInterval,
		MaxInterval:     cfg.Ledger.RetryMaxInterval,
		OpTimeout:       cfg.Ledger.OpTimeout,
	}
}

// Transact runs fn inside a database transaction. Conflicts and timeouts
// roll the attempt back and retry it; every other error is returned as is.
// notify, when set, is called before each retry.
func Transact(ctx context.Context, conn *gorm.DB, policy RetryPolicy, fn func(tx *gorm.DB) error, notify func(err error, wait time.Duration)) error {
	_, err := TransactValue(ctx, conn, policy, func(tx *gorm.DB) (struct{}, error) {
		return struct{}{}, fn(tx)
	}, notify)
	return err
}

// TransactValue is Transact for operations that produce a result.
func TransactValue[T any](ctx context.Context, conn *gorm.DB, policy RetryPolicy, fn func(tx *gorm.DB) (T, error), notify func(err error, wait time.Duration)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		b.MaxInterval = policy.MaxInterval
	}

	attempts := policy.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(attempts),
		backoff.WithMaxElapsedTime(0),
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(backoff.Notify(notify)))
	}

	result, err := backoff.Retry(ctx, func() (T, error) {
		attemptCtx := ctx
		cancel := func() {}
		if policy.OpTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, policy.OpTimeout)
		}
		defer cancel()

		var out T
		txErr := conn.WithContext(attemptCtx).Transaction(func(tx *gorm.DB) error {
			v, err := fn(tx)
			if err != nil {
				return err
			}
			out = v
			return nil
		})
		if txErr == nil {
			return out, nil
		}

		classified := Classify(attemptCtx, txErr)
		if IsRetryable(classified) && ctx.Err() == nil {
			return out, classified
		}
		return out, backoff.Permanent(classified)
	}, opts...)

	var permanent *backoff.PermanentError
	if errors.As(err, &permanent) {
		err = permanent.Unwrap()
	}
	return result, err
}
