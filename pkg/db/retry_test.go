package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/smallbiznis/tokenledger/pkg/db/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type counter struct {
	ID    int64 `gorm:"primaryKey"`
	Value int64
}

func setupRetryDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn := dbtest.Open(t, &counter{})
	require.NoError(t, conn.Create(&counter{ID: 1}).Error)
	return conn
}

func testPolicy(attempts uint) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		OpTimeout:       time.Second,
	}
}

func TestTransactRetriesConflictsAndRollsBack(t *testing.T) {
	conn := setupRetryDB(t)

	calls := 0
	retries := 0
	err := Transact(context.Background(), conn, testPolicy(3), func(tx *gorm.DB) error {
		calls++
		if err := tx.Model(&counter{}).Where("id = ?", 1).
			Update("value", gorm.Expr("value + 1")).Error; err != nil {
			return err
		}
		if calls < 3 {
			return ErrStoreConflict
		}
		return nil
	}, func(error, time.Duration) { retries++ })
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, retries)

	var c counter
	require.NoError(t, conn.First(&c, 1).Error)
	assert.Equal(t, int64(1), c.Value, "failed attempts must not leave writes behind")
}

func TestTransactStopsOnDomainError(t *testing.T) {
	conn := setupRetryDB(t)
	domainErr := errors.New("insufficient_balance")

	calls := 0
	err := Transact(context.Background(), conn, testPolicy(5), func(tx *gorm.DB) error {
		calls++
		return domainErr
	}, nil)
	assert.ErrorIs(t, err, domainErr)
	assert.Equal(t, 1, calls)
}

func TestTransactGivesUpAfterMaxAttempts(t *testing.T) {
	conn := setupRetryDB(t)

	calls := 0
	err := Transact(context.Background(), conn, testPolicy(2), func(tx *gorm.DB) error {
		calls++
		return ErrStoreTimeout
	}, nil)
	assert.ErrorIs(t, err, ErrStoreTimeout)
	assert.Equal(t, 2, calls)
}

func TestTransactValueReturnsResult(t *testing.T) {
	conn := setupRetryDB(t)

	got, err := TransactValue(context.Background(), conn, testPolicy(1), func(tx *gorm.DB) (int64, error) {
		var c counter
		if err := tx.First(&c, 1).Error; err != nil {
			return 0, err
		}
		return c.Value + 41, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(41), got)
}

func TestConnKeepsAttemptDeadline(t *testing.T) {
	conn := setupRetryDB(t)
	policy := testPolicy(2)
	policy.OpTimeout = 20 * time.Millisecond

	attempts := 0
	_, err := TransactValue(context.Background(), conn, policy, func(tx *gorm.DB) (int, error) {
		attempts++
		stmtCtx := Conn(context.Background(), tx).Statement.Context
		if _, ok := stmtCtx.Deadline(); !ok {
			return 0, errors.New("attempt deadline dropped")
		}
		<-stmtCtx.Done()
		return 0, stmtCtx.Err()
	}, nil)

	assert.ErrorIs(t, err, ErrStoreTimeout)
	assert.Equal(t, 2, attempts)
}

func TestConnBindsContextOutsideTransaction(t *testing.T) {
	conn := setupRetryDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.Equal(t, ctx, Conn(ctx, conn).Statement.Context)
}
