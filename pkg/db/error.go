package db

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	// ErrStoreTimeout means the store did not answer within the operation deadline.
	ErrStoreTimeout = errors.New("store_timeout")
	// ErrStoreConflict means the transaction lost a serialization or lock race.
	ErrStoreConflict = errors.New("store_conflict")
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}

	// PostgreSQL (error code 23505)
	if strings.Contains(err.Error(), "duplicate key value violates unique constraint") {
		return true
	}

	// MySQL (error code 1062)
	if strings.Contains(err.Error(), "Error 1062") {
		return true
	}

	// SQLite (error code 2067)
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return true
	}

	return false
}

// Classify maps driver level failures onto ErrStoreTimeout or
// ErrStoreConflict. Errors it does not recognise are returned unchanged.
func Classify(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStoreTimeout) || errors.Is(err, ErrStoreConflict) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrStoreTimeout
	}
	if ctx != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrStoreTimeout
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01":
			return ErrStoreConflict
		case "57014", "55P03":
			return ErrStoreTimeout
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "database is locked"),
		strings.Contains(msg, "sqlite_busy"),
		strings.Contains(msg, "deadlock found"),
		strings.Contains(msg, "could not serialize access"):
		return ErrStoreConflict
	case strings.Contains(msg, "lock wait timeout"),
		strings.Contains(msg, "statement timeout"),
		strings.Contains(msg, "i/o timeout"):
		return ErrStoreTimeout
	}
	return err
}

// IsRetryable reports whether a classified error is worth another attempt.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreConflict) || errors.Is(err, ErrStoreTimeout)
}
