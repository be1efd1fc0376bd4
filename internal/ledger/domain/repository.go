package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Repository is the storage boundary of the ledger. Every method takes the
// handle to run on so callers can compose writes in one transaction.
type Repository interface {
	InsertAccount(ctx context.Context, db *gorm.DB, account *Account) error
	FindAccount(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Account, error)
	FindAccountByExternalRef(ctx context.Context, db *gorm.DB, externalRef string) (*Account, error)
	SetStatus(ctx context.Context, db *gorm.DB, id snowflake.ID, status AccountStatus, now time.Time) (int64, error)

	// DebitBalance subtracts amount only when the account is active and
	// holds at least amount. It returns the number of rows changed.
	DebitBalance(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) (int64, error)
	CreditBalance(ctx context.Context, db *gorm.DB, id snowflake.ID, amount int64, now time.Time) (int64, error)
	Balance(ctx context.Context, db *gorm.DB, id snowflake.ID) (int64, error)

	InsertTransaction(ctx context.Context, db *gorm.DB, txn *Transaction) error
	ListTransactions(ctx context.Context, db *gorm.DB, accountID snowflake.ID, beforeID *snowflake.ID, limit int) ([]Transaction, error)
	SumTransactions(ctx context.Context, db *gorm.DB, accountID snowflake.ID) (sum int64, count int64, err error)
}
