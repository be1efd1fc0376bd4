package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "active"
	AccountStatusDisabled AccountStatus = "disabled"
)

// Account holds a prepaid token balance. Rows are never deleted.
type Account struct {
	ID          snowflake.ID  `json:"id" gorm:"primaryKey"`
	ExternalRef string        `json:"external_ref" gorm:"type:varchar(191);not null;uniqueIndex:ux_accounts_external_ref"`
	Balance     int64         `json:"balance" gorm:"not null;default:0"`
	Status      AccountStatus `json:"status" gorm:"type:varchar(16);not null;default:'active'"`
	CreatedAt   time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt   time.Time     `json:"updated_at" gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

func (a *Account) Active() bool { return a.Status == AccountStatusActive }

type TransactionKind string

const (
	KindInitialGrant     TransactionKind = "initial_grant"
	KindPurchaseTopUp    TransactionKind = "purchase_topup"
	KindUsageDebit       TransactionKind = "usage_debit"
	KindManualAdjustment TransactionKind = "manual_adjustment"
)

// Transaction is one immutable balance change. Amount is signed and
// BalanceAfter is the account balance once it was applied.
type Transaction struct {
	ID               snowflake.ID    `json:"id" gorm:"primaryKey"`
	AccountID        snowflake.ID    `json:"account_id" gorm:"not null;index:ix_ledger_transactions_account"`
	Kind             TransactionKind `json:"kind" gorm:"type:varchar(32);not null"`
	Amount           int64           `json:"amount" gorm:"not null"`
	BalanceAfter     int64           `json:"balance_after" gorm:"not null"`
	Description      *string         `json:"description,omitempty" gorm:"type:text"`
	PaymentReference *string         `json:"payment_reference,omitempty" gorm:"type:varchar(191)"`
	SourceEventID    *string         `json:"source_event_id,omitempty" gorm:"type:varchar(191);uniqueIndex:ux_ledger_transactions_source_event"`
	Metadata         datatypes.JSON  `json:"metadata,omitempty"`
	CreatedAt        time.Time       `json:"created_at" gorm:"not null"`
}

func (Transaction) TableName() string { return "ledger_transactions" }

// Entry describes the transaction to append alongside a balance change.
// The transaction kind is taken from Metadata.
type Entry struct {
	Description      string
	PaymentReference string
	SourceEventID    string
	Metadata         Metadata
}

// Reconciliation compares the stored balance against the transaction sum.
type Reconciliation struct {
	AccountID        snowflake.ID `json:"account_id"`
	Balance          int64        `json:"balance"`
	TransactionSum   int64        `json:"transaction_sum"`
	TransactionCount int64        `json:"transaction_count"`
	Consistent       bool         `json:"consistent"`
}
