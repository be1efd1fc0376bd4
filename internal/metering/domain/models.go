package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// UsageRecord is the audit trail of one metered model call. It is written
// in the same database transaction as its usage debit.
type UsageRecord struct {
	ID              snowflake.ID `json:"id" gorm:"primaryKey"`
	AccountID       snowflake.ID `json:"account_id" gorm:"not null;index:ix_usage_records_account"`
	TransactionID   snowflake.ID `json:"transaction_id" gorm:"not null;uniqueIndex:ux_usage_records_transaction"`
	Model           string       `json:"model" gorm:"type:varchar(128);not null"`
	InputTokens     int64        `json:"input_tokens" gorm:"not null"`
	OutputTokens    int64        `json:"output_tokens" gorm:"not null"`
	RawCost         string       `json:"raw_cost" gorm:"type:varchar(64);not null"`
	DebitedTokens   int64        `json:"debited_tokens" gorm:"not null"`
	Margin          string       `json:"margin" gorm:"type:varchar(32);not null"`
	ContextEstimate int64        `json:"context_estimate" gorm:"not null"`
	TraceID         *string      `json:"trace_id,omitempty" gorm:"type:varchar(128)"`
	CreatedAt       time.Time    `json:"created_at" gorm:"not null"`
}

func (UsageRecord) TableName() string { return "usage_records" }
