package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// ProcessedEvent is the idempotency record of one external payment
// notification. TransactionID stays nil between Reserve and Confirm.
type ProcessedEvent struct {
	EventID          string        `json:"event_id" gorm:"primaryKey;type:varchar(191)"`
	AccountID        snowflake.ID  `json:"account_id" gorm:"not null;index:ix_processed_events_account"`
	TransactionID    *snowflake.ID `json:"transaction_id,omitempty"`
	PaymentReference string        `json:"payment_reference" gorm:"type:varchar(255);not null"`
	TokenQuantity    int64         `json:"token_quantity" gorm:"not null"`
	Source           string        `json:"source" gorm:"type:varchar(64);not null"`
	ReceivedAt       time.Time     `json:"received_at" gorm:"not null"`
	ConfirmedAt      *time.Time    `json:"confirmed_at,omitempty"`
}

func (ProcessedEvent) TableName() string { return "processed_events" }

// Confirmed reports whether the credit for this event has been posted.
func (e ProcessedEvent) Confirmed() bool {
	return e.TransactionID != nil
}

// PaymentNotification is a provider webhook translated into ledger terms.
// TokenQuantity is resolved from PackCode when the provider does not carry
// a quantity.
type PaymentNotification struct {
	Provider         string
	EventID          string
	AccountID        string
	PackCode         string
	PaymentReference string
	TokenQuantity    int64
}
