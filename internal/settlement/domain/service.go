package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	pricingdomain "github.com/smallbiznis/tokenledger/internal/pricing/domain"
	"gorm.io/gorm"
)

// Service credits purchased tokens exactly once per external event.
type Service interface {
	SettlePayment(ctx context.Context, req SettleRequest) (*SettleResult, error)
}

// Guard is the two-phase idempotency protocol. Both phases run on the
// caller's transaction so a failure between them rolls both back.
type Guard interface {
	// Reserve records the event and reports whether this call inserted it.
	Reserve(ctx context.Context, tx *gorm.DB, event *ProcessedEvent) (bool, error)
	// Confirm attaches the credit transaction to a reserved event.
	Confirm(ctx context.Context, tx *gorm.DB, eventID string, transactionID snowflake.ID, at time.Time) error
	Find(ctx context.Context, db *gorm.DB, eventID string) (*ProcessedEvent, error)
}

// InflightLock short-circuits concurrent deliveries of the same event
// across processes. The returned release func is always safe to call.
type InflightLock interface {
	Acquire(ctx context.Context, eventID string) (release func(), err error)
}

// WebhookAdapter turns a provider's signed notification into a
// PaymentNotification.
type WebhookAdapter interface {
	Provider() string
	Verify(ctx context.Context, payload []byte, headers http.Header) error
	Parse(ctx context.Context, payload []byte) (*PaymentNotification, error)
}

// WebhookService ingests provider notifications.
type WebhookService interface {
	IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (*SettleResult, error)
}

type SettleRequest struct {
	EventID          string `json:"event_id"`
	AccountID        string `json:"account_id"`
	TokenQuantity    int64  `json:"token_quantity"`
	PaymentReference string `json:"payment_reference"`
	Source           string `json:"source,omitempty"`
	PackCode         string `json:"pack_code,omitempty"`
}

// SettleResult reports whether this call applied the credit. A duplicate
// delivery is a success with Applied false and the current balance.
type SettleResult struct {
	EventID       string        `json:"event_id"`
	Applied       bool          `json:"applied"`
	NewBalance    int64         `json:"new_balance"`
	TransactionID *snowflake.ID `json:"transaction_id,omitempty"`
}

var (
	ErrInvalidEvent     = errors.New("invalid_event")
	ErrUnknownPack      = pricingdomain.ErrUnknownPack
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrInvalidPayload   = errors.New("invalid_payload")
	ErrEventIgnored     = errors.New("event_ignored")
	ErrProviderNotFound = errors.New("provider_not_found")
	ErrEventNotReserved = errors.New("event_not_reserved")
)

// MaxEventIDLength bounds the processed_events primary key.
const MaxEventIDLength = 191
