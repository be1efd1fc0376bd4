package domain

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/tokenledger/pkg/db"
	"github.com/smallbiznis/tokenledger/pkg/db/pagination"
	"gorm.io/gorm"
)

// Service is the ledger store. Apply* run their own atomic unit; Post* join
// the transaction handed in by a coordinator.
type Service interface {
	OpenAccount(ctx context.Context, req OpenAccountRequest) (*OpenAccountResponse, error)
	GetAccount(ctx context.Context, accountID string) (*Account, error)
	GetBalance(ctx context.Context, accountID string) (int64, error)
	DisableAccount(ctx context.Context, accountID string) (*Account, error)

	ApplyDebit(ctx context.Context, accountID string, amount int64, entry Entry) (*Transaction, error)
	ApplyCredit(ctx context.Context, accountID string, amount int64, entry Entry) (*Transaction, error)
	PostDebit(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, amount int64, entry Entry) (*Transaction, error)
	PostCredit(ctx context.Context, tx *gorm.DB, accountID snowflake.ID, amount int64, entry Entry) (*Transaction, error)
	BalanceTx(ctx context.Context, tx *gorm.DB, accountID snowflake.ID) (int64, error)

	Adjust(ctx context.Context, req AdjustRequest) (*Transaction, error)
	ListTransactions(ctx context.Context, req ListTransactionsRequest) (*ListTransactionsResponse, error)
	VerifyAccount(ctx context.Context, accountID string) (*Reconciliation, error)
}

type OpenAccountRequest struct {
	ExternalRef string `json:"external_ref"`
}

type OpenAccountResponse struct {
	Account *Account     `json:"account"`
	Grant   *Transaction `json:"grant,omitempty"`
	Created bool         `json:"created"`
}

// AdjustRequest posts a signed manual correction.
type AdjustRequest struct {
	AccountID string `json:"-"`
	Amount    int64  `json:"amount"`
	Reason    string `json:"reason"`
	Actor     string `json:"-"`
}

type ListTransactionsRequest struct {
	AccountID string
	Limit     int
	PageToken string
}

type ListTransactionsResponse struct {
	Transactions []Transaction       `json:"transactions"`
	PageInfo     pagination.PageInfo `json:"page_info"`
}

var (
	ErrInsufficientBalance = errors.New("insufficient_balance")
	ErrInvalidAmount       = errors.New("invalid_amount")
	ErrAccountNotFound     = errors.New("account_not_found")
	ErrAccountDisabled     = errors.New("account_disabled")
	ErrInvalidExternalRef  = errors.New("invalid_external_ref")
	ErrInvalidMetadata     = errors.New("invalid_metadata")
	ErrInvalidPageToken    = pagination.ErrInvalidPageToken

	ErrStoreTimeout  = db.ErrStoreTimeout
	ErrStoreConflict = db.ErrStoreConflict
)

// ParseAccountID turns an external account id into a snowflake id. Ids
// that cannot exist are reported as not found.
func ParseAccountID(accountID string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(accountID))
	if err != nil || id <= 0 {
		return 0, ErrAccountNotFound
	}
	return id, nil
}
