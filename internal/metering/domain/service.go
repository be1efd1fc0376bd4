package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tokenledger/pkg/db/pagination"
)

// Service meters model usage against prepaid balances.
type Service interface {
	MeterUsage(ctx context.Context, req MeterUsageRequest) (*MeterUsageResult, error)
	ListUsage(ctx context.Context, req ListUsageRequest) (*ListUsageResponse, error)
}

// MeterUsageRequest carries the measured token counts of a finished model
// call. Nil Margin or ContextEstimate use the configured defaults.
type MeterUsageRequest struct {
	AccountID       string   `json:"account_id"`
	Model           string   `json:"model"`
	InputTokens     int64    `json:"input_tokens"`
	OutputTokens    int64    `json:"output_tokens"`
	Margin          *float64 `json:"margin,omitempty"`
	ContextEstimate *int64   `json:"context_estimate,omitempty"`
	TraceID         string   `json:"trace_id,omitempty"`
}

type MeterUsageResult struct {
	DebitedTokens int64           `json:"debited_tokens"`
	NewBalance    int64           `json:"new_balance"`
	RawCost       decimal.Decimal `json:"raw_cost"`
	UsageRecordID snowflake.ID    `json:"usage_record_id"`
	TransactionID snowflake.ID    `json:"transaction_id"`
}

type ListUsageRequest struct {
	AccountID string
	Limit     int
	PageToken string
}

type ListUsageResponse struct {
	Records  []UsageRecord       `json:"records"`
	PageInfo pagination.PageInfo `json:"page_info"`
}
