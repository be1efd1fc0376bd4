package domain

import (
	"errors"

	"github.com/shopspring/decimal"
)

// Engine prices model usage in currency and converts currency into
// prepaid tokens. It never touches the ledger.
type Engine interface {
	TierFor(model string, contextTokens int64) (Tier, error)
	RawCost(model string, inputTokens, outputTokens int64) (decimal.Decimal, error)
	UserPricePerThousandTokens(model string, margin decimal.Decimal, contextEstimate int64) (decimal.Decimal, error)
	TokensToDebit(model string, rawCost, margin decimal.Decimal, contextEstimate int64) (int64, error)
	PackPrice(model string, tokens int64, margin decimal.Decimal, contextEstimate int64) (decimal.Decimal, error)

	// Defaults returns the configured margin and context estimate.
	Defaults() (decimal.Decimal, int64)
	Packs() []TokenPack
	Pack(code string) (TokenPack, error)
	Quote(req QuoteRequest) (*Quote, error)
}

var (
	ErrUnknownModel  = errors.New("unknown_model")
	ErrInvalidUsage  = errors.New("invalid_usage")
	ErrInvalidMargin = errors.New("invalid_margin")
	ErrUnknownPack   = errors.New("unknown_pack")
)
