package domain

import "github.com/shopspring/decimal"

// Tier is one context-length pricing bracket of a model. Rates are quoted
// per one million model tokens. A nil MaxContextTokens is unbounded.
type Tier struct {
	MaxContextTokens *int64          `json:"max_context_tokens,omitempty"`
	InputPerMillion  decimal.Decimal `json:"input_per_million"`
	OutputPerMillion decimal.Decimal `json:"output_per_million"`
}

// Unbounded reports whether the tier has no context ceiling.
func (t Tier) Unbounded() bool { return t.MaxContextTokens == nil }

type PriceSource string

const (
	PriceSourceStatic  PriceSource = "static"
	PriceSourceFormula PriceSource = "formula"
)

// TokenPack is a purchasable bundle of prepaid tokens.
type TokenPack struct {
	Code        string          `json:"code"`
	Name        string          `json:"name"`
	Tokens      int64           `json:"tokens"`
	Model       string          `json:"model"`
	Price       decimal.Decimal `json:"price"`
	PriceSource PriceSource     `json:"price_source"`
}

// Quote is the cost of a usage measurement without touching any balance.
type Quote struct {
	Model            string          `json:"model"`
	InputTokens      int64           `json:"input_tokens"`
	OutputTokens     int64           `json:"output_tokens"`
	RawCost          decimal.Decimal `json:"raw_cost"`
	PricePerThousand decimal.Decimal `json:"price_per_thousand"`
	Tokens           int64           `json:"tokens"`
	Margin           decimal.Decimal `json:"margin"`
	ContextEstimate  int64           `json:"context_estimate"`
}

// QuoteRequest carries an optional margin and context estimate; nil falls
// back to the configured defaults.
type QuoteRequest struct {
	Model           string   `json:"model"`
	InputTokens     int64    `json:"input_tokens"`
	OutputTokens    int64    `json:"output_tokens"`
	Margin          *float64 `json:"margin,omitempty"`
	ContextEstimate *int64   `json:"context_estimate,omitempty"`
}
