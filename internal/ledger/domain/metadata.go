package domain

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"
)

// Metadata is the typed payload attached to a transaction. Each kind has
// exactly one metadata shape.
type Metadata interface {
	Kind() TransactionKind
}

type GrantMetadata struct {
	Reason string `json:"reason"`
}

func (GrantMetadata) Kind() TransactionKind { return KindInitialGrant }

type PaymentMetadata struct {
	EventID          string `json:"event_id"`
	PaymentReference string `json:"payment_reference"`
	Source           string `json:"source,omitempty"`
	PackCode         string `json:"pack_code,omitempty"`
}

func (PaymentMetadata) Kind() TransactionKind { return KindPurchaseTopUp }

type UsageMetadata struct {
	UsageRecordID   string `json:"usage_record_id"`
	Model           string `json:"model"`
	InputTokens     int64  `json:"input_tokens"`
	OutputTokens    int64  `json:"output_tokens"`
	RawCost         string `json:"raw_cost"`
	Margin          string `json:"margin"`
	ContextEstimate int64  `json:"context_estimate"`
}

func (UsageMetadata) Kind() TransactionKind { return KindUsageDebit }

type AdjustmentMetadata struct {
	Reason string `json:"reason"`
	Actor  string `json:"actor,omitempty"`
}

func (AdjustmentMetadata) Kind() TransactionKind { return KindManualAdjustment }

func EncodeMetadata(m Metadata) (datatypes.JSON, error) {
	if m == nil {
		return nil, ErrInvalidMetadata
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s metadata: %w", m.Kind(), err)
	}
	return datatypes.JSON(raw), nil
}

// DecodeMetadata selects the metadata shape by kind.
func DecodeMetadata(kind TransactionKind, raw datatypes.JSON) (Metadata, error) {
	var target Metadata
	switch kind {
	case KindInitialGrant:
		target = &GrantMetadata{}
	case KindPurchaseTopUp:
		target = &PaymentMetadata{}
	case KindUsageDebit:
		target = &UsageMetadata{}
	case KindManualAdjustment:
		target = &AdjustmentMetadata{}
	default:
		return nil, fmt.Errorf("unknown transaction kind %q", kind)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, target); err != nil {
			return nil, fmt.Errorf("decode %s metadata: %w", kind, err)
		}
	}
	return target, nil
}

// DecodedMetadata returns the typed metadata of t.
func (t Transaction) DecodedMetadata() (Metadata, error) {
	return DecodeMetadata(t.Kind, t.Metadata)
}
