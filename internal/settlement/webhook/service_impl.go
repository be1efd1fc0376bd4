package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	pricingdomain "github.com/smallbiznis/tokenledger/internal/pricing/domain"
	"github.com/smallbiznis/tokenledger/internal/settlement/adapters"
	settlementdomain "github.com/smallbiznis/tokenledger/internal/settlement/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Adapters   *adapters.Registry
	Pricing    pricingdomain.Engine
	Settlement settlementdomain.Service
}

type Service struct {
	log        *zap.Logger
	adapters   *adapters.Registry
	pricing    pricingdomain.Engine
	settlement settlementdomain.Service
}

func NewService(p Params) settlementdomain.WebhookService {
	return &Service{
		log:        p.Log.Named("settlement.webhook"),
		adapters:   p.Adapters,
		pricing:    p.Pricing,
		settlement: p.Settlement,
	}
}

// IngestWebhook verifies and settles one provider notification. Events the
// ledger does not act on return a nil result and no error.
func (s *Service) IngestWebhook(ctx context.Context, provider string, payload []byte, headers http.Header) (*settlementdomain.SettleResult, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	adapter, err := s.adapters.Adapter(provider)
	if err != nil {
		return nil, err
	}
	if !json.Valid(payload) {
		return nil, settlementdomain.ErrInvalidPayload
	}
	if err := adapter.Verify(ctx, payload, headers); err != nil {
		s.log.Warn("webhook signature rejected", zap.String("provider", provider))
		return nil, err
	}

	notification, err := adapter.Parse(ctx, payload)
	if err != nil {
		if errors.Is(err, settlementdomain.ErrEventIgnored) {
			s.log.Debug("webhook event ignored", zap.String("provider", provider))
			return nil, nil
		}
		return nil, err
	}

	quantity := notification.TokenQuantity
	if quantity == 0 {
		pack, err := s.pricing.Pack(notification.PackCode)
		if err != nil {
			return nil, err
		}
		quantity = pack.Tokens
	}

	return s.settlement.SettlePayment(ctx, settlementdomain.SettleRequest{
		EventID:          notification.EventID,
		AccountID:        notification.AccountID,
		TokenQuantity:    quantity,
		PaymentReference: notification.PaymentReference,
		Source:           notification.Provider,
		PackCode:         notification.PackCode,
	})
}
