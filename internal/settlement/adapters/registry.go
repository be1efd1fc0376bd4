package adapters

import (
	"strings"

	"github.com/smallbiznis/tokenledger/internal/clock"
	"github.com/smallbiznis/tokenledger/internal/config"
	"github.com/smallbiznis/tokenledger/internal/settlement/adapters/stripe"
	settlementdomain "github.com/smallbiznis/tokenledger/internal/settlement/domain"
	"go.uber.org/zap"
)

type Registry struct {
	adapters map[string]settlementdomain.WebhookAdapter
}

func NewRegistry(adapters ...settlementdomain.WebhookAdapter) *Registry {
	registry := &Registry{adapters: map[string]settlementdomain.WebhookAdapter{}}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		provider := strings.ToLower(strings.TrimSpace(adapter.Provider()))
		if provider == "" {
			continue
		}
		registry.adapters[provider] = adapter
	}
	return registry
}

// ProvideRegistry registers every provider whose webhook secret is set.
func ProvideRegistry(cfg config.Config, clk clock.Clock, log *zap.Logger) *Registry {
	var list []settlementdomain.WebhookAdapter
	if cfg.StripeWebhookSecret != "" {
		adapter, err := stripe.NewAdapter(cfg.StripeWebhookSecret, stripe.DefaultTolerance, clk)
		if err != nil {
			log.Warn("stripe webhook disabled", zap.Error(err))
		} else {
			list = append(list, adapter)
		}
	}
	return NewRegistry(list...)
}

func (r *Registry) Adapter(provider string) (settlementdomain.WebhookAdapter, error) {
	if r == nil {
		return nil, settlementdomain.ErrProviderNotFound
	}
	adapter, ok := r.adapters[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, settlementdomain.ErrProviderNotFound
	}
	return adapter, nil
}
