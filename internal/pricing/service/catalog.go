package service

import (
	"sort"
	"strings"

	"github.com/gosimple/slug"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tokenledger/internal/config"
	pricingdomain "github.com/smallbiznis/tokenledger/internal/pricing/domain"
)

type packDef struct {
	code            string
	name            string
	tokens          int64
	model           string
	price           *decimal.Decimal
	margin          *decimal.Decimal
	contextEstimate int64
}

// catalog is an immutable snapshot of the pricing configuration.
type catalog struct {
	tiers           map[string][]pricingdomain.Tier
	defaultMargin   decimal.Decimal
	defaultEstimate int64
	packs           []packDef
}

func buildCatalog(cfg config.PricingConfig) *catalog {
	c := &catalog{
		tiers:           make(map[string][]pricingdomain.Tier, len(cfg.Models)),
		defaultMargin:   decimal.NewFromFloat(cfg.DefaultMargin),
		defaultEstimate: cfg.DefaultContextEstimate,
		packs:           make([]packDef, 0, len(cfg.Packs)),
	}

	for _, m := range cfg.Models {
		tiers := make([]pricingdomain.Tier, 0, len(m.Tiers))
		for _, t := range m.Tiers {
			tier := pricingdomain.Tier{
				InputPerMillion:  decimal.NewFromFloat(t.InputPerMillion),
				OutputPerMillion: decimal.NewFromFloat(t.OutputPerMillion),
			}
			if t.MaxContextTokens != nil {
				ceiling := *t.MaxContextTokens
				tier.MaxContextTokens = &ceiling
			}
			tiers = append(tiers, tier)
		}
		// finite ceilings ascending, unbounded last
		sort.SliceStable(tiers, func(i, j int) bool {
			a, b := tiers[i].MaxContextTokens, tiers[j].MaxContextTokens
			switch {
			case a == nil:
				return false
			case b == nil:
				return true
			default:
				return *a < *b
			}
		})
		c.tiers[strings.TrimSpace(m.Model)] = tiers
	}

	for _, p := range cfg.Packs {
		def := packDef{
			code:            normalizePackCode(p.Code),
			name:            strings.TrimSpace(p.Name),
			tokens:          p.Tokens,
			model:           strings.TrimSpace(p.Model),
			contextEstimate: p.ContextEstimate,
		}
		if def.name == "" {
			def.name = p.Code
		}
		if p.Price != nil {
			price := decimal.NewFromFloat(*p.Price)
			def.price = &price
		}
		if p.Margin != nil {
			margin := decimal.NewFromFloat(*p.Margin)
			def.margin = &margin
		}
		c.packs = append(c.packs, def)
	}
	return c
}

func normalizePackCode(code string) string {
	return slug.Make(strings.TrimSpace(code))
}
