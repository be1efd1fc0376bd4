package service

import (
	"strings"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/tokenledger/internal/config"
	pricingdomain "github.com/smallbiznis/tokenledger/internal/pricing/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	million  = decimal.NewFromInt(1_000_000)
	thousand = decimal.NewFromInt(1_000)
	two      = decimal.NewFromInt(2)
)

type Params struct {
	fx.In

	Config *config.PricingConfigHolder
	Log    *zap.Logger
}

type Service struct {
	log     *zap.Logger
	current atomic.Pointer[catalog]
}

// NewService builds the engine from the current pricing configuration and
// swaps in a fresh catalog whenever the configuration reloads.
func NewService(p Params) pricingdomain.Engine {
	svc := &Service{log: p.Log.Named("pricing.service")}
	svc.current.Store(buildCatalog(p.Config.Get()))
	p.Config.OnChange(func(cfg config.PricingConfig) {
		svc.current.Store(buildCatalog(cfg))
		svc.log.Info("pricing catalog reloaded",
			zap.Int("models", len(cfg.Models)),
			zap.Int("packs", len(cfg.Packs)),
		)
	})
	return svc
}

func (s *Service) catalog() *catalog {
	return s.current.Load()
}

func (s *Service) TierFor(model string, contextTokens int64) (pricingdomain.Tier, error) {
	return s.catalog().tierFor(model, contextTokens)
}

func (c *catalog) tierFor(model string, contextTokens int64) (pricingdomain.Tier, error) {
	tiers, ok := c.tiers[strings.TrimSpace(model)]
	if !ok || len(tiers) == 0 {
		return pricingdomain.Tier{}, pricingdomain.ErrUnknownModel
	}
	if contextTokens < 0 {
		return pricingdomain.Tier{}, pricingdomain.ErrInvalidUsage
	}
	for _, tier := range tiers {
		if tier.Unbounded() || *tier.MaxContextTokens >= contextTokens {
			return tier, nil
		}
	}
	// Every ceiling is below contextTokens and no unbounded tier exists:
	// charge the highest bracket.
	return tiers[len(tiers)-1], nil
}

func (s *Service) RawCost(model string, inputTokens, outputTokens int64) (decimal.Decimal, error) {
	return s.catalog().rawCost(model, inputTokens, outputTokens)
}

func (c *catalog) rawCost(model string, inputTokens, outputTokens int64) (decimal.Decimal, error) {
	if inputTokens < 0 || outputTokens < 0 {
		return decimal.Zero, pricingdomain.ErrInvalidUsage
	}
	tier, err := c.tierFor(model, inputTokens+outputTokens)
	if err != nil {
		return decimal.Zero, err
	}
	in := decimal.NewFromInt(inputTokens).Div(million).Mul(tier.InputPerMillion)
	out := decimal.NewFromInt(outputTokens).Div(million).Mul(tier.OutputPerMillion)
	return in.Add(out), nil
}

func (s *Service) UserPricePerThousandTokens(model string, margin decimal.Decimal, contextEstimate int64) (decimal.Decimal, error) {
	return s.catalog().pricePerThousand(model, margin, contextEstimate)
}

// pricePerThousand blends input and output rates 50/50. Output heavy usage
// can therefore land below the target margin.
func (c *catalog) pricePerThousand(model string, margin decimal.Decimal, contextEstimate int64) (decimal.Decimal, error) {
	if margin.IsNegative() {
		return decimal.Zero, pricingdomain.ErrInvalidMargin
	}
	tier, err := c.tierFor(model, contextEstimate)
	if err != nil {
		return decimal.Zero, err
	}
	inPerK := tier.InputPerMillion.Div(thousand)
	outPerK := tier.OutputPerMillion.Div(thousand)
	price := inPerK.Add(outPerK).Div(two).Mul(decimal.NewFromInt(1).Add(margin))
	if !price.IsPositive() {
		return decimal.Zero, pricingdomain.ErrInvalidMargin
	}
	return price, nil
}

func (s *Service) TokensToDebit(model string, rawCost, margin decimal.Decimal, contextEstimate int64) (int64, error) {
	return s.catalog().tokensToDebit(model, rawCost, margin, contextEstimate)
}

// tokensToDebit always rounds up so a debit never undercharges.
func (c *catalog) tokensToDebit(model string, rawCost, margin decimal.Decimal, contextEstimate int64) (int64, error) {
	if rawCost.IsNegative() {
		return 0, pricingdomain.ErrInvalidUsage
	}
	price, err := c.pricePerThousand(model, margin, contextEstimate)
	if err != nil {
		return 0, err
	}
	return rawCost.Mul(thousand).Div(price).Ceil().IntPart(), nil
}

func (s *Service) PackPrice(model string, tokens int64, margin decimal.Decimal, contextEstimate int64) (decimal.Decimal, error) {
	return s.catalog().packPrice(model, tokens, margin, contextEstimate)
}

func (c *catalog) packPrice(model string, tokens int64, margin decimal.Decimal, contextEstimate int64) (decimal.Decimal, error) {
	if tokens < 0 {
		return decimal.Zero, pricingdomain.ErrInvalidUsage
	}
	price, err := c.pricePerThousand(model, margin, contextEstimate)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromInt(tokens).Div(thousand).Mul(price), nil
}

func (s *Service) Defaults() (decimal.Decimal, int64) {
	c := s.catalog()
	return c.defaultMargin, c.defaultEstimate
}

func (s *Service) Packs() []pricingdomain.TokenPack {
	c := s.catalog()
	packs := make([]pricingdomain.TokenPack, 0, len(c.packs))
	for _, def := range c.packs {
		pack, err := c.resolvePack(def)
		if err != nil {
			s.log.Warn("pack cannot be priced", zap.String("code", def.code), zap.Error(err))
			continue
		}
		packs = append(packs, pack)
	}
	return packs
}

func (s *Service) Pack(code string) (pricingdomain.TokenPack, error) {
	c := s.catalog()
	code = normalizePackCode(code)
	for _, def := range c.packs {
		if def.code == code {
			return c.resolvePack(def)
		}
	}
	return pricingdomain.TokenPack{}, pricingdomain.ErrUnknownPack
}

func (c *catalog) resolvePack(def packDef) (pricingdomain.TokenPack, error) {
	pack := pricingdomain.TokenPack{
		Code:   def.code,
		Name:   def.name,
		Tokens: def.tokens,
		Model:  def.model,
	}
	if def.price != nil {
		pack.Price = *def.price
		pack.PriceSource = pricingdomain.PriceSourceStatic
		return pack, nil
	}

	margin := c.defaultMargin
	if def.margin != nil {
		margin = *def.margin
	}
	estimate := c.defaultEstimate
	if def.contextEstimate > 0 {
		estimate = def.contextEstimate
	}
	price, err := c.packPrice(def.model, def.tokens, margin, estimate)
	if err != nil {
		return pricingdomain.TokenPack{}, err
	}
	pack.Price = price.Round(2)
	pack.PriceSource = pricingdomain.PriceSourceFormula
	return pack, nil
}

func (s *Service) Quote(req pricingdomain.QuoteRequest) (*pricingdomain.Quote, error) {
	c := s.catalog()
	margin := c.defaultMargin
	if req.Margin != nil {
		margin = decimal.NewFromFloat(*req.Margin)
	}
	estimate := c.defaultEstimate
	if req.ContextEstimate != nil {
		estimate = *req.ContextEstimate
	}

	rawCost, err := c.rawCost(req.Model, req.InputTokens, req.OutputTokens)
	if err != nil {
		return nil, err
	}
	price, err := c.pricePerThousand(req.Model, margin, estimate)
	if err != nil {
		return nil, err
	}
	tokens, err := c.tokensToDebit(req.Model, rawCost, margin, estimate)
	if err != nil {
		return nil, err
	}

	return &pricingdomain.Quote{
		Model:            strings.TrimSpace(req.Model),
		InputTokens:      req.InputTokens,
		OutputTokens:     req.OutputTokens,
		RawCost:          rawCost,
		PricePerThousand: price,
		Tokens:           tokens,
		Margin:           margin,
		ContextEstimate:  estimate,
	}, nil
}
