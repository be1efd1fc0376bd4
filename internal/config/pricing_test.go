package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPricingConfigIsValid(t *testing.T) {
	require.NoError(t, ValidatePricingConfig(DefaultPricingConfig()))
}

func TestValidatePricingConfigRejects(t *testing.T) {
	cases := map[string]func(*PricingConfig){
		"negative margin":      func(c *PricingConfig) { c.DefaultMargin = -0.1 },
		"no models":            func(c *PricingConfig) { c.Models = nil },
		"duplicate model":      func(c *PricingConfig) { c.Models = append(c.Models, c.Models[0]) },
		"zero rate":            func(c *PricingConfig) { c.Models[0].Tiers[0].InputPerMillion = 0 },
		"two unbounded tiers":  func(c *PricingConfig) { c.Models[0].Tiers[0].MaxContextTokens = nil },
		"pack unknown model":   func(c *PricingConfig) { c.Packs[0].Model = "nope" },
		"pack without tokens":  func(c *PricingConfig) { c.Packs[0].Tokens = 0 },
		"duplicate pack code":  func(c *PricingConfig) { c.Packs[1].Code = c.Packs[0].Code },
		"pack negative margin": func(c *PricingConfig) { m := -1.0; c.Packs[0].Margin = &m },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultPricingConfig()
			mutate(&cfg)
			assert.Error(t, ValidatePricingConfig(cfg))
		})
	}
}

func TestPricingConfigHolderNotifiesListeners(t *testing.T) {
	holder, err := NewStaticPricingConfigHolder(DefaultPricingConfig())
	require.NoError(t, err)

	var seen []float64
	holder.OnChange(func(cfg PricingConfig) { seen = append(seen, cfg.DefaultMargin) })

	next := DefaultPricingConfig()
	next.DefaultMargin = 0.6
	require.NoError(t, holder.Replace(next))

	bad := DefaultPricingConfig()
	bad.Models = nil
	assert.Error(t, holder.Replace(bad))

	assert.Equal(t, []float64{0.6}, seen)
	assert.Equal(t, 0.6, holder.Get().DefaultMargin)
}
