package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// PricingConfig is the deployment-time pricing catalogue: per-model tier
// tables, default margin and context estimate, and the token pack list.
type PricingConfig struct {
	DefaultMargin          float64        `mapstructure:"defaultMargin"`
	DefaultContextEstimate int64          `mapstructure:"defaultContextEstimate"`
	Models                 []ModelPricing `mapstructure:"models"`
	Packs                  []PackConfig   `mapstructure:"packs"`
}

// ModelPricing lists the context-length tiers of one model.
type ModelPricing struct {
	Model string       `mapstructure:"model"`
	Tiers []TierConfig `mapstructure:"tiers"`
}

// TierConfig is one pricing bracket. A nil MaxContextTokens is the
// unbounded tier.
type TierConfig struct {
	MaxContextTokens *int64  `mapstructure:"maxContextTokens"`
	InputPerMillion  float64 `mapstructure:"inputPerMillion"`
	OutputPerMillion float64 `mapstructure:"outputPerMillion"`
}

// PackConfig is a purchasable token bundle. Price is static when set,
// otherwise it is derived from the pricing formula using Margin and
// ContextEstimate (falling back to the catalogue defaults).
type PackConfig struct {
	Code            string   `mapstructure:"code"`
	Name            string   `mapstructure:"name"`
	Tokens          int64    `mapstructure:"tokens"`
	Model           string   `mapstructure:"model"`
	Price           *float64 `mapstructure:"price"`
	Margin          *float64 `mapstructure:"margin"`
	ContextEstimate int64    `mapstructure:"contextEstimate"`
}

func int64Ptr(v int64) *int64 { return &v }

// DefaultPricingConfig is used when no pricing.yml is mounted.
func DefaultPricingConfig() PricingConfig {
	return PricingConfig{
		DefaultMargin:          0.45,
		DefaultContextEstimate: 50_000,
		Models: []ModelPricing{
			{
				Model: "gemini-2.5-pro",
				Tiers: []TierConfig{
					{MaxContextTokens: int64Ptr(200_000), InputPerMillion: 1.25, OutputPerMillion: 10},
					{MaxContextTokens: nil, InputPerMillion: 2.5, OutputPerMillion: 15},
				},
			},
			{
				Model: "gemini-2.5-flash",
				Tiers: []TierConfig{
					{MaxContextTokens: nil, InputPerMillion: 0.3, OutputPerMillion: 2.5},
				},
			},
		},
		Packs: []PackConfig{
			{Code: "starter", Name: "Starter", Tokens: 50_000, Model: "gemini-2.5-pro"},
			{Code: "pro", Name: "Pro", Tokens: 250_000, Model: "gemini-2.5-pro"},
			{Code: "scale", Name: "Scale", Tokens: 1_000_000, Model: "gemini-2.5-pro"},
		},
	}
}

// PricingConfigHolder keeps the current validated catalogue and swaps it
// atomically when the file changes on disk.
type PricingConfigHolder struct {
	current atomic.Value // holds PricingConfig

	mu        sync.Mutex
	listeners []func(PricingConfig)
}

// NewStaticPricingConfigHolder wraps an already built catalogue.
func NewStaticPricingConfigHolder(cfg PricingConfig) (*PricingConfigHolder, error) {
	if err := ValidatePricingConfig(cfg); err != nil {
		return nil, err
	}
	holder := &PricingConfigHolder{}
	holder.current.Store(cfg)
	return holder, nil
}

func NewPricingConfigHolder() (*PricingConfigHolder, error) {
	v := viper.New()

	v.SetConfigName("pricing")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/tokenledger/config")
	v.AddConfigPath("/etc/tokenledger")
	v.AddConfigPath(".")

	v.SetEnvPrefix("TOKENLEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	cfg := DefaultPricingConfig()
	if fileFound {
		var loaded PricingConfig
		if err := v.UnmarshalKey("pricing", &loaded); err != nil {
			return nil, err
		}
		cfg = loaded
	}

	holder, err := NewStaticPricingConfigHolder(cfg)
	if err != nil {
		return nil, err
	}
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated PricingConfig
		if err := v.UnmarshalKey("pricing", &updated); err != nil {
			log.Printf("[pricing-config] reload failed: %v", err)
			return
		}
		if err := holder.Replace(updated); err != nil {
			log.Printf("[pricing-config] invalid config ignored: %v", err)
			return
		}
		log.Printf("[pricing-config] reloaded from %s", e.Name)
	})

	return holder, nil
}

func (h *PricingConfigHolder) Get() PricingConfig {
	return h.current.Load().(PricingConfig)
}

// OnChange registers fn to run after every successful reload.
func (h *PricingConfigHolder) OnChange(fn func(PricingConfig)) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// Replace validates cfg and makes it the current catalogue.
func (h *PricingConfigHolder) Replace(cfg PricingConfig) error {
	if err := ValidatePricingConfig(cfg); err != nil {
		return err
	}
	h.store(cfg)
	return nil
}

func (h *PricingConfigHolder) store(cfg PricingConfig) {
	h.current.Store(cfg)
	h.mu.Lock()
	listeners := append([]func(PricingConfig){}, h.listeners...)
	h.mu.Unlock()
	for _, fn := range listeners {
		fn(cfg)
	}
}

// ValidatePricingConfig rejects catalogues the pricing engine cannot serve.
func ValidatePricingConfig(cfg PricingConfig) error {
	if cfg.DefaultMargin < 0 {
		return errors.New("pricing.defaultMargin cannot be negative")
	}
	if cfg.DefaultContextEstimate < 0 {
		return errors.New("pricing.defaultContextEstimate cannot be negative")
	}
	if len(cfg.Models) == 0 {
		return errors.New("pricing.models cannot be empty")
	}

	models := make(map[string]struct{}, len(cfg.Models))
	for _, m := range cfg.Models {
		name := strings.TrimSpace(m.Model)
		if name == "" {
			return errors.New("pricing.models[].model cannot be empty")
		}
		if _, dup := models[name]; dup {
			return fmt.Errorf("pricing model %q declared twice", name)
		}
		models[name] = struct{}{}
		if len(m.Tiers) == 0 {
			return fmt.Errorf("pricing model %q has no tiers", name)
		}
		unbounded := 0
		ceilings := make(map[int64]struct{}, len(m.Tiers))
		for _, t := range m.Tiers {
			if t.InputPerMillion <= 0 || t.OutputPerMillion <= 0 {
				return fmt.Errorf("pricing model %q has a non-positive rate", name)
			}
			if t.MaxContextTokens == nil {
				unbounded++
				continue
			}
			if *t.MaxContextTokens <= 0 {
				return fmt.Errorf("pricing model %q has a non-positive tier ceiling", name)
			}
			if _, dup := ceilings[*t.MaxContextTokens]; dup {
				return fmt.Errorf("pricing model %q repeats ceiling %d", name, *t.MaxContextTokens)
			}
			ceilings[*t.MaxContextTokens] = struct{}{}
		}
		if unbounded > 1 {
			return fmt.Errorf("pricing model %q has more than one unbounded tier", name)
		}
	}

	codes := make(map[string]struct{}, len(cfg.Packs))
	for _, p := range cfg.Packs {
		if strings.TrimSpace(p.Code) == "" {
			return errors.New("pricing.packs[].code cannot be empty")
		}
		if _, dup := codes[p.Code]; dup {
			return fmt.Errorf("pricing pack %q declared twice", p.Code)
		}
		codes[p.Code] = struct{}{}
		if p.Tokens <= 0 {
			return fmt.Errorf("pricing pack %q must grant tokens", p.Code)
		}
		if _, ok := models[strings.TrimSpace(p.Model)]; !ok {
			return fmt.Errorf("pricing pack %q references unknown model %q", p.Code, p.Model)
		}
		if p.Price != nil && *p.Price <= 0 {
			return fmt.Errorf("pricing pack %q has a non-positive price", p.Code)
		}
		if p.Margin != nil && *p.Margin < 0 {
			return fmt.Errorf("pricing pack %q has a negative margin", p.Code)
		}
	}
	return nil
}
