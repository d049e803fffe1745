// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Port               string
	DBPath             string
	LineChannelSecret  string
	LineChannelToken   string
	OpenAIAPIKey       string
	OpenAIModel        string
	CheckoutBaseURL    string
	CheckoutSuccessURL string
	ReminderInterval   time.Duration
	Pricing            Pricing
}

// Tier maps a stated budget to the anchor price presented for it.
type Tier struct {
	MinBudget int `yaml:"min_budget"`
	Anchor    int `yaml:"anchor"`
}

// Pricing holds the negotiation price parameters. All prices are integer yen.
type Pricing struct {
	ListPrice      int     `yaml:"list_price"`
	SoftFloor      int     `yaml:"soft_floor"`
	HardFloor      int     `yaml:"hard_floor"`
	MaxConcessions int     `yaml:"max_concessions"`
	StallChance    float64 `yaml:"stall_chance"`
	Rungs          []int   `yaml:"rungs"`
	Tiers          []Tier  `yaml:"tiers"`
}

// Load reads configuration from environment variables, plus an optional
// pricing YAML file pointed at by PRICING_PATH.
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getEnv("PORT", "8080"),
		DBPath:             getEnv("DB_PATH", "./data/coachbot.db"),
		LineChannelSecret:  getEnv("LINE_CHANNEL_SECRET", ""),
		LineChannelToken:   getEnv("LINE_CHANNEL_TOKEN", ""),
		OpenAIAPIKey:       getEnv("OPENAI_API_KEY", ""),
		OpenAIModel:        getEnv("OPENAI_MODEL", "gpt-4o-mini"),
		CheckoutBaseURL:    getEnv("CHECKOUT_BASE_URL", "https://checkout.stripe.com/c/pay"),
		CheckoutSuccessURL: getEnv("CHECKOUT_SUCCESS_URL", ""),
		ReminderInterval:   time.Duration(getEnvInt("REMINDER_INTERVAL_SEC", 60)) * time.Second,
		Pricing:            DefaultPricing(),
	}

	if path := getEnv("PRICING_PATH", ""); path != "" {
		pricing, err := loadPricingFile(path)
		if err != nil {
			return nil, fmt.Errorf("load pricing file: %w", err)
		}
		cfg.Pricing = *pricing
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// DefaultPricing returns the built-in subscription price ladder.
func DefaultPricing() Pricing {
	return Pricing{
		ListPrice:      3980,
		SoftFloor:      2480,
		HardFloor:      1980,
		MaxConcessions: 2,
		StallChance:    0.3,
		Rungs:          []int{3480, 2980, 2480, 1980},
		Tiers: []Tier{
			{MinBudget: 0, Anchor: 2980},
			{MinBudget: 10000, Anchor: 3480},
			{MinBudget: 30000, Anchor: 3980},
		},
	}
}

func loadPricingFile(path string) (*Pricing, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	pricing := DefaultPricing()
	if err := yaml.Unmarshal(data, &pricing); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &pricing, nil
}

// Validate checks that all required configuration fields are consistent.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.ReminderInterval <= 0 {
		return fmt.Errorf("REMINDER_INTERVAL_SEC must be > 0")
	}
	if err := c.Pricing.Validate(); err != nil {
		return fmt.Errorf("pricing: %w", err)
	}
	return nil
}

// Validate checks the price ladder invariants. The negotiation funnel must
// not activate with an inconsistent ladder.
func (p *Pricing) Validate() error {
	if p.HardFloor < 0 {
		return fmt.Errorf("hard_floor must be >= 0, got %d", p.HardFloor)
	}
	if p.SoftFloor < p.HardFloor {
		return fmt.Errorf("soft_floor %d must be >= hard_floor %d", p.SoftFloor, p.HardFloor)
	}
	if p.ListPrice < p.SoftFloor {
		return fmt.Errorf("list_price %d must be >= soft_floor %d", p.ListPrice, p.SoftFloor)
	}
	if p.MaxConcessions < 0 {
		return fmt.Errorf("max_concessions must be >= 0, got %d", p.MaxConcessions)
	}
	if p.StallChance < 0 || p.StallChance > 1 {
		return fmt.Errorf("stall_chance must be within [0, 1], got %g", p.StallChance)
	}
	if len(p.Rungs) == 0 {
		return fmt.Errorf("rungs cannot be empty")
	}
	prev := p.ListPrice + 1
	for i, rung := range p.Rungs {
		if rung >= prev {
			return fmt.Errorf("rungs must be strictly descending, rung[%d]=%d", i, rung)
		}
		if rung < p.HardFloor {
			return fmt.Errorf("rung[%d]=%d is below hard_floor %d", i, rung, p.HardFloor)
		}
		prev = rung
	}
	if len(p.Tiers) == 0 {
		return fmt.Errorf("tiers cannot be empty")
	}
	for i, tier := range p.Tiers {
		if tier.Anchor < p.SoftFloor || tier.Anchor > p.ListPrice {
			return fmt.Errorf("tier[%d] anchor %d must be within [soft_floor, list_price]", i, tier.Anchor)
		}
		if i > 0 && tier.MinBudget <= p.Tiers[i-1].MinBudget {
			return fmt.Errorf("tiers must be sorted by ascending min_budget")
		}
	}
	if p.Tiers[0].MinBudget != 0 {
		return fmt.Errorf("first tier must cover min_budget 0")
	}
	return nil
}

// AnchorFor returns the anchor price for a stated monthly budget.
func (p *Pricing) AnchorFor(budget int) int {
	anchor := p.Tiers[0].Anchor
	for _, tier := range p.Tiers {
		if budget >= tier.MinBudget {
			anchor = tier.Anchor
		}
	}
	return anchor
}

// AIEnabled returns true if the fallback AI coach can be used.
func (c *Config) AIEnabled() bool {
	return c.OpenAIAPIKey != ""
}

// LineEnabled returns true if LINE credentials are configured.
func (c *Config) LineEnabled() bool {
	return c.LineChannelSecret != "" && c.LineChannelToken != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}
