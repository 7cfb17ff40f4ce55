// Package config loads the fundbot configuration: the reusable core sections
// plus storage, campaigns, pricing, settlement, audit and HTTP settings.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	coreconfig "github.com/m3rciful/fundbot/core/config"
	coredatabase "github.com/m3rciful/fundbot/core/database"
	"github.com/m3rciful/fundbot/internal/campaign"
)

// PricingConfig seeds the conversion rate into an empty store.
type PricingConfig struct {
	StarsPerUnit string `yaml:"stars_per_unit" envconfig:"PRICING_STARS_PER_UNIT"`
	Currency     string `yaml:"currency" envconfig:"PRICING_CURRENCY"`
	MinorPerUnit int64  `yaml:"minor_per_unit" envconfig:"PRICING_MINOR_PER_UNIT"`
}

// Rate parses the configured default rate.
func (p PricingConfig) Rate() (campaign.Rate, error) {
	if strings.TrimSpace(p.StarsPerUnit) == "" {
		return campaign.Rate{}, nil
	}
	d, err := decimal.NewFromString(strings.TrimSpace(p.StarsPerUnit))
	if err != nil {
		return campaign.Rate{}, fmt.Errorf("pricing.stars_per_unit: %w", err)
	}
	r := campaign.Rate{
		StarsPerUnit: d,
		Currency:     strings.ToUpper(strings.TrimSpace(p.Currency)),
		MinorPerUnit: p.MinorPerUnit,
	}
	if !r.Valid() {
		return campaign.Rate{}, fmt.Errorf("pricing: rate needs positive stars_per_unit, minor_per_unit and a currency")
	}
	return r, nil
}

// SettlementConfig tunes the settlement pipeline.
type SettlementConfig struct {
	IntentTTL time.Duration `yaml:"intent_ttl" envconfig:"SETTLEMENT_INTENT_TTL"`
	// JanitorInterval is how often expired intents are purged.
	JanitorInterval time.Duration `yaml:"janitor_interval" envconfig:"SETTLEMENT_JANITOR_INTERVAL"`
	LabelMaxLen     int           `yaml:"label_max_len" envconfig:"SETTLEMENT_LABEL_MAX_LEN"`
	// MaxAmount caps a single settlement; 0 leaves only the ledger's own limit.
	MaxAmount int64 `yaml:"max_amount" envconfig:"SETTLEMENT_MAX_AMOUNT"`
}

// RedisAuditConfig enables the Redis stream audit sink.
type RedisAuditConfig struct {
	URL    string `yaml:"url" envconfig:"AUDIT_REDIS_URL"`
	Stream string `yaml:"stream" envconfig:"AUDIT_REDIS_STREAM"`
	MaxLen int64  `yaml:"max_len" envconfig:"AUDIT_REDIS_MAXLEN"`
}

// KafkaAuditConfig enables the Kafka audit sink.
type KafkaAuditConfig struct {
	Brokers []string `yaml:"brokers" envconfig:"AUDIT_KAFKA_BROKERS"`
	Topic   string   `yaml:"topic" envconfig:"AUDIT_KAFKA_TOPIC"`
}

// AuditConfig selects audit sinks. The log sink is on unless disabled.
type AuditConfig struct {
	DisableLog bool `yaml:"disable_log" envconfig:"AUDIT_DISABLE_LOG"`
	// Admin forwards events to admin chats.
	Admin bool             `yaml:"admin" envconfig:"AUDIT_ADMIN"`
	Redis RedisAuditConfig `yaml:"redis"`
	Kafka KafkaAuditConfig `yaml:"kafka"`
}

// HTTPConfig configures the read API. An empty Listen disables it.
type HTTPConfig struct {
	Listen string `yaml:"listen" envconfig:"HTTP_LISTEN"`
}

// Config is the application configuration.
type Config struct {
	coreconfig.Config `yaml:",inline"`

	Database   coredatabase.Config   `yaml:"database"`
	Campaigns  []campaign.Definition `yaml:"campaigns" ignored:"true"`
	Pricing    PricingConfig         `yaml:"pricing"`
	Settlement SettlementConfig      `yaml:"settlement"`
	Audit      AuditConfig           `yaml:"audit"`
	HTTP       HTTPConfig            `yaml:"http"`
}

// CoreConfig exposes the embedded core configuration.
func (c *Config) CoreConfig() *coreconfig.Config {
	if c == nil {
		return nil
	}
	return &c.Config
}

// Load reads path, overlays the environment and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := coreconfig.LoadInto(path, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize validates every section and fills defaults.
func (c *Config) Normalize() error {
	if err := coreconfig.Normalize(&c.Config); err != nil {
		return err
	}
	if err := c.Database.Normalize(); err != nil {
		return err
	}
	if len(c.Campaigns) == 0 {
		return fmt.Errorf("at least one campaign is required")
	}
	if _, err := campaign.NewCatalog(c.Campaigns); err != nil {
		return fmt.Errorf("campaigns: %w", err)
	}
	if _, err := c.Pricing.Rate(); err != nil {
		return err
	}
	if c.Settlement.IntentTTL < 0 || c.Settlement.JanitorInterval < 0 || c.Settlement.LabelMaxLen < 0 || c.Settlement.MaxAmount < 0 {
		return fmt.Errorf("settlement values must be >= 0")
	}
	if c.Settlement.JanitorInterval == 0 {
		c.Settlement.JanitorInterval = time.Minute
	}
	if c.Audit.Redis.URL != "" && c.Audit.Redis.Stream == "" {
		c.Audit.Redis.Stream = "fundbot:audit"
	}
	if len(c.Audit.Kafka.Brokers) > 0 && c.Audit.Kafka.Topic == "" {
		return fmt.Errorf("audit.kafka.topic is required when brokers are set")
	}
	return nil
}

// Catalog builds the validated campaign catalog.
func (c *Config) Catalog() (*campaign.Catalog, error) {
	return campaign.NewCatalog(c.Campaigns)
}
