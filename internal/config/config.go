// Package config loads service configuration from an optional YAML file,
// a .env file and LEDGER_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/bullionops/dealer-ledger/internal/calendar"
	"github.com/bullionops/dealer-ledger/internal/logging"
	"github.com/bullionops/dealer-ledger/internal/model"
	"github.com/bullionops/dealer-ledger/internal/tracing"
)

// Config holds all service configuration.
type Config struct {
	HTTP     HTTPConfig      `mapstructure:"http"`
	Database DatabaseConfig  `mapstructure:"database"`
	Redis    RedisConfig     `mapstructure:"redis"`
	NATS     NATSConfig      `mapstructure:"nats"`
	Lock     LockConfig      `mapstructure:"lock"`
	Trading  TradingConfig   `mapstructure:"trading"`
	Hedging  HedgingConfig   `mapstructure:"hedging"`
	Events   EventsConfig    `mapstructure:"events"`
	Catalog  []ProductConfig `mapstructure:"catalog"`
	Log      logging.Config  `mapstructure:"log"`
	Tracing  tracing.Config  `mapstructure:"tracing"`
}

// HTTPConfig holds the API server settings.
type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig selects the persistence backend. An empty URL means the
// in-memory store.
type DatabaseConfig struct {
	URL          string `mapstructure:"url"`
	EnsureSchema bool   `mapstructure:"ensure_schema"`
}

// RedisConfig enables the distributed lock, the durable event queue and the
// product cache. An empty URL keeps all three in process.
type RedisConfig struct {
	URL         string        `mapstructure:"url"`
	ProductTTL  time.Duration `mapstructure:"product_ttl"`
	QueuePrefix string        `mapstructure:"queue_prefix"`
}

// NATSConfig enables JetStream notifications. An empty URL disables them.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// LockConfig names the lock shared by every balance-affecting workflow.
type LockConfig struct {
	Name string        `mapstructure:"name"`
	TTL  time.Duration `mapstructure:"ttl"`
}

// TradingConfig holds workflow settings.
type TradingConfig struct {
	DuplicateWindow time.Duration `mapstructure:"duplicate_window"`
	SettlementDays  int           `mapstructure:"settlement_days"`
	Calendar        string        `mapstructure:"calendar"`
	HedgeTimeout    time.Duration `mapstructure:"hedge_timeout"`

	// Holidays lists non-business days per calendar type, as YYYY-MM-DD.
	Holidays map[string][]string `mapstructure:"holidays"`
}

// HedgingConfig maps locations to hedging accounts and seeds the simulated
// venue's prices.
type HedgingConfig struct {
	Accounts        map[string]string `mapstructure:"accounts"`         // location → account ID
	SimulatedPrices map[string]string `mapstructure:"simulated_prices"` // metal → price per oz
}

// EventsConfig controls the event processor.
type EventsConfig struct {
	BatchSize int           `mapstructure:"batch_size"`
	Interval  time.Duration `mapstructure:"interval"`
}

// ProductConfig seeds a catalog product into the in-memory store.
type ProductConfig struct {
	ID       string `mapstructure:"id"`
	SKU      string `mapstructure:"sku"`
	Name     string `mapstructure:"name"`
	Metal    string `mapstructure:"metal"`
	WeightOz string `mapstructure:"weight_oz"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.shutdown_timeout", 5*time.Second)

	v.SetDefault("database.url", "")
	v.SetDefault("database.ensure_schema", true)

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.product_ttl", 5*time.Minute)
	v.SetDefault("redis.queue_prefix", "dealer:events")

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.subject_prefix", "dealer.ledger")

	v.SetDefault("lock.name", "dealer-balances")
	v.SetDefault("lock.ttl", 30*time.Second)

	v.SetDefault("trading.duplicate_window", 24*time.Hour)
	v.SetDefault("trading.settlement_days", 2)
	v.SetDefault("trading.calendar", "us")
	v.SetDefault("trading.hedge_timeout", 10*time.Second)

	v.SetDefault("events.batch_size", 100)
	v.SetDefault("events.interval", time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", false)
	v.SetDefault("log.file_path", "logs/dealer-ledger.log")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age", 30)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "dealer-ledger")
	v.SetDefault("tracing.pretty_print", false)
}

// Load reads configuration. path may name a config file; when empty,
// ./config.yaml is used if present. A missing .env file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LEDGER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Lock.Name == "" {
		return fmt.Errorf("lock.name is required")
	}
	if c.Lock.TTL <= 0 {
		return fmt.Errorf("lock.ttl must be positive")
	}
	if c.Trading.SettlementDays < 0 {
		return fmt.Errorf("trading.settlement_days must be non-negative")
	}
	if c.Trading.DuplicateWindow < 0 {
		return fmt.Errorf("trading.duplicate_window must be non-negative")
	}
	if c.Events.BatchSize <= 0 {
		return fmt.Errorf("events.batch_size must be positive")
	}
	if _, err := c.HedgingAccounts(); err != nil {
		return err
	}
	if _, err := c.SimulatedPrices(); err != nil {
		return err
	}
	if _, err := c.Products(); err != nil {
		return err
	}
	if _, err := c.Holidays(); err != nil {
		return err
	}
	return nil
}

// Holidays parses the configured holiday dates per calendar type.
func (c *Config) Holidays() (map[calendar.Type][]time.Time, error) {
	out := make(map[calendar.Type][]time.Time, len(c.Trading.Holidays))
	for typ, days := range c.Trading.Holidays {
		t := calendar.Type(strings.ToLower(typ))
		for _, raw := range days {
			day, err := time.Parse("2006-01-02", raw)
			if err != nil {
				return nil, fmt.Errorf("trading.holidays.%s: %w", typ, err)
			}
			out[t] = append(out[t], day)
		}
	}
	return out, nil
}

// HedgingAccounts parses the location → account mapping. Locations are
// upper-cased since viper folds map keys to lower case.
func (c *Config) HedgingAccounts() (map[model.Location]uuid.UUID, error) {
	out := make(map[model.Location]uuid.UUID, len(c.Hedging.Accounts))
	for loc, raw := range c.Hedging.Accounts {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("hedging.accounts.%s: %w", loc, err)
		}
		out[model.Location(strings.ToUpper(loc))] = id
	}
	return out, nil
}

// SimulatedPrices parses the simulated venue's spot prices per metal.
func (c *Config) SimulatedPrices() (map[model.Metal]decimal.Decimal, error) {
	out := make(map[model.Metal]decimal.Decimal, len(c.Hedging.SimulatedPrices))
	for metal, raw := range c.Hedging.SimulatedPrices {
		p, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("hedging.simulated_prices.%s: %w", metal, err)
		}
		out[model.Metal(strings.ToLower(metal))] = p
	}
	return out, nil
}

// Products parses the seeded catalog.
func (c *Config) Products() ([]model.Product, error) {
	out := make([]model.Product, 0, len(c.Catalog))
	for i, pc := range c.Catalog {
		id, err := uuid.Parse(pc.ID)
		if err != nil {
			return nil, fmt.Errorf("catalog[%d].id: %w", i, err)
		}
		weight, err := decimal.NewFromString(pc.WeightOz)
		if err != nil {
			return nil, fmt.Errorf("catalog[%d].weight_oz: %w", i, err)
		}
		p := model.Product{
			ID:       id,
			SKU:      pc.SKU,
			Name:     pc.Name,
			Metal:    model.Metal(strings.ToLower(pc.Metal)),
			WeightOz: weight,
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("catalog[%d]: %w", i, err)
		}
		out = append(out, p)
	}
	return out, nil
}
