// Package config loads server configuration from an optional file and
// CREDIT_* environment variables.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/warp/credit-engine/credit"
	"github.com/warp/credit-engine/store/postgres"
)

// EnvPrefix prefixes every environment override: CREDIT_HTTP_PORT, CREDIT_STORE_DRIVER, ...
const EnvPrefix = "CREDIT"

type Config struct {
	HTTP   HTTPConfig   `mapstructure:"http"`
	Log    LogConfig    `mapstructure:"log"`
	Store  StoreConfig  `mapstructure:"store"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Ledger LedgerConfig `mapstructure:"ledger"`
}

type HTTPConfig struct {
	Port            int           `mapstructure:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"oneof=json text"`
}

// SlogLevel maps Level onto slog.
func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

type StoreConfig struct {
	Driver     string         `mapstructure:"driver" validate:"oneof=memory sqlite postgres"`
	SQLitePath string         `mapstructure:"sqlite_path"`
	Postgres   PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// Connection converts to the store's connection settings.
func (c PostgresConfig) Connection() postgres.Config {
	return postgres.Config{
		Host:            c.Host,
		Port:            c.Port,
		User:            c.User,
		Password:        c.Password,
		Name:            c.Name,
		SSLMode:         c.SSLMode,
		MaxOpenConns:    c.MaxOpenConns,
		MaxIdleConns:    c.MaxIdleConns,
		ConnMaxLifetime: c.ConnMaxLifetime,
	}
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type LedgerConfig struct {
	DefaultType string   `mapstructure:"default_type" validate:"required"`
	Types       []string `mapstructure:"types"`

	// AllowNegative applies to every type not listed in AllowNegativeTypes.
	AllowNegative      bool            `mapstructure:"allow_negative"`
	AllowNegativeTypes map[string]bool `mapstructure:"allow_negative_types"`

	GroupedUsage bool          `mapstructure:"grouped_usage"`
	LockRetries  int           `mapstructure:"lock_retries" validate:"min=1"`
	BalanceMemo  time.Duration `mapstructure:"balance_memo"`
	Timezone     string        `mapstructure:"timezone"`
}

// Options converts the ledger section into credit options.
func (c LedgerConfig) Options() ([]credit.Option, error) {
	loc := time.UTC
	if c.Timezone != "" {
		var err error
		if loc, err = time.LoadLocation(c.Timezone); err != nil {
			return nil, fmt.Errorf("invalid ledger.timezone %q: %w", c.Timezone, err)
		}
	}

	policy := credit.NegativeBalancePolicy{Global: credit.Allow(c.AllowNegative)}
	if len(c.AllowNegativeTypes) > 0 {
		policy.PerType = make(map[string]credit.Allowance, len(c.AllowNegativeTypes))
		for name, allow := range c.AllowNegativeTypes {
			policy.PerType[name] = credit.Allow(allow)
		}
	}

	return []credit.Option{
		credit.WithTypes(credit.NewTypes(c.DefaultType, c.Types...)),
		credit.WithNegativeBalancePolicy(policy),
		credit.WithGroupedUsage(c.GroupedUsage),
		credit.WithLockRetries(c.LockRetries),
		credit.WithBalanceMemo(c.BalanceMemo),
		credit.WithLocation(loc),
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 15*time.Second)
	v.SetDefault("http.write_timeout", 15*time.Second)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)
	v.SetDefault("http.allowed_origins", []string{"*"})

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "./data/credits.db")
	v.SetDefault("store.postgres.host", "localhost")
	v.SetDefault("store.postgres.port", 5432)
	v.SetDefault("store.postgres.user", "postgres")
	v.SetDefault("store.postgres.password", "")
	v.SetDefault("store.postgres.name", "credits")
	v.SetDefault("store.postgres.ssl_mode", "disable")
	v.SetDefault("store.postgres.max_open_conns", 25)
	v.SetDefault("store.postgres.max_idle_conns", 5)
	v.SetDefault("store.postgres.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "credit-engine:")

	v.SetDefault("ledger.default_type", "default")
	v.SetDefault("ledger.types", []string{})
	v.SetDefault("ledger.allow_negative", false)
	v.SetDefault("ledger.grouped_usage", false)
	v.SetDefault("ledger.lock_retries", credit.DefaultLockRetries)
	v.SetDefault("ledger.balance_memo", credit.DefaultBalanceMemo)
	v.SetDefault("ledger.timezone", "UTC")
}

// Load reads configuration. path may be empty to use defaults and the
// environment only; a missing file named explicitly is an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
