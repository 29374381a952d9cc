/*
Package config loads runtime configuration for the point ledger service.

PURPOSE:
  Single place where environment variables, an optional config.yaml, and
  defaults are merged. Everything downstream (server, store, grant policy,
  sweep scheduler) receives plain structs and never touches viper.

PRECEDENCE (highest wins):
  1. Environment variables (LEDGER_SERVER_PORT, LEDGER_DATABASE_PATH, ...)
  2. config.yaml in . or ./config
  3. Defaults below

SEE ALSO:
  - ledger/policy.go: GrantPolicy consumed by the engine
  - cmd/server/main.go: Wiring
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/warp/point-ledger/ledger"
)

// Config holds all configuration for the service.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Grants   GrantsConfig
	Sweep    SweepConfig
	LogLevel string
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port           string
	AllowedOrigins []string
}

// DatabaseConfig holds SQLite configuration.
type DatabaseConfig struct {
	Path string
}

// GrantsConfig holds the numbers behind charge-time grants. Rates are kept
// as strings in config and parsed into decimals once, at load time.
type GrantsConfig struct {
	PointsPerCurrencyUnit    string
	AddonBonusRate           string
	SubscriptionGrant        int64
	AddonValidityDays        int
	SubscriptionValidityDays int
	BonusValidityDays        int
	PromotionalValidityDays  int
	AdminGrantValidityDays   int
}

// SweepConfig holds expiration sweeper configuration.
type SweepConfig struct {
	Interval           time.Duration
	LockTimeout        time.Duration
	ReconcileOnStartup bool
}

// Load loads configuration from environment variables and config files.
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("ledger")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional; environment variables and defaults cover
		// everything.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	if _, err := config.GrantPolicy(); err != nil {
		return nil, err
	}
	return &config, nil
}

// GrantPolicy converts the raw config numbers into the policy the engine
// consumes.
func (c *Config) GrantPolicy() (ledger.GrantPolicy, error) {
	rate, err := decimal.NewFromString(c.Grants.PointsPerCurrencyUnit)
	if err != nil {
		return ledger.GrantPolicy{}, fmt.Errorf("invalid points per currency unit %q: %w", c.Grants.PointsPerCurrencyUnit, err)
	}
	bonus, err := decimal.NewFromString(c.Grants.AddonBonusRate)
	if err != nil {
		return ledger.GrantPolicy{}, fmt.Errorf("invalid addon bonus rate %q: %w", c.Grants.AddonBonusRate, err)
	}
	if rate.IsNegative() || bonus.IsNegative() {
		return ledger.GrantPolicy{}, fmt.Errorf("grant rates must not be negative")
	}

	days := func(n int) time.Duration { return time.Duration(n) * 24 * time.Hour }

	return ledger.GrantPolicy{
		PointsPerCurrencyUnit: rate,
		AddonBonusRate:        bonus,
		SubscriptionGrant:     c.Grants.SubscriptionGrant,
		AddonValidity:         days(c.Grants.AddonValidityDays),
		SubscriptionValidity:  days(c.Grants.SubscriptionValidityDays),
		BonusValidity:         days(c.Grants.BonusValidityDays),
		PromotionalValidity:   days(c.Grants.PromotionalValidityDays),
		AdminGrantValidity:    days(c.Grants.AdminGrantValidityDays),
	}, nil
}

// setDefaults sets default values for configuration.
func setDefaults() {
	viper.SetDefault("Server.Port", "8080")
	viper.SetDefault("Server.AllowedOrigins", []string{"http://localhost:3000"})
	viper.SetDefault("Database.Path", "./data/ledger.db")
	viper.SetDefault("Grants.PointsPerCurrencyUnit", "1")
	viper.SetDefault("Grants.AddonBonusRate", "0.10")
	viper.SetDefault("Grants.SubscriptionGrant", 1500)
	viper.SetDefault("Grants.AddonValidityDays", 365)
	viper.SetDefault("Grants.SubscriptionValidityDays", 30)
	viper.SetDefault("Grants.BonusValidityDays", 365)
	viper.SetDefault("Grants.PromotionalValidityDays", 90)
	viper.SetDefault("Grants.AdminGrantValidityDays", 365)
	viper.SetDefault("Sweep.Interval", time.Hour)
	viper.SetDefault("Sweep.LockTimeout", 3*time.Second)
	viper.SetDefault("Sweep.ReconcileOnStartup", false)
	viper.SetDefault("LogLevel", "info")
}
