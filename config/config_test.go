package config_test

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/point-ledger/config"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "./data/ledger.db", cfg.Database.Path)
	assert.Equal(t, int64(1500), cfg.Grants.SubscriptionGrant)
	assert.Equal(t, time.Hour, cfg.Sweep.Interval)
	assert.Equal(t, 3*time.Second, cfg.Sweep.LockTimeout)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_EnvironmentOverride(t *testing.T) {
	t.Setenv("LEDGER_LOGLEVEL", "debug")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestGrantPolicy_Conversion(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	policy, err := cfg.GrantPolicy()
	require.NoError(t, err)

	assert.True(t, policy.PointsPerCurrencyUnit.Equal(decimal.NewFromInt(1)))
	assert.True(t, policy.AddonBonusRate.Equal(decimal.NewFromFloat(0.10)))
	assert.Equal(t, int64(1500), policy.SubscriptionGrant)
	assert.Equal(t, 365*24*time.Hour, policy.AddonValidity)
	assert.Equal(t, 30*24*time.Hour, policy.SubscriptionValidity)
	assert.Equal(t, 90*24*time.Hour, policy.PromotionalValidity)
}

func TestGrantPolicy_RejectsBadRates(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)

	cfg.Grants.AddonBonusRate = "ten percent"
	_, err = cfg.GrantPolicy()
	assert.Error(t, err)

	cfg.Grants.AddonBonusRate = "-0.1"
	_, err = cfg.GrantPolicy()
	assert.Error(t, err)
}
