package ledger_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/warp/point-ledger/ledger"
)

func TestComputeBonus_AddonTenPercent(t *testing.T) {
	policy := ledger.DefaultGrantPolicy()

	assert.Equal(t, int64(500), ledger.ComputeBonus(policy, 5000, ledger.SourceAddon))
	assert.Equal(t, int64(1000), ledger.ComputeBonus(policy, 10000, ledger.SourceAddon))
}

func TestComputeBonus_FractionsRoundDown(t *testing.T) {
	policy := ledger.DefaultGrantPolicy()

	// 10% of 55 is 5.5; the bonus floors to whole points.
	assert.Equal(t, int64(5), ledger.ComputeBonus(policy, 55, ledger.SourceAddon))
	assert.Equal(t, int64(0), ledger.ComputeBonus(policy, 9, ledger.SourceAddon))
}

func TestComputeBonus_OnlyAddonsEarnBonus(t *testing.T) {
	policy := ledger.DefaultGrantPolicy()

	assert.Equal(t, int64(0), ledger.ComputeBonus(policy, 5000, ledger.SourceSubscription))
	assert.Equal(t, int64(0), ledger.ComputeBonus(policy, 5000, ledger.SourcePromotional))
	assert.Equal(t, int64(0), ledger.ComputeBonus(policy, 5000, ledger.SourceAdminGrant))
}

func TestComputeBonus_CustomRate(t *testing.T) {
	policy := ledger.DefaultGrantPolicy()
	policy.AddonBonusRate = decimal.NewFromFloat(0.25)

	assert.Equal(t, int64(250), ledger.ComputeBonus(policy, 1000, ledger.SourceAddon))
}

func TestGrantPolicy_BasePoints(t *testing.T) {
	policy := ledger.DefaultGrantPolicy()

	assert.Equal(t, int64(5000), policy.BasePoints(decimal.NewFromInt(5000)))
	assert.Equal(t, int64(49), policy.BasePoints(decimal.NewFromFloat(49.99)), "partial points floor")
	assert.Equal(t, int64(0), policy.BasePoints(decimal.NewFromFloat(0.5)))
}
