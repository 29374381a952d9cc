/*
policy.go - Grant policy: conversion rates, bonus rates, lot validity

PURPOSE:
  The exact bonus thresholds and grant amounts are business configuration,
  not code. This file defines the GrantPolicy value the engine is constructed
  with; config/ builds one from the config file / environment.

DEFAULTS:
  1 currency unit        = 1 point
  addon bonus            = 10% of base, rounded down
  subscription grant     = 1500 points per billing period
  addon/bonus validity   = 365 days
  subscription validity  = 30 days

SEE ALSO:
  - bonus.go: The pure calculator consuming these rates
  - config/config.go: Where the values come from at runtime
*/
package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// GrantPolicy carries every tunable number involved in granting points.
type GrantPolicy struct {
	// PointsPerCurrencyUnit converts a confirmed charge amount into base
	// points. Decimal so fractional rates survive config round-trips; the
	// resulting points are always floored to whole units.
	PointsPerCurrencyUnit decimal.Decimal

	// AddonBonusRate is the fraction of base points granted as bonus on
	// addon purchases (0.10 = 10%).
	AddonBonusRate decimal.Decimal

	// SubscriptionGrant is the fixed number of points granted per
	// subscription billing period.
	SubscriptionGrant int64

	// Validity windows per lot source.
	AddonValidity        time.Duration
	SubscriptionValidity time.Duration
	BonusValidity        time.Duration
	PromotionalValidity  time.Duration
	AdminGrantValidity   time.Duration
}

// DefaultGrantPolicy returns the policy used when no configuration overrides it.
func DefaultGrantPolicy() GrantPolicy {
	day := 24 * time.Hour
	return GrantPolicy{
		PointsPerCurrencyUnit: decimal.NewFromInt(1),
		AddonBonusRate:        decimal.NewFromFloat(0.10),
		SubscriptionGrant:     1500,
		AddonValidity:         365 * day,
		SubscriptionValidity:  30 * day,
		BonusValidity:         365 * day,
		PromotionalValidity:   90 * day,
		AdminGrantValidity:    365 * day,
	}
}

// BasePoints converts a confirmed real-money amount into base points,
// rounded down to a whole unit.
func (p GrantPolicy) BasePoints(amount decimal.Decimal) int64 {
	return amount.Mul(p.PointsPerCurrencyUnit).Floor().IntPart()
}

// ValidityFor returns the expiration window for a lot of the given source.
func (p GrantPolicy) ValidityFor(source SourceType) time.Duration {
	switch source {
	case SourceSubscription:
		return p.SubscriptionValidity
	case SourceBonus:
		return p.BonusValidity
	case SourcePromotional:
		return p.PromotionalValidity
	case SourceAdminGrant:
		return p.AdminGrantValidity
	default:
		return p.AddonValidity
	}
}
