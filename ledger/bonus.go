/*
bonus.go - Charge-time bonus computation

PURPOSE:
  Pure functions only: no I/O, no clock, no store. Bonus rules must be
  testable in isolation from the rest of the ledger.

POLICY:
  - addon purchases earn a percentage of the base points (policy rate,
    default 10%), rounded DOWN to a whole point.
  - subscription charges earn no percentage bonus; subscriptions carry a
    separate fixed grant per billing period (GrantPolicy.SubscriptionGrant,
    granted via Engine.MonthlyGrant).
  - promotional and admin grants never earn bonus.

SEE ALSO:
  - policy.go: The configured rates
  - engine.go: Charge() applies the result
*/
package ledger

import "github.com/shopspring/decimal"

// ComputeBonus returns the bonus points granted alongside a base grant of the
// given source. Pure function of its inputs.
func ComputeBonus(policy GrantPolicy, basePoints int64, source SourceType) int64 {
	if basePoints <= 0 {
		return 0
	}
	switch source {
	case SourceAddon:
		return policy.AddonBonusRate.Mul(decimal.NewFromInt(basePoints)).Floor().IntPart()
	default:
		return 0
	}
}
