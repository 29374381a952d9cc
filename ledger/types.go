/*
Package ledger provides the prepaid point accounting engine.

PURPOSE:
  This package contains the core types and algorithms for managing prepaid
  credit: expiring credit lots, FEFO (first-expire-first-out) deduction,
  charge-time bonuses, and an append-only transaction log that always
  reconciles against the lot store.

KEY CONCEPTS IN THIS FILE (types.go):
  - CreditLot: A discrete grant of points with its own expiration. The atomic
    unit of balance. remaining_amount only ever decreases.
  - Transaction: An immutable ledger entry recording a balance change, signed
    (positive = credit, negative = debit) to match its type.
  - LotEntry: The per-lot amount touched by a transaction. A single deduction
    may span multiple lots.

DESIGN PRINCIPLES:
  1. Integer points: balances are int64 units, no fractional points exist.
     Real-money amounts use decimal.Decimal to avoid float errors.
  2. Closed enums: transaction and source types are typed constants,
     never free-form strings.
  3. Derived balance: there is no stored balance column. Balance is always
     the sum of remaining amounts over non-expired, non-exhausted lots.
  4. Auditability: lots are never deleted, transactions never modified.

USAGE:
  lot := ledger.NewCreditLot(userID, 10000, grantedAt, expiresAt, ledger.SourceAddon)
  active := lot.ActiveAt(time.Now())

SEE ALSO:
  - store.go: Persistence interfaces for lots and transactions
  - engine.go: Charge/deduct orchestration
  - bonus.go: Charge-time bonus computation
*/
package ledger

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type LotID string
type TransactionID string

// NewLotID returns a fresh unique lot identifier.
func NewLotID() LotID { return LotID("lot-" + uuid.NewString()) }

// NewTransactionID returns a fresh unique transaction identifier.
func NewTransactionID() TransactionID { return TransactionID("tx-" + uuid.NewString()) }

// =============================================================================
// SOURCE TYPE - Where a credit lot came from
// =============================================================================

type SourceType string

const (
	SourceSubscription SourceType = "subscription" // Fixed monthly grant from an active plan
	SourceAddon        SourceType = "addon"        // One-off prepaid top-up
	SourceBonus        SourceType = "bonus"        // Charge-time bonus, linked to a base lot
	SourcePromotional  SourceType = "promotional"  // Campaign grants and refund re-credits
	SourceAdminGrant   SourceType = "admin_grant"  // Manual correction by an operator
)

// Valid reports whether s is a known source type.
func (s SourceType) Valid() bool {
	switch s {
	case SourceSubscription, SourceAddon, SourceBonus, SourcePromotional, SourceAdminGrant:
		return true
	}
	return false
}

// =============================================================================
// CREDIT LOT - A discrete grant of points with its own expiration
// =============================================================================

// CreditLot is the atomic unit of balance. RemainingAmount only decreases
// (deduction or expiration sweep), never increases after creation. A lot with
// RemainingAmount == 0 is exhausted: excluded from deduction scans but
// retained for audit.
type CreditLot struct {
	ID              LotID
	UserID          UserID
	OriginalAmount  int64
	RemainingAmount int64
	GrantedAt       time.Time
	ExpiresAt       time.Time
	SourceType      SourceType

	// SourceAmount/SourceCurrency record the real-money charge that produced
	// this lot. Zero/empty for bonus, promotional and admin lots.
	SourceAmount   decimal.Decimal
	SourceCurrency string

	// BaseLotID links a bonus lot to the charged lot it rode along with.
	BaseLotID LotID

	// ExpiredAt is set by the sweeper when the unspent remainder is
	// converted into an expire transaction.
	ExpiredAt *time.Time
}

// NewCreditLot builds a lot with a fresh ID. GrantedAt is set by the caller
// (the engine uses its clock so tests can pin time).
func NewCreditLot(userID UserID, amount int64, grantedAt, expiresAt time.Time, source SourceType) CreditLot {
	return CreditLot{
		ID:              NewLotID(),
		UserID:          userID,
		OriginalAmount:  amount,
		RemainingAmount: amount,
		GrantedAt:       grantedAt,
		ExpiresAt:       expiresAt,
		SourceType:      source,
	}
}

// Exhausted reports whether the lot has no points left.
func (l CreditLot) Exhausted() bool { return l.RemainingAmount <= 0 }

// ExpiredAsOf reports expiration as a logical predicate on the clock, NOT on
// whether the sweeper has run. Balance reads must never depend on sweep timing.
func (l CreditLot) ExpiredAsOf(now time.Time) bool { return !l.ExpiresAt.After(now) }

// ActiveAt reports whether the lot can contribute to balance at the given time.
func (l CreditLot) ActiveAt(now time.Time) bool {
	return !l.Exhausted() && !l.ExpiredAsOf(now)
}

// Spendable returns the points this lot contributes to the balance at now.
func (l CreditLot) Spendable(now time.Time) int64 {
	if !l.ActiveAt(now) {
		return 0
	}
	return l.RemainingAmount
}

// =============================================================================
// TRANSACTION - Append-only record of a balance-affecting event
// =============================================================================

type TxType string

const (
	TxCharge      TxType = "charge"       // Base points from a confirmed payment
	TxBonus       TxType = "bonus"        // Charge-time bonus points
	TxDeduct      TxType = "deduct"       // Points spent on a report/search
	TxExpire      TxType = "expire"       // Unspent remainder lost to expiration
	TxRefund      TxType = "refund"       // Compensation re-credit for a committed deduct
	TxAdminAdjust TxType = "admin_adjust" // Manual operator correction, either sign
)

// Sign returns the required sign of Amount for this type:
// +1 credit, -1 debit, 0 when either sign is allowed (admin_adjust).
func (t TxType) Sign() int {
	switch t {
	case TxCharge, TxBonus, TxRefund:
		return +1
	case TxDeduct, TxExpire:
		return -1
	}
	return 0
}

// LotEntry records how much of a transaction landed on one lot.
// Order matters: for deductions it is the FEFO walk order.
type LotEntry struct {
	LotID  LotID `json:"lot_id"`
	Amount int64 `json:"amount"`
}

// Transaction is immutable once appended. Amount is signed and must match
// Type.Sign(). RequestID is the caller-supplied idempotency key; empty for
// system-generated entries (expire).
type Transaction struct {
	ID          TransactionID
	UserID      UserID
	Type        TxType
	Amount      int64
	Lots        []LotEntry
	RequestID   string
	ReportType  string
	Description string

	// BalanceAfter captures the spendable balance right after this entry
	// committed, so an idempotent replay can return the original result.
	BalanceAfter int64

	CreatedAt time.Time
}

// =============================================================================
// BALANCE SNAPSHOT - Derived, never stored
// =============================================================================

type BalanceSnapshot struct {
	UserID      UserID
	Balance     int64
	LastUpdated time.Time
	AsOf        time.Time
}

// SumSpendable computes the balance over a set of lots at the given time.
func SumSpendable(lots []CreditLot, now time.Time) int64 {
	var total int64
	for _, l := range lots {
		total += l.Spendable(now)
	}
	return total
}
