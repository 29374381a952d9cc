/*
engine.go - Charge, deduction and adjustment orchestration

PURPOSE:
  The Engine is the only component that mutates the ledger. It owns the
  per-user serialization, the idempotent-replay behavior, and the pairing of
  lot mutations with transaction appends inside one atomic unit.

STATE MACHINE (single spend request):
  Received -> (idempotency check) -> Replayed(done)
           -> Evaluating -> Sufficient(commit) | Insufficient(fail, no mutation)

CONCURRENCY:
  Deductions and negative adjustments take the per-user lock for the whole
  read-decide-write sequence; acquisition is bounded by a timeout after which
  the caller gets ErrLedgerBusy. Charges, grants and refunds are pure inserts
  guarded only by the idempotency key, so they skip the lock.

ATOMICITY:
  Every mutation happens inside Store.WithTx. A failed transaction append
  rolls back the lot debits and vice versa. The lazy expiration sweep runs in
  its own atomic unit before a deduction is evaluated, so swept remainders
  stay swept even when the deduction itself fails.

FINALITY:
  A committed deduct is never retracted. Compensation happens via Refund,
  which re-credits through a fresh lot.

SEE ALSO:
  - sweep.go: Expiration sweeping (lazy + periodic)
  - reconcile.go: Audit pass and user freezing
*/
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// DefaultLockTimeout bounds how long a contended deduction waits before the
// caller is told to retry.
const DefaultLockTimeout = 3 * time.Second

// Engine coordinates all balance-affecting operations.
type Engine struct {
	store       TxStore
	policy      GrantPolicy
	locks       *userLocks
	lockTimeout time.Duration
	now         func() time.Time

	frozenMu sync.RWMutex
	frozen   map[UserID]bool
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock pins the engine's clock. Tests use this to control expiration.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLockTimeout overrides the per-user lock acquisition timeout.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) { e.lockTimeout = d }
}

// NewEngine creates an engine on top of a transactional store.
func NewEngine(store TxStore, policy GrantPolicy, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		policy:      policy,
		locks:       newUserLocks(),
		lockTimeout: DefaultLockTimeout,
		now:         func() time.Time { return time.Now().UTC() },
		frozen:      make(map[UserID]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Policy returns the grant policy the engine was built with.
func (e *Engine) Policy() GrantPolicy { return e.policy }

// =============================================================================
// CHARGE - Confirmed payment -> base lot (+ bonus lot)
// =============================================================================

// ChargeResult reports what a confirmed payment turned into.
type ChargeResult struct {
	BasePoints  int64
	BonusPoints int64
	TotalPoints int64
	Balance     int64
	Replayed    bool
}

// Charge converts a confirmed real-money payment into credit lots.
// paymentID is the idempotency key: resubmitting the same confirmed payment
// returns the original result and creates nothing.
func (e *Engine) Charge(ctx context.Context, userID UserID, amount decimal.Decimal, currency string, paymentType SourceType, paymentID string) (*ChargeResult, error) {
	if paymentID == "" {
		return nil, fmt.Errorf("charge: %w", ErrMissingRequestID)
	}
	if paymentType != SourceAddon && paymentType != SourceSubscription {
		return nil, fmt.Errorf("charge: %q: %w", paymentType, ErrInvalidSourceType)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("charge: %w", ErrInvalidAmount)
	}

	if replay, err := e.chargeReplay(ctx, userID, paymentID); err != nil || replay != nil {
		return replay, err
	}

	base := e.policy.BasePoints(amount)
	if base <= 0 {
		return nil, fmt.Errorf("charge: amount converts to zero points: %w", ErrInvalidAmount)
	}
	bonus := ComputeBonus(e.policy, base, paymentType)

	res, err := e.grant(ctx, userID, base, bonus, paymentType, paymentID, amount, currency,
		fmt.Sprintf("point charge (%s)", paymentType))
	if errors.Is(err, ErrDuplicateRequest) {
		// Lost a race against a concurrent resubmission: hand back its result.
		return e.chargeReplay(ctx, userID, paymentID)
	}
	return res, err
}

// MonthlyGrant posts the fixed subscription grant for one billing period.
// paymentID must be unique per period (the subscription invoice ID).
func (e *Engine) MonthlyGrant(ctx context.Context, userID UserID, paymentID string) (*ChargeResult, error) {
	if paymentID == "" {
		return nil, fmt.Errorf("monthly grant: %w", ErrMissingRequestID)
	}
	if replay, err := e.chargeReplay(ctx, userID, paymentID); err != nil || replay != nil {
		return replay, err
	}

	res, err := e.grant(ctx, userID, e.policy.SubscriptionGrant, 0, SourceSubscription, paymentID,
		decimal.Zero, "", "subscription monthly grant")
	if errors.Is(err, ErrDuplicateRequest) {
		return e.chargeReplay(ctx, userID, paymentID)
	}
	return res, err
}

// grant creates the base (and optional bonus) lot plus their ledger entries
// in one atomic unit.
func (e *Engine) grant(ctx context.Context, userID UserID, base, bonus int64, source SourceType, requestID string, amount decimal.Decimal, currency, desc string) (*ChargeResult, error) {
	now := e.now()
	result := &ChargeResult{BasePoints: base, BonusPoints: bonus, TotalPoints: base + bonus}

	err := e.store.WithTx(ctx, func(s Store) error {
		before, err := e.spendable(ctx, s, userID, now)
		if err != nil {
			return err
		}

		baseLot := NewCreditLot(userID, base, now, now.Add(e.policy.ValidityFor(source)), source)
		baseLot.SourceAmount = amount
		baseLot.SourceCurrency = currency
		if err := s.CreateLot(ctx, baseLot); err != nil {
			return err
		}
		if err := s.Append(ctx, Transaction{
			ID:           NewTransactionID(),
			UserID:       userID,
			Type:         TxCharge,
			Amount:       base,
			Lots:         []LotEntry{{LotID: baseLot.ID, Amount: base}},
			RequestID:    requestID,
			Description:  desc,
			BalanceAfter: before + base,
			CreatedAt:    now,
		}); err != nil {
			return err
		}

		if bonus > 0 {
			bonusLot := NewCreditLot(userID, bonus, now, now.Add(e.policy.BonusValidity), SourceBonus)
			bonusLot.BaseLotID = baseLot.ID
			if err := s.CreateLot(ctx, bonusLot); err != nil {
				return err
			}
			if err := s.Append(ctx, Transaction{
				ID:           NewTransactionID(),
				UserID:       userID,
				Type:         TxBonus,
				Amount:       bonus,
				Lots:         []LotEntry{{LotID: bonusLot.ID, Amount: bonus}},
				RequestID:    requestID,
				Description:  "charge bonus",
				BalanceAfter: before + base + bonus,
				CreatedAt:    now,
			}); err != nil {
				return err
			}
		}

		result.Balance = before + base + bonus
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// chargeReplay returns the originally committed result for a payment ID, or
// nil when the payment has not been seen.
func (e *Engine) chargeReplay(ctx context.Context, userID UserID, paymentID string) (*ChargeResult, error) {
	chargeTx, err := e.store.ByRequestID(ctx, userID, paymentID, TxCharge)
	if err != nil {
		return nil, err
	}
	if chargeTx == nil {
		return nil, nil
	}

	result := &ChargeResult{
		BasePoints: chargeTx.Amount,
		Balance:    chargeTx.BalanceAfter,
		Replayed:   true,
	}
	bonusTx, err := e.store.ByRequestID(ctx, userID, paymentID, TxBonus)
	if err != nil {
		return nil, err
	}
	if bonusTx != nil {
		result.BonusPoints = bonusTx.Amount
		result.Balance = bonusTx.BalanceAfter
	}
	result.TotalPoints = result.BasePoints + result.BonusPoints
	return result, nil
}

// =============================================================================
// DEDUCT - FEFO spend, all-or-nothing, exactly once per request ID
// =============================================================================

// DeductResult reports a committed (or replayed) deduction.
type DeductResult struct {
	Deducted         int64
	RemainingBalance int64
	Lots             []LotEntry // FEFO walk order with per-lot amounts
	Replayed         bool
}

// Deduct spends points in first-expiring-first-out order.
//
// Algorithm (per the request state machine above):
//  1. Replay: a committed entry for (userID, requestID) returns the original
//     result unchanged.
//  2. Sweep: expired lots are posted to the ledger first, in their own unit.
//  3. Evaluate: active lots in FEFO order; if their sum is short, fail with
//     InsufficientBalance and mutate nothing.
//  4. Commit: decrement each touched lot and append one deduct entry with the
//     per-lot amounts, atomically.
func (e *Engine) Deduct(ctx context.Context, userID UserID, amount int64, reportType, requestID string) (*DeductResult, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deduct: %w", ErrInvalidAmount)
	}
	if requestID == "" {
		return nil, fmt.Errorf("deduct: %w", ErrMissingRequestID)
	}
	if e.Frozen(userID) {
		return nil, fmt.Errorf("deduct: %s: %w", userID, ErrUserFrozen)
	}

	release, err := e.locks.Acquire(ctx, userID, e.lockTimeout)
	if err != nil {
		return nil, fmt.Errorf("deduct: %w", err)
	}
	defer release()

	if prior, err := e.store.ByRequestID(ctx, userID, requestID, TxDeduct); err != nil {
		return nil, err
	} else if prior != nil {
		return &DeductResult{
			Deducted:         -prior.Amount,
			RemainingBalance: prior.BalanceAfter,
			Lots:             prior.Lots,
			Replayed:         true,
		}, nil
	}

	now := e.now()
	if _, err := e.sweepUserLocked(ctx, userID, now); err != nil {
		return nil, err
	}

	result := &DeductResult{Deducted: amount}
	err = e.store.WithTx(ctx, func(s Store) error {
		lots, err := s.ActiveLots(ctx, userID, now)
		if err != nil {
			return err
		}
		total := SumSpendable(lots, now)
		if total < amount {
			return &InsufficientBalanceError{UserID: userID, Available: total, Requested: amount}
		}

		need := amount
		for _, lot := range lots {
			if need == 0 {
				break
			}
			take := min(need, lot.RemainingAmount)
			if _, err := s.DecrementLot(ctx, lot.ID, take); err != nil {
				return err
			}
			result.Lots = append(result.Lots, LotEntry{LotID: lot.ID, Amount: take})
			need -= take
		}

		result.RemainingBalance = total - amount
		return s.Append(ctx, Transaction{
			ID:           NewTransactionID(),
			UserID:       userID,
			Type:         TxDeduct,
			Amount:       -amount,
			Lots:         result.Lots,
			RequestID:    requestID,
			ReportType:   reportType,
			Description:  "point deduction",
			BalanceAfter: result.RemainingBalance,
			CreatedAt:    now,
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// =============================================================================
// REFUND - Compensation for a committed deduct
// =============================================================================

// RefundResult reports a committed (or replayed) refund.
type RefundResult struct {
	Points   int64
	Balance  int64
	Replayed bool
}

// Refund re-credits points through a fresh promotional lot. A committed
// deduct is final; this is the only compensation path.
func (e *Engine) Refund(ctx context.Context, userID UserID, points int64, description, requestID string) (*RefundResult, error) {
	if points <= 0 {
		return nil, fmt.Errorf("refund: %w", ErrInvalidAmount)
	}
	if requestID == "" {
		return nil, fmt.Errorf("refund: %w", ErrMissingRequestID)
	}

	if prior, err := e.store.ByRequestID(ctx, userID, requestID, TxRefund); err != nil {
		return nil, err
	} else if prior != nil {
		return &RefundResult{Points: prior.Amount, Balance: prior.BalanceAfter, Replayed: true}, nil
	}

	now := e.now()
	result := &RefundResult{Points: points}
	err := e.store.WithTx(ctx, func(s Store) error {
		before, err := e.spendable(ctx, s, userID, now)
		if err != nil {
			return err
		}
		lot := NewCreditLot(userID, points, now, now.Add(e.policy.PromotionalValidity), SourcePromotional)
		if err := s.CreateLot(ctx, lot); err != nil {
			return err
		}
		result.Balance = before + points
		return s.Append(ctx, Transaction{
			ID:           NewTransactionID(),
			UserID:       userID,
			Type:         TxRefund,
			Amount:       points,
			Lots:         []LotEntry{{LotID: lot.ID, Amount: points}},
			RequestID:    requestID,
			Description:  description,
			BalanceAfter: result.Balance,
			CreatedAt:    now,
		})
	})
	if errors.Is(err, ErrDuplicateRequest) {
		if prior, rerr := e.store.ByRequestID(ctx, userID, requestID, TxRefund); rerr == nil && prior != nil {
			return &RefundResult{Points: prior.Amount, Balance: prior.BalanceAfter, Replayed: true}, nil
		}
	}
	if err != nil {
		return nil, err
	}
	return result, nil
}

// =============================================================================
// ADMIN ADJUSTMENT - Manual correction, explicitly flagged as such
// =============================================================================

// AdjustResult reports a committed manual adjustment.
type AdjustResult struct {
	Points  int64
	Balance int64
}

// AdminAdjust applies a manual correction. Positive points create an
// admin_grant lot; negative points debit lots FEFO like a deduction. Either
// way exactly one admin_adjust entry is appended.
func (e *Engine) AdminAdjust(ctx context.Context, userID UserID, points int64, reason, actor string) (*AdjustResult, error) {
	if points == 0 {
		return nil, fmt.Errorf("adjust: %w", ErrInvalidAmount)
	}
	desc := reason
	if actor != "" {
		desc = fmt.Sprintf("%s (by %s)", reason, actor)
	}
	now := e.now()

	if points > 0 {
		result := &AdjustResult{Points: points}
		err := e.store.WithTx(ctx, func(s Store) error {
			before, err := e.spendable(ctx, s, userID, now)
			if err != nil {
				return err
			}
			lot := NewCreditLot(userID, points, now, now.Add(e.policy.AdminGrantValidity), SourceAdminGrant)
			if err := s.CreateLot(ctx, lot); err != nil {
				return err
			}
			result.Balance = before + points
			return s.Append(ctx, Transaction{
				ID:           NewTransactionID(),
				UserID:       userID,
				Type:         TxAdminAdjust,
				Amount:       points,
				Lots:         []LotEntry{{LotID: lot.ID, Amount: points}},
				Description:  desc,
				BalanceAfter: result.Balance,
				CreatedAt:    now,
			})
		})
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	// Negative adjustment mutates lots, so it serializes like a deduction.
	release, err := e.locks.Acquire(ctx, userID, e.lockTimeout)
	if err != nil {
		return nil, fmt.Errorf("adjust: %w", err)
	}
	defer release()

	debit := -points
	result := &AdjustResult{Points: points}
	err = e.store.WithTx(ctx, func(s Store) error {
		lots, err := s.ActiveLots(ctx, userID, now)
		if err != nil {
			return err
		}
		total := SumSpendable(lots, now)
		if total < debit {
			return &InsufficientBalanceError{UserID: userID, Available: total, Requested: debit}
		}

		var entries []LotEntry
		need := debit
		for _, lot := range lots {
			if need == 0 {
				break
			}
			take := min(need, lot.RemainingAmount)
			if _, err := s.DecrementLot(ctx, lot.ID, take); err != nil {
				return err
			}
			entries = append(entries, LotEntry{LotID: lot.ID, Amount: take})
			need -= take
		}

		result.Balance = total - debit
		return s.Append(ctx, Transaction{
			ID:           NewTransactionID(),
			UserID:       userID,
			Type:         TxAdminAdjust,
			Amount:       points,
			Lots:         entries,
			Description:  desc,
			BalanceAfter: result.Balance,
			CreatedAt:    now,
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// =============================================================================
// READS
// =============================================================================

// Balance returns the current spendable balance. Expiration is evaluated
// logically, so a lot past its expires_at contributes nothing even before
// any sweep has run.
func (e *Engine) Balance(ctx context.Context, userID UserID) (*BalanceSnapshot, error) {
	now := e.now()
	balance, err := e.spendable(ctx, e.store, userID, now)
	if err != nil {
		return nil, err
	}

	snap := &BalanceSnapshot{UserID: userID, Balance: balance, AsOf: now}
	recent, _, err := e.store.History(ctx, userID, 1, "")
	if err != nil {
		return nil, err
	}
	if len(recent) > 0 {
		snap.LastUpdated = recent[0].CreatedAt
	}
	return snap, nil
}

// Lots returns every lot ever granted to the user, oldest grant first.
func (e *Engine) Lots(ctx context.Context, userID UserID) ([]CreditLot, error) {
	return e.store.LotsByUser(ctx, userID)
}

// History returns ledger entries most recent first with keyset pagination.
func (e *Engine) History(ctx context.Context, userID UserID, limit int, cursor string) ([]Transaction, string, error) {
	if limit <= 0 {
		limit = 50
	}
	return e.store.History(ctx, userID, limit, cursor)
}

func (e *Engine) spendable(ctx context.Context, s Store, userID UserID, now time.Time) (int64, error) {
	lots, err := s.ActiveLots(ctx, userID, now)
	if err != nil {
		return 0, err
	}
	return SumSpendable(lots, now), nil
}
