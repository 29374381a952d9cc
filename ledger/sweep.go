/*
sweep.go - Expiration sweeping

PURPOSE:
  Converts the unspent remainder of expired lots into recorded losses: for
  every lot with expires_at <= now and remaining > 0, zero the remainder and
  append one expire transaction, atomically per lot batch.

WHEN IT RUNS:
  - Lazily, inside the deduction lock, before a spend is evaluated. This is
    what keeps the ledger consistent without a scheduler.
  - Periodically, from api.SweepScheduler, so reporting and history stay
    current even for idle users.

IDEMPOTENT:
  A swept lot has remaining == 0 and is never selected again. Running sweep
  twice is a no-op. Balance reads never depend on sweep timing: expiration
  is a logical predicate (CreditLot.ExpiredAsOf).
*/
package ledger

import (
	"context"
	"fmt"
	"time"
)

// Sweep zeroes every expired, unspent lot ledger-wide and posts the matching
// expire entries. Returns the lots as they were before zeroing. Each user's
// batch runs under that user's lock so sweeps never race deductions.
func (e *Engine) Sweep(ctx context.Context, now time.Time) ([]CreditLot, error) {
	candidates, err := e.store.ExpiredUnswept(ctx, "", now)
	if err != nil {
		return nil, err
	}

	byUser := make(map[UserID][]CreditLot)
	var order []UserID
	for _, lot := range candidates {
		if _, seen := byUser[lot.UserID]; !seen {
			order = append(order, lot.UserID)
		}
		byUser[lot.UserID] = append(byUser[lot.UserID], lot)
	}

	var swept []CreditLot
	for _, userID := range order {
		release, err := e.locks.Acquire(ctx, userID, e.lockTimeout)
		if err != nil {
			return swept, fmt.Errorf("sweep %s: %w", userID, err)
		}
		userSwept, err := e.sweepUserLocked(ctx, userID, now)
		release()
		if err != nil {
			return swept, err
		}
		swept = append(swept, userSwept...)
	}
	return swept, nil
}

// SweepUser sweeps a single user's expired lots under their lock.
func (e *Engine) SweepUser(ctx context.Context, userID UserID) ([]CreditLot, error) {
	release, err := e.locks.Acquire(ctx, userID, e.lockTimeout)
	if err != nil {
		return nil, fmt.Errorf("sweep %s: %w", userID, err)
	}
	defer release()
	return e.sweepUserLocked(ctx, userID, e.now())
}

// sweepUserLocked assumes the caller holds the user's lock. Candidates are
// re-read inside the atomic unit so a lot swept by an earlier pass (remaining
// already zero) is skipped.
func (e *Engine) sweepUserLocked(ctx context.Context, userID UserID, now time.Time) ([]CreditLot, error) {
	var swept []CreditLot
	err := e.store.WithTx(ctx, func(s Store) error {
		lots, err := s.ExpiredUnswept(ctx, userID, now)
		if err != nil {
			return err
		}
		if len(lots) == 0 {
			return nil
		}

		balance, err := e.spendable(ctx, s, userID, now)
		if err != nil {
			return err
		}

		for _, lot := range lots {
			lost, err := s.ExpireLot(ctx, lot.ID, now)
			if err != nil {
				return err
			}
			if lost == 0 {
				continue
			}
			if err := s.Append(ctx, Transaction{
				ID:           NewTransactionID(),
				UserID:       userID,
				Type:         TxExpire,
				Amount:       -lost,
				Lots:         []LotEntry{{LotID: lot.ID, Amount: lost}},
				Description:  fmt.Sprintf("expired %s lot", lot.SourceType),
				BalanceAfter: balance,
				CreatedAt:    now,
			}); err != nil {
				return err
			}
			swept = append(swept, lot)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return swept, nil
}
