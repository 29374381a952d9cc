/*
store.go - Persistence interfaces for lots and transactions

PURPOSE:
  Defines the contract between the engine and the database. One Store covers
  both halves of the ledger because they must move together: every lot
  mutation is paired with exactly one transaction append inside the same
  atomic unit.

APPEND-ONLY CONTRACT (transactions):
  - Append() is the only write. No Update, no Delete. Ever.
  - Corrections happen via refund/admin_adjust entries, never edits.

LOT CONTRACT:
  - CreateLot() inserts; lots are never deleted.
  - DecrementLot() is the only way remaining_amount goes down outside the
    sweeper, and it must be atomic with respect to concurrent decrements:
    a decrement beyond the remainder fails with ErrInsufficientLotBalance
    and changes nothing.
  - ExpireLot() zeroes the remainder and tags the lot; the caller records
    the matching expire transaction in the same atomic unit.

IDEMPOTENCY:
  Append enforces uniqueness of (user_id, request_id, tx_type) for non-empty
  request IDs and returns ErrDuplicateRequest on conflict. The engine relies
  on this happening inside the same transaction as the lot mutations.

IMPLEMENTATIONS:
  - store/sqlite: production store (SQLite, WAL)
  - ledger/store: in-memory store for tests and demos

SEE ALSO:
  - engine.go: The only caller of the mutating methods
*/
package ledger

import (
	"context"
	"time"
)

// Store handles persistence of credit lots and ledger transactions.
type Store interface {
	// --- Credit lots ---

	// CreateLot persists a new lot. Pure insert, no contention beyond the
	// idempotency key of the transaction recorded alongside it.
	CreateLot(ctx context.Context, lot CreditLot) error

	// Lot returns a lot by ID, or ErrLotNotFound.
	Lot(ctx context.Context, id LotID) (*CreditLot, error)

	// LotsByUser returns every lot the user ever had, oldest grant first.
	// Exhausted and expired lots included (audit, reconciliation).
	LotsByUser(ctx context.Context, userID UserID) ([]CreditLot, error)

	// ActiveLots returns spendable lots in FEFO order: expires_at ascending,
	// ties broken by granted_at ascending, then lot ID. Excludes exhausted
	// lots and lots with expires_at <= now, swept or not.
	ActiveLots(ctx context.Context, userID UserID, now time.Time) ([]CreditLot, error)

	// ExpiredUnswept returns lots past expiration that still hold points.
	// Empty userID means all users (periodic sweep).
	ExpiredUnswept(ctx context.Context, userID UserID, now time.Time) ([]CreditLot, error)

	// DecrementLot subtracts amount from the lot's remainder and returns the
	// new remainder. Fails with ErrInsufficientLotBalance if amount exceeds
	// the remainder, leaving the lot untouched.
	DecrementLot(ctx context.Context, id LotID, amount int64) (int64, error)

	// ExpireLot zeroes the lot's remainder, tags it with the sweep time and
	// returns the remainder that was lost. Zero remainder is a no-op.
	ExpireLot(ctx context.Context, id LotID, at time.Time) (int64, error)

	// --- Transaction ledger ---

	// Append adds a ledger entry. Returns ErrDuplicateRequest when the
	// (user_id, request_id, tx_type) key already exists.
	Append(ctx context.Context, tx Transaction) error

	// ByRequestID returns the committed entry for an idempotency key,
	// or nil when no such entry exists.
	ByRequestID(ctx context.Context, userID UserID, requestID string, txType TxType) (*Transaction, error)

	// History returns entries most recent first. cursor is the ID of the last
	// entry of the previous page ("" for the first page); the returned cursor
	// is "" when no more pages exist.
	History(ctx context.Context, userID UserID, limit int, cursor string) ([]Transaction, string, error)

	// SumAmounts returns the signed sum of all transaction amounts for the
	// user. Used by the reconciliation audit.
	SumAmounts(ctx context.Context, userID UserID) (int64, error)
}

// TxStore wraps Store with atomic-unit support. Everything the engine writes
// goes through WithTx: if fn returns an error the whole unit rolls back, so
// no partial lot debit ever survives a failed ledger append or vice versa.
type TxStore interface {
	Store

	WithTx(ctx context.Context, fn func(Store) error) error
}
