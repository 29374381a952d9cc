/*
Package sqlite provides the SQLite-backed implementation of ledger.TxStore.

PURPOSE:
  Durable persistence for credit lots and the append-only transaction log.
  In production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences (row-level SELECT ... FOR UPDATE instead of the
  process-wide mutex below).

KEY TABLES:
  lots:          Credit grants with their own expiration. Never deleted.
                 remaining_amount only decreases; a CHECK keeps it >= 0.
  transactions:  Immutable ledger of balance-affecting events.

APPEND-ONLY ENFORCEMENT (transactions):
  - No UPDATE statements on the transactions table
  - No DELETE statements on the transactions table
  - Corrections happen via new transactions (refund, admin_adjust)

IDEMPOTENCY:
  idx_transactions_request enforces uniqueness of
  (user_id, request_id, tx_type) for non-empty request IDs, checked inside
  the same SQL transaction as the lot mutations. A charge writes two rows
  (charge + bonus) that share the payment ID, which is why tx_type is part
  of the key.

CONCURRENCY:
  sync.RWMutex serializes writers; the engine's per-user lock serializes
  read-decide-write sequences above this layer. WAL mode keeps readers
  from blocking.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := ledger.NewEngine(store, ledger.DefaultGrantPolicy())

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - ledger/store.go: Interface contracts
  - ledger/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/point-ledger/ledger"
)

// timeLayout is fixed-width so lexicographic order equals chronological
// order. RFC3339Nano trims trailing zeros, which breaks string comparison
// in SQL.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database (useful for testing).
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// One connection: the mutex serializes access anyway, and a pooled
	// second connection against ":memory:" would get its own empty database.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for reconciliation audits and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) migrate() error {
	schema := `
	-- Credit lots (never deleted; remaining only decreases)
	CREATE TABLE IF NOT EXISTS lots (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		original_amount INTEGER NOT NULL CHECK (original_amount > 0),
		remaining_amount INTEGER NOT NULL CHECK (remaining_amount >= 0),
		granted_at TEXT NOT NULL,
		expires_at TEXT NOT NULL,
		source_type TEXT NOT NULL,
		source_amount TEXT,
		source_currency TEXT,
		base_lot_id TEXT,
		expired_at TEXT
	);

	-- FEFO scan (hot path): spendable lots in expiration order
	CREATE INDEX IF NOT EXISTS idx_lots_user_fefo
		ON lots(user_id, expires_at, granted_at)
		WHERE remaining_amount > 0;

	-- Sweep scan across users
	CREATE INDEX IF NOT EXISTS idx_lots_unswept
		ON lots(expires_at)
		WHERE remaining_amount > 0;

	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		tx_type TEXT NOT NULL,
		amount INTEGER NOT NULL,
		lots_json TEXT,
		request_id TEXT,
		report_type TEXT,
		description TEXT,
		balance_after INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);

	-- CRITICAL: the idempotency boundary. At most one committed financial
	-- effect per (user, request, type), enforced in the same SQL
	-- transaction as the lot mutations.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_transactions_request
		ON transactions(user_id, request_id, tx_type)
		WHERE request_id IS NOT NULL;

	-- History pagination
	CREATE INDEX IF NOT EXISTS idx_transactions_user_created
		ON transactions(user_id, created_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// queryer covers *sql.DB and *sql.Tx so the unlocked helpers below work
// both standalone and inside WithTx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// LOTS
// =============================================================================

func (s *Store) CreateLot(ctx context.Context, lot ledger.CreditLot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return createLot(ctx, s.db, lot)
}

func createLot(ctx context.Context, q queryer, lot ledger.CreditLot) error {
	var sourceAmount, sourceCurrency, baseLotID, expiredAt any
	if !lot.SourceAmount.IsZero() {
		sourceAmount = lot.SourceAmount.String()
		sourceCurrency = lot.SourceCurrency
	}
	if lot.BaseLotID != "" {
		baseLotID = string(lot.BaseLotID)
	}
	if lot.ExpiredAt != nil {
		expiredAt = lot.ExpiredAt.UTC().Format(timeLayout)
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO lots
		(id, user_id, original_amount, remaining_amount, granted_at, expires_at,
		 source_type, source_amount, source_currency, base_lot_id, expired_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		lot.ID, lot.UserID, lot.OriginalAmount, lot.RemainingAmount,
		lot.GrantedAt.UTC().Format(timeLayout), lot.ExpiresAt.UTC().Format(timeLayout),
		lot.SourceType, sourceAmount, sourceCurrency, baseLotID, expiredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create lot: %w", err)
	}
	return nil
}

const lotColumns = `id, user_id, original_amount, remaining_amount, granted_at,
		expires_at, source_type, source_amount, source_currency, base_lot_id, expired_at`

func (s *Store) Lot(ctx context.Context, id ledger.LotID) (*ledger.CreditLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return getLot(ctx, s.db, id)
}

func getLot(ctx context.Context, q queryer, id ledger.LotID) (*ledger.CreditLot, error) {
	lots, err := queryLots(ctx, q, `SELECT `+lotColumns+` FROM lots WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(lots) == 0 {
		return nil, ledger.ErrLotNotFound
	}
	return &lots[0], nil
}

func (s *Store) LotsByUser(ctx context.Context, userID ledger.UserID) ([]ledger.CreditLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lotsByUser(ctx, s.db, userID)
}

func lotsByUser(ctx context.Context, q queryer, userID ledger.UserID) ([]ledger.CreditLot, error) {
	return queryLots(ctx, q, `
		SELECT `+lotColumns+` FROM lots
		WHERE user_id = ?
		ORDER BY granted_at ASC, id ASC`, userID)
}

func (s *Store) ActiveLots(ctx context.Context, userID ledger.UserID, now time.Time) ([]ledger.CreditLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return activeLots(ctx, s.db, userID, now)
}

// activeLots returns spendable lots in deduction order: earliest expiration
// first, then earliest grant, then lot ID as the final tiebreaker.
func activeLots(ctx context.Context, q queryer, userID ledger.UserID, now time.Time) ([]ledger.CreditLot, error) {
	return queryLots(ctx, q, `
		SELECT `+lotColumns+` FROM lots
		WHERE user_id = ? AND remaining_amount > 0 AND expires_at > ?
		ORDER BY expires_at ASC, granted_at ASC, id ASC`,
		userID, now.UTC().Format(timeLayout))
}

func (s *Store) ExpiredUnswept(ctx context.Context, userID ledger.UserID, now time.Time) ([]ledger.CreditLot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return expiredUnswept(ctx, s.db, userID, now)
}

func expiredUnswept(ctx context.Context, q queryer, userID ledger.UserID, now time.Time) ([]ledger.CreditLot, error) {
	query := `
		SELECT ` + lotColumns + ` FROM lots
		WHERE remaining_amount > 0 AND expires_at <= ?`
	args := []any{now.UTC().Format(timeLayout)}
	if userID != "" {
		query += ` AND user_id = ?`
		args = append(args, userID)
	}
	query += ` ORDER BY expires_at ASC, granted_at ASC, id ASC`
	return queryLots(ctx, q, query, args...)
}

func (s *Store) DecrementLot(ctx context.Context, id ledger.LotID, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return decrementLot(ctx, s.db, id, amount)
}

func decrementLot(ctx context.Context, q queryer, id ledger.LotID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ledger.ErrInvalidAmount
	}

	// The guard lives in the UPDATE itself so a concurrent decrement can
	// never push the remainder below zero.
	res, err := q.ExecContext(ctx, `
		UPDATE lots SET remaining_amount = remaining_amount - ?
		WHERE id = ? AND remaining_amount >= ?`,
		amount, id, amount)
	if err != nil {
		return 0, fmt.Errorf("failed to decrement lot: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	var remaining int64
	if affected == 0 {
		err := q.QueryRowContext(ctx, `SELECT remaining_amount FROM lots WHERE id = ?`, id).Scan(&remaining)
		if err == sql.ErrNoRows {
			return 0, ledger.ErrLotNotFound
		}
		if err != nil {
			return 0, err
		}
		return remaining, ledger.ErrInsufficientLotBalance
	}

	if err := q.QueryRowContext(ctx, `SELECT remaining_amount FROM lots WHERE id = ?`, id).Scan(&remaining); err != nil {
		return 0, err
	}
	return remaining, nil
}

func (s *Store) ExpireLot(ctx context.Context, id ledger.LotID, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return expireLot(ctx, s.db, id, at)
}

// expireLot zeroes the remainder and records when the sweep ran. Returns
// the amount forfeited; zero if the lot was already exhausted or swept.
func expireLot(ctx context.Context, q queryer, id ledger.LotID, at time.Time) (int64, error) {
	var remaining int64
	err := q.QueryRowContext(ctx, `SELECT remaining_amount FROM lots WHERE id = ?`, id).Scan(&remaining)
	if err == sql.ErrNoRows {
		return 0, ledger.ErrLotNotFound
	}
	if err != nil {
		return 0, err
	}
	if remaining == 0 {
		return 0, nil
	}

	_, err = q.ExecContext(ctx, `
		UPDATE lots SET remaining_amount = 0, expired_at = ?
		WHERE id = ?`,
		at.UTC().Format(timeLayout), id)
	if err != nil {
		return 0, fmt.Errorf("failed to expire lot: %w", err)
	}
	return remaining, nil
}

func queryLots(ctx context.Context, q queryer, query string, args ...any) ([]ledger.CreditLot, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query lots: %w", err)
	}
	defer rows.Close()

	var lots []ledger.CreditLot
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

func scanLot(rows *sql.Rows) (ledger.CreditLot, error) {
	var (
		lot            ledger.CreditLot
		grantedAt      string
		expiresAt      string
		sourceAmount   sql.NullString
		sourceCurrency sql.NullString
		baseLotID      sql.NullString
		expiredAt      sql.NullString
	)

	err := rows.Scan(
		&lot.ID, &lot.UserID, &lot.OriginalAmount, &lot.RemainingAmount,
		&grantedAt, &expiresAt, &lot.SourceType,
		&sourceAmount, &sourceCurrency, &baseLotID, &expiredAt,
	)
	if err != nil {
		return lot, fmt.Errorf("failed to scan lot: %w", err)
	}

	lot.GrantedAt, err = time.Parse(timeLayout, grantedAt)
	if err != nil {
		return lot, fmt.Errorf("failed to parse granted_at: %w", err)
	}
	lot.ExpiresAt, err = time.Parse(timeLayout, expiresAt)
	if err != nil {
		return lot, fmt.Errorf("failed to parse expires_at: %w", err)
	}
	if sourceAmount.Valid {
		lot.SourceAmount, err = decimal.NewFromString(sourceAmount.String)
		if err != nil {
			return lot, fmt.Errorf("failed to parse source_amount: %w", err)
		}
		lot.SourceCurrency = sourceCurrency.String
	}
	lot.BaseLotID = ledger.LotID(baseLotID.String)
	if expiredAt.Valid {
		t, err := time.Parse(timeLayout, expiredAt.String)
		if err != nil {
			return lot, fmt.Errorf("failed to parse expired_at: %w", err)
		}
		lot.ExpiredAt = &t
	}
	return lot, nil
}

// =============================================================================
// TRANSACTIONS (append-only)
// =============================================================================

func (s *Store) Append(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendTx(ctx, s.db, tx)
}

func appendTx(ctx context.Context, q queryer, tx ledger.Transaction) error {
	var lotsJSON any
	if len(tx.Lots) > 0 {
		b, err := json.Marshal(tx.Lots)
		if err != nil {
			return fmt.Errorf("failed to marshal lot entries: %w", err)
		}
		lotsJSON = string(b)
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO transactions
		(id, user_id, tx_type, amount, lots_json, request_id, report_type,
		 description, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.UserID, tx.Type, tx.Amount, lotsJSON,
		nullString(tx.RequestID), nullString(tx.ReportType), nullString(tx.Description),
		tx.BalanceAfter, tx.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateRequest
		}
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

const txColumns = `id, user_id, tx_type, amount, lots_json, request_id,
		report_type, description, balance_after, created_at`

func (s *Store) ByRequestID(ctx context.Context, userID ledger.UserID, requestID string, txType ledger.TxType) (*ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return byRequestID(ctx, s.db, userID, requestID, txType)
}

func byRequestID(ctx context.Context, q queryer, userID ledger.UserID, requestID string, txType ledger.TxType) (*ledger.Transaction, error) {
	if requestID == "" {
		return nil, nil
	}
	txs, err := queryTransactions(ctx, q, `
		SELECT `+txColumns+` FROM transactions
		WHERE user_id = ? AND request_id = ? AND tx_type = ?`,
		userID, requestID, txType)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

func (s *Store) History(ctx context.Context, userID ledger.UserID, limit int, cursor string) ([]ledger.Transaction, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return history(ctx, s.db, userID, limit, cursor)
}

// history paginates by rowid: the table is append-only, so rowid order is
// insertion order and the cursor is simply the last entry's ID.
func history(ctx context.Context, q queryer, userID ledger.UserID, limit int, cursor string) ([]ledger.Transaction, string, error) {
	query := `SELECT ` + txColumns + ` FROM transactions WHERE user_id = ?`
	args := []any{userID}

	if cursor != "" {
		query += ` AND rowid < (SELECT rowid FROM transactions WHERE id = ?)`
		args = append(args, cursor)
	}
	query += ` ORDER BY rowid DESC LIMIT ?`
	args = append(args, limit+1)

	txs, err := queryTransactions(ctx, q, query, args...)
	if err != nil {
		return nil, "", err
	}

	next := ""
	if len(txs) > limit {
		txs = txs[:limit]
		next = string(txs[limit-1].ID)
	}
	return txs, next, nil
}

func (s *Store) SumAmounts(ctx context.Context, userID ledger.UserID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sumAmounts(ctx, s.db, userID)
}

func sumAmounts(ctx context.Context, q queryer, userID ledger.UserID) (int64, error) {
	var sum int64
	err := q.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM transactions WHERE user_id = ?`,
		userID,
	).Scan(&sum)
	return sum, err
}

func queryTransactions(ctx context.Context, q queryer, query string, args ...any) ([]ledger.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func scanTransaction(rows *sql.Rows) (ledger.Transaction, error) {
	var (
		tx          ledger.Transaction
		lotsJSON    sql.NullString
		requestID   sql.NullString
		reportType  sql.NullString
		description sql.NullString
		createdAt   string
	)

	err := rows.Scan(
		&tx.ID, &tx.UserID, &tx.Type, &tx.Amount, &lotsJSON,
		&requestID, &reportType, &description, &tx.BalanceAfter, &createdAt,
	)
	if err != nil {
		return tx, fmt.Errorf("failed to scan transaction: %w", err)
	}

	if lotsJSON.Valid && lotsJSON.String != "" {
		if err := json.Unmarshal([]byte(lotsJSON.String), &tx.Lots); err != nil {
			return tx, fmt.Errorf("failed to unmarshal lot entries: %w", err)
		}
	}
	tx.RequestID = requestID.String
	tx.ReportType = reportType.String
	tx.Description = description.String
	tx.CreatedAt, err = time.Parse(timeLayout, createdAt)
	if err != nil {
		return tx, fmt.Errorf("failed to parse created_at: %w", err)
	}
	return tx, nil
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore)
// =============================================================================

// WithTx executes fn within a single database transaction. Any error from
// fn rolls back every write made through the inner store.
func (s *Store) WithTx(ctx context.Context, fn func(ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// txStore routes Store calls through the open SQL transaction. The parent
// mutex is already held by WithTx, so it calls the unlocked helpers
// directly; going through the public locked methods would deadlock.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) CreateLot(ctx context.Context, lot ledger.CreditLot) error {
	return createLot(ctx, ts.tx, lot)
}

func (ts *txStore) Lot(ctx context.Context, id ledger.LotID) (*ledger.CreditLot, error) {
	return getLot(ctx, ts.tx, id)
}

func (ts *txStore) LotsByUser(ctx context.Context, userID ledger.UserID) ([]ledger.CreditLot, error) {
	return lotsByUser(ctx, ts.tx, userID)
}

func (ts *txStore) ActiveLots(ctx context.Context, userID ledger.UserID, now time.Time) ([]ledger.CreditLot, error) {
	return activeLots(ctx, ts.tx, userID, now)
}

func (ts *txStore) ExpiredUnswept(ctx context.Context, userID ledger.UserID, now time.Time) ([]ledger.CreditLot, error) {
	return expiredUnswept(ctx, ts.tx, userID, now)
}

func (ts *txStore) DecrementLot(ctx context.Context, id ledger.LotID, amount int64) (int64, error) {
	return decrementLot(ctx, ts.tx, id, amount)
}

func (ts *txStore) ExpireLot(ctx context.Context, id ledger.LotID, at time.Time) (int64, error) {
	return expireLot(ctx, ts.tx, id, at)
}

func (ts *txStore) Append(ctx context.Context, tx ledger.Transaction) error {
	return appendTx(ctx, ts.tx, tx)
}

func (ts *txStore) ByRequestID(ctx context.Context, userID ledger.UserID, requestID string, txType ledger.TxType) (*ledger.Transaction, error) {
	return byRequestID(ctx, ts.tx, userID, requestID, txType)
}

func (ts *txStore) History(ctx context.Context, userID ledger.UserID, limit int, cursor string) ([]ledger.Transaction, string, error) {
	return history(ctx, ts.tx, userID, limit, cursor)
}

func (ts *txStore) SumAmounts(ctx context.Context, userID ledger.UserID) (int64, error) {
	return sumAmounts(ctx, ts.tx, userID)
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
