package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/point-ledger/ledger"
	"github.com/warp/point-ledger/ledger/store"
)

var baseTime = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func memLot(userID ledger.UserID, amount int64, grantedAt, expiresAt time.Time) ledger.CreditLot {
	return ledger.NewCreditLot(userID, amount, grantedAt, expiresAt, ledger.SourceAddon)
}

func TestMemory_ActiveLots_FEFOOrder(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	late := memLot("user-1", 100, baseTime, baseTime.AddDate(1, 0, 0))
	soon := memLot("user-1", 100, baseTime, baseTime.AddDate(0, 1, 0))
	expired := memLot("user-1", 100, baseTime.AddDate(0, -2, 0), baseTime.Add(-time.Hour))

	for _, lot := range []ledger.CreditLot{late, soon, expired} {
		require.NoError(t, m.CreateLot(ctx, lot))
	}

	lots, err := m.ActiveLots(ctx, "user-1", baseTime)
	require.NoError(t, err)
	require.Len(t, lots, 2)
	assert.Equal(t, soon.ID, lots[0].ID)
	assert.Equal(t, late.ID, lots[1].ID)
}

func TestMemory_DecrementLot_Guard(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	lot := memLot("user-1", 50, baseTime, baseTime.AddDate(1, 0, 0))
	require.NoError(t, m.CreateLot(ctx, lot))

	remaining, err := m.DecrementLot(ctx, lot.ID, 20)
	require.NoError(t, err)
	assert.Equal(t, int64(30), remaining)

	_, err = m.DecrementLot(ctx, lot.ID, 40)
	assert.ErrorIs(t, err, ledger.ErrInsufficientLotBalance)

	_, err = m.DecrementLot(ctx, "lot-missing", 1)
	assert.ErrorIs(t, err, ledger.ErrLotNotFound)
}

func TestMemory_Append_DuplicateRequestRejected(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	tx := ledger.Transaction{
		ID:        ledger.NewTransactionID(),
		UserID:    "user-1",
		Type:      ledger.TxDeduct,
		Amount:    -10,
		RequestID: "req-1",
		CreatedAt: baseTime,
	}
	require.NoError(t, m.Append(ctx, tx))

	dup := tx
	dup.ID = ledger.NewTransactionID()
	assert.ErrorIs(t, m.Append(ctx, dup), ledger.ErrDuplicateRequest)

	// A different type under the same request ID is a distinct effect.
	other := dup
	other.ID = ledger.NewTransactionID()
	other.Type = ledger.TxCharge
	require.NoError(t, m.Append(ctx, other))

	got, err := m.ByRequestID(ctx, "user-1", "req-1", ledger.TxDeduct)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tx.ID, got.ID)
}

func TestMemory_WithTx_SnapshotRollback(t *testing.T) {
	// GIVEN: A seeded lot
	// WHEN: A unit mutates lots and transactions then fails
	// THEN: The store is byte-for-byte back where it started

	m := store.NewMemory()
	ctx := context.Background()

	seed := memLot("user-1", 100, baseTime, baseTime.AddDate(1, 0, 0))
	require.NoError(t, m.CreateLot(ctx, seed))

	boom := errors.New("boom")
	err := m.WithTx(ctx, func(s ledger.Store) error {
		if _, err := s.DecrementLot(ctx, seed.ID, 60); err != nil {
			return err
		}
		if err := s.CreateLot(ctx, memLot("user-1", 10, baseTime, baseTime.AddDate(1, 0, 0))); err != nil {
			return err
		}
		if err := s.Append(ctx, ledger.Transaction{
			ID: ledger.NewTransactionID(), UserID: "user-1", Type: ledger.TxDeduct,
			Amount: -60, RequestID: "req-1", CreatedAt: baseTime,
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	lots, err := m.LotsByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, int64(100), lots[0].RemainingAmount)

	sum, err := m.SumAmounts(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum)

	// The failed unit's request ID is free for a retry.
	require.NoError(t, m.Append(ctx, ledger.Transaction{
		ID: ledger.NewTransactionID(), UserID: "user-1", Type: ledger.TxDeduct,
		Amount: -60, RequestID: "req-1", CreatedAt: baseTime,
	}))
}

func TestMemory_History_CursorWalk(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()

	var ids []ledger.TransactionID
	for i := 0; i < 3; i++ {
		tx := ledger.Transaction{
			ID: ledger.NewTransactionID(), UserID: "user-1", Type: ledger.TxCharge,
			Amount: int64(i + 1), CreatedAt: baseTime.Add(time.Duration(i) * time.Second),
		}
		ids = append(ids, tx.ID)
		require.NoError(t, m.Append(ctx, tx))
	}

	page1, cursor, err := m.History(ctx, "user-1", 2, "")
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, ids[2], page1[0].ID)
	require.NotEmpty(t, cursor)

	page2, cursor2, err := m.History(ctx, "user-1", 2, cursor)
	require.NoError(t, err)
	require.Len(t, page2, 1)
	assert.Equal(t, ids[0], page2[0].ID)
	assert.Empty(t, cursor2)
}

func TestMemory_DrivesEngine(t *testing.T) {
	// The memory store must be a drop-in for the SQLite store.
	m := store.NewMemory()
	engine := ledger.NewEngine(m, ledger.DefaultGrantPolicy())
	ctx := context.Background()

	_, err := engine.MonthlyGrant(ctx, "user-1", "invoice-1")
	require.NoError(t, err)

	res, err := engine.Deduct(ctx, "user-1", 600, "fto", "req-1")
	require.NoError(t, err)
	assert.Equal(t, int64(900), res.RemainingBalance)

	snap, err := engine.Balance(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(900), snap.Balance)
}
