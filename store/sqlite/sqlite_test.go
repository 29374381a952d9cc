package sqlite_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/point-ledger/ledger"
	"github.com/warp/point-ledger/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var baseTime = time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)

func testLot(userID ledger.UserID, amount int64, grantedAt, expiresAt time.Time) ledger.CreditLot {
	return ledger.NewCreditLot(userID, amount, grantedAt, expiresAt, ledger.SourceAddon)
}

func testTx(userID ledger.UserID, txType ledger.TxType, amount int64, requestID string, at time.Time) ledger.Transaction {
	return ledger.Transaction{
		ID:        ledger.NewTransactionID(),
		UserID:    userID,
		Type:      txType,
		Amount:    amount,
		RequestID: requestID,
		CreatedAt: at,
	}
}

// =============================================================================
// LOT TESTS
// =============================================================================

func TestStore_CreateAndGetLot_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lot := testLot("user-1", 500, baseTime, baseTime.AddDate(1, 0, 0))
	require.NoError(t, store.CreateLot(ctx, lot))

	got, err := store.Lot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, lot.ID, got.ID)
	assert.Equal(t, int64(500), got.OriginalAmount)
	assert.Equal(t, int64(500), got.RemainingAmount)
	assert.True(t, got.GrantedAt.Equal(lot.GrantedAt))
	assert.True(t, got.ExpiresAt.Equal(lot.ExpiresAt))
	assert.Equal(t, ledger.SourceAddon, got.SourceType)
	assert.Nil(t, got.ExpiredAt)
}

func TestStore_Lot_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Lot(context.Background(), "lot-missing")
	assert.ErrorIs(t, err, ledger.ErrLotNotFound)
}

func TestStore_ActiveLots_OrdersByExpiryThenGrant(t *testing.T) {
	// GIVEN: Lots with mixed expiries and grant times
	// WHEN: Active lots are listed
	// THEN: Soonest expiry comes first; equal expiries order by grant time

	store := newTestStore(t)
	ctx := context.Background()

	late := testLot("user-1", 100, baseTime, baseTime.AddDate(1, 0, 0))
	soonOld := testLot("user-1", 100, baseTime.Add(-time.Hour), baseTime.AddDate(0, 1, 0))
	soonNew := testLot("user-1", 100, baseTime, baseTime.AddDate(0, 1, 0))

	for _, lot := range []ledger.CreditLot{late, soonNew, soonOld} {
		require.NoError(t, store.CreateLot(ctx, lot))
	}

	lots, err := store.ActiveLots(ctx, "user-1", baseTime)
	require.NoError(t, err)
	require.Len(t, lots, 3)
	assert.Equal(t, soonOld.ID, lots[0].ID)
	assert.Equal(t, soonNew.ID, lots[1].ID)
	assert.Equal(t, late.ID, lots[2].ID)
}

func TestStore_ActiveLots_ExcludesExpiredAndExhausted(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	expired := testLot("user-1", 100, baseTime.AddDate(0, -2, 0), baseTime.Add(-time.Minute))
	drained := testLot("user-1", 100, baseTime, baseTime.AddDate(1, 0, 0))
	active := testLot("user-1", 100, baseTime, baseTime.AddDate(1, 0, 0))

	for _, lot := range []ledger.CreditLot{expired, drained, active} {
		require.NoError(t, store.CreateLot(ctx, lot))
	}
	_, err := store.DecrementLot(ctx, drained.ID, 100)
	require.NoError(t, err)

	lots, err := store.ActiveLots(ctx, "user-1", baseTime)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, active.ID, lots[0].ID)
}

func TestStore_DecrementLot_GuardsAgainstOverdraw(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lot := testLot("user-1", 100, baseTime, baseTime.AddDate(1, 0, 0))
	require.NoError(t, store.CreateLot(ctx, lot))

	remaining, err := store.DecrementLot(ctx, lot.ID, 60)
	require.NoError(t, err)
	assert.Equal(t, int64(40), remaining)

	remaining, err = store.DecrementLot(ctx, lot.ID, 60)
	assert.ErrorIs(t, err, ledger.ErrInsufficientLotBalance)
	assert.Equal(t, int64(40), remaining, "failed decrement reports the untouched remainder")

	_, err = store.DecrementLot(ctx, "lot-missing", 1)
	assert.ErrorIs(t, err, ledger.ErrLotNotFound)

	_, err = store.DecrementLot(ctx, lot.ID, 0)
	assert.ErrorIs(t, err, ledger.ErrInvalidAmount)
}

func TestStore_ExpireLot_ReturnsForfeitedAmountOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lot := testLot("user-1", 100, baseTime, baseTime.Add(time.Hour))
	require.NoError(t, store.CreateLot(ctx, lot))
	_, err := store.DecrementLot(ctx, lot.ID, 30)
	require.NoError(t, err)

	at := baseTime.Add(2 * time.Hour)
	lost, err := store.ExpireLot(ctx, lot.ID, at)
	require.NoError(t, err)
	assert.Equal(t, int64(70), lost)

	lost, err = store.ExpireLot(ctx, lot.ID, at)
	require.NoError(t, err)
	assert.Equal(t, int64(0), lost, "second expire is a no-op")

	got, err := store.Lot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.RemainingAmount)
	require.NotNil(t, got.ExpiredAt)
	assert.True(t, got.ExpiredAt.Equal(at))
}

func TestStore_ExpiredUnswept_FiltersByUserAndTime(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	u1 := testLot("user-1", 100, baseTime.AddDate(0, -2, 0), baseTime.Add(-time.Hour))
	u2 := testLot("user-2", 100, baseTime.AddDate(0, -2, 0), baseTime.Add(-time.Hour))
	fresh := testLot("user-1", 100, baseTime, baseTime.AddDate(1, 0, 0))

	for _, lot := range []ledger.CreditLot{u1, u2, fresh} {
		require.NoError(t, store.CreateLot(ctx, lot))
	}

	all, err := store.ExpiredUnswept(ctx, "", baseTime)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := store.ExpiredUnswept(ctx, "user-1", baseTime)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, u1.ID, one[0].ID)
}

// =============================================================================
// TRANSACTION TESTS
// =============================================================================

func TestStore_Append_DuplicateRequestRejected(t *testing.T) {
	// GIVEN: A committed entry for (user, request, type)
	// WHEN: The same triple is appended again
	// THEN: The unique index rejects it as a duplicate

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, testTx("user-1", ledger.TxDeduct, -10, "req-1", baseTime)))

	err := store.Append(ctx, testTx("user-1", ledger.TxDeduct, -10, "req-1", baseTime))
	assert.ErrorIs(t, err, ledger.ErrDuplicateRequest)

	// Same request ID, different type: a charge and its bonus share one
	// payment ID.
	require.NoError(t, store.Append(ctx, testTx("user-1", ledger.TxCharge, 10, "req-1", baseTime)))
	require.NoError(t, store.Append(ctx, testTx("user-1", ledger.TxBonus, 1, "req-1", baseTime)))

	// Same triple for a different user is fine.
	require.NoError(t, store.Append(ctx, testTx("user-2", ledger.TxDeduct, -10, "req-1", baseTime)))
}

func TestStore_Append_EmptyRequestIDsNeverCollide(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, testTx("user-1", ledger.TxExpire, -5, "", baseTime)))
	require.NoError(t, store.Append(ctx, testTx("user-1", ledger.TxExpire, -7, "", baseTime)))
}

func TestStore_ByRequestID_RoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	tx := ledger.Transaction{
		ID:           ledger.NewTransactionID(),
		UserID:       "user-1",
		Type:         ledger.TxDeduct,
		Amount:       -25,
		Lots:         []ledger.LotEntry{{LotID: "lot-a", Amount: 20}, {LotID: "lot-b", Amount: 5}},
		RequestID:    "req-1",
		ReportType:   "prior_art",
		BalanceAfter: 75,
		CreatedAt:    baseTime,
	}
	require.NoError(t, store.Append(ctx, tx))

	got, err := store.ByRequestID(ctx, "user-1", "req-1", ledger.TxDeduct)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, tx.ID, got.ID)
	assert.Equal(t, tx.Lots, got.Lots)
	assert.Equal(t, "prior_art", got.ReportType)
	assert.Equal(t, int64(75), got.BalanceAfter)

	missing, err := store.ByRequestID(ctx, "user-1", "req-2", ledger.TxDeduct)
	require.NoError(t, err)
	assert.Nil(t, missing)

	blank, err := store.ByRequestID(ctx, "user-1", "", ledger.TxDeduct)
	require.NoError(t, err)
	assert.Nil(t, blank)
}

func TestStore_History_KeysetPagination(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var ids []ledger.TransactionID
	for i := 0; i < 5; i++ {
		tx := testTx("user-1", ledger.TxCharge, int64(i+1), "", baseTime.Add(time.Duration(i)*time.Second))
		ids = append(ids, tx.ID)
		require.NoError(t, store.Append(ctx, tx))
	}

	page1, cursor, err := store.History(ctx, "user-1", 2, "")
	require.NoError(t, err)
	require.Len(t, page1, 2)
	assert.Equal(t, ids[4], page1[0].ID, "newest first")
	assert.Equal(t, ids[3], page1[1].ID)
	require.NotEmpty(t, cursor)

	page2, cursor2, err := store.History(ctx, "user-1", 2, cursor)
	require.NoError(t, err)
	require.Len(t, page2, 2)
	assert.Equal(t, ids[2], page2[0].ID)
	assert.Equal(t, ids[1], page2[1].ID)

	page3, cursor3, err := store.History(ctx, "user-1", 2, cursor2)
	require.NoError(t, err)
	require.Len(t, page3, 1)
	assert.Equal(t, ids[0], page3[0].ID)
	assert.Empty(t, cursor3)
}

func TestStore_SumAmounts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	sum, err := store.SumAmounts(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum)

	require.NoError(t, store.Append(ctx, testTx("user-1", ledger.TxCharge, 100, "", baseTime)))
	require.NoError(t, store.Append(ctx, testTx("user-1", ledger.TxDeduct, -30, "r1", baseTime)))
	require.NoError(t, store.Append(ctx, testTx("user-2", ledger.TxCharge, 999, "", baseTime)))

	sum, err = store.SumAmounts(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(70), sum)
}

// =============================================================================
// TRANSACTIONAL TESTS
// =============================================================================

func TestStore_WithTx_RollsBackEverythingOnError(t *testing.T) {
	// GIVEN: A unit that creates a lot, decrements another, and fails
	// WHEN: The unit returns an error
	// THEN: None of the writes survive

	store := newTestStore(t)
	ctx := context.Background()

	seed := testLot("user-1", 100, baseTime, baseTime.AddDate(1, 0, 0))
	require.NoError(t, store.CreateLot(ctx, seed))

	boom := errors.New("boom")
	err := store.WithTx(ctx, func(s ledger.Store) error {
		if err := s.CreateLot(ctx, testLot("user-1", 50, baseTime, baseTime.AddDate(1, 0, 0))); err != nil {
			return err
		}
		if _, err := s.DecrementLot(ctx, seed.ID, 60); err != nil {
			return err
		}
		if err := s.Append(ctx, testTx("user-1", ledger.TxDeduct, -60, "req-1", baseTime)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	lots, err := store.LotsByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, int64(100), lots[0].RemainingAmount)

	txs, _, err := store.History(ctx, "user-1", 10, "")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestStore_WithTx_CommitsOnSuccess(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	lot := testLot("user-1", 100, baseTime, baseTime.AddDate(1, 0, 0))
	err := store.WithTx(ctx, func(s ledger.Store) error {
		if err := s.CreateLot(ctx, lot); err != nil {
			return err
		}
		return s.Append(ctx, testTx("user-1", ledger.TxCharge, 100, "pay-1", baseTime))
	})
	require.NoError(t, err)

	got, err := store.Lot(ctx, lot.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(100), got.RemainingAmount)

	sum, err := store.SumAmounts(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), sum)
}

func TestStore_WithTx_ReadsSeeUncommittedWrites(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	err := store.WithTx(ctx, func(s ledger.Store) error {
		if err := s.CreateLot(ctx, testLot("user-1", 40, baseTime, baseTime.AddDate(1, 0, 0))); err != nil {
			return err
		}
		lots, err := s.ActiveLots(ctx, "user-1", baseTime)
		if err != nil {
			return err
		}
		assert.Len(t, lots, 1, "the unit sees its own writes")
		return nil
	})
	require.NoError(t, err)
}
