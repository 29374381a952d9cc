package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/point-ledger/ledger"
)

func TestEngine_Sweep_PostsForfeituresAndZeroesLots(t *testing.T) {
	// GIVEN: A subscription grant partially spent, then past its expiry
	// WHEN: The sweep runs
	// THEN: The remainder becomes an expire entry and the lot reads zero

	engine, _, clock := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.MonthlyGrant(ctx, "user-1", "invoice-1")
	require.NoError(t, err)
	_, err = engine.Deduct(ctx, "user-1", 400, "fto", "req-1")
	require.NoError(t, err)

	clock.Advance(31 * 24 * time.Hour)

	swept, err := engine.Sweep(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, int64(1100), swept[0].RemainingAmount, "pre-sweep remainder is the forfeited amount")

	lots, err := engine.Lots(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, int64(0), lots[0].RemainingAmount)
	require.NotNil(t, lots[0].ExpiredAt)

	txs, _, err := engine.History(ctx, "user-1", 10, "")
	require.NoError(t, err)
	assert.Equal(t, ledger.TxExpire, txs[0].Type)
	assert.Equal(t, int64(-1100), txs[0].Amount)
	assert.Equal(t, int64(0), txs[0].BalanceAfter)
}

func TestEngine_Sweep_SecondRunIsNoop(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.MonthlyGrant(ctx, "user-1", "invoice-1")
	require.NoError(t, err)
	clock.Advance(31 * 24 * time.Hour)

	first, err := engine.Sweep(ctx, clock.Now())
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := engine.Sweep(ctx, clock.Now())
	require.NoError(t, err)
	assert.Empty(t, second)

	txs, _, err := engine.History(ctx, "user-1", 10, "")
	require.NoError(t, err)
	expires := 0
	for _, tx := range txs {
		if tx.Type == ledger.TxExpire {
			expires++
		}
	}
	assert.Equal(t, 1, expires, "a lot is only ever expired once")
}

func TestEngine_Sweep_SkipsExhaustedAndActiveLots(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	ctx := context.Background()

	// Fully spent subscription grant: nothing left to forfeit.
	_, err := engine.MonthlyGrant(ctx, "user-1", "invoice-1")
	require.NoError(t, err)
	_, err = engine.Deduct(ctx, "user-1", 1500, "fto", "req-1")
	require.NoError(t, err)

	// Fresh add-on lot for another user stays untouched.
	_, err = engine.Charge(ctx, "user-2", decimal.NewFromInt(1000), "USD", ledger.SourceAddon, "pay-1")
	require.NoError(t, err)

	clock.Advance(31 * 24 * time.Hour)

	swept, err := engine.Sweep(ctx, clock.Now())
	require.NoError(t, err)
	assert.Empty(t, swept)

	snap, err := engine.Balance(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, int64(1100), snap.Balance)
}

func TestEngine_Sweep_CoversAllUsers(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	ctx := context.Background()

	for _, user := range []ledger.UserID{"user-1", "user-2", "user-3"} {
		_, err := engine.MonthlyGrant(ctx, user, "invoice-"+string(user))
		require.NoError(t, err)
	}

	clock.Advance(31 * 24 * time.Hour)

	swept, err := engine.Sweep(ctx, clock.Now())
	require.NoError(t, err)
	assert.Len(t, swept, 3)
}

func TestEngine_SweepUser_OnlyTouchesThatUser(t *testing.T) {
	engine, _, clock := newTestEngine(t)
	ctx := context.Background()

	_, err := engine.MonthlyGrant(ctx, "user-1", "invoice-1")
	require.NoError(t, err)
	_, err = engine.MonthlyGrant(ctx, "user-2", "invoice-2")
	require.NoError(t, err)

	clock.Advance(31 * 24 * time.Hour)

	swept, err := engine.SweepUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, swept, 1)
	assert.Equal(t, ledger.UserID("user-1"), swept[0].UserID)

	txs, _, err := engine.History(ctx, "user-2", 10, "")
	require.NoError(t, err)
	for _, tx := range txs {
		assert.NotEqual(t, ledger.TxExpire, tx.Type)
	}
}
