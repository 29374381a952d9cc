package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUserLocks_SecondAcquireTimesOut(t *testing.T) {
	locks := newUserLocks()
	ctx := context.Background()

	release, err := locks.Acquire(ctx, "user-1", time.Second)
	require.NoError(t, err)

	_, err = locks.Acquire(ctx, "user-1", 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrLedgerBusy)

	release()
	release2, err := locks.Acquire(ctx, "user-1", 20*time.Millisecond)
	require.NoError(t, err)
	release2()
}

func TestUserLocks_DifferentUsersIndependent(t *testing.T) {
	locks := newUserLocks()
	ctx := context.Background()

	release1, err := locks.Acquire(ctx, "user-1", time.Second)
	require.NoError(t, err)
	defer release1()

	release2, err := locks.Acquire(ctx, "user-2", 20*time.Millisecond)
	require.NoError(t, err)
	release2()
}

func TestUserLocks_ContextCancellation(t *testing.T) {
	locks := newUserLocks()

	release, err := locks.Acquire(context.Background(), "user-1", time.Second)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = locks.Acquire(ctx, "user-1", time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}
