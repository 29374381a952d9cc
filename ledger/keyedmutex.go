package ledger

import (
	"context"
	"sync"
	"time"
)

// userLocks serializes read-decide-write sequences per user. Two concurrent
// deductions for the same user must never both pass the balance check, so the
// loser of the race waits here; if the wait exceeds the timeout the caller
// gets ErrLedgerBusy instead of hanging.
type userLocks struct {
	mu    sync.Mutex
	locks map[UserID]chan struct{}
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[UserID]chan struct{})}
}

func (u *userLocks) lockFor(userID UserID) chan struct{} {
	u.mu.Lock()
	defer u.mu.Unlock()

	ch, ok := u.locks[userID]
	if !ok {
		ch = make(chan struct{}, 1)
		u.locks[userID] = ch
	}
	return ch
}

// Acquire blocks until the user's lock is held, the timeout elapses, or ctx is
// canceled. On success the returned release func must be called exactly once.
func (u *userLocks) Acquire(ctx context.Context, userID UserID, timeout time.Duration) (func(), error) {
	ch := u.lockFor(userID)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-timer.C:
		return nil, ErrLedgerBusy
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
