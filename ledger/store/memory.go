// Package store provides an in-memory ledger.TxStore for tests and demos.
package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/point-ledger/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu       sync.RWMutex
	lots     map[ledger.LotID]*ledger.CreditLot
	txs      []ledger.Transaction
	requests map[requestKey]int // index into txs
}

type requestKey struct {
	UserID    ledger.UserID
	RequestID string
	Type      ledger.TxType
}

func NewMemory() *Memory {
	return &Memory{
		lots:     make(map[ledger.LotID]*ledger.CreditLot),
		requests: make(map[requestKey]int),
	}
}

// =============================================================================
// LOTS
// =============================================================================

func (m *Memory) CreateLot(_ context.Context, lot ledger.CreditLot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createLotLocked(lot)
}

func (m *Memory) createLotLocked(lot ledger.CreditLot) error {
	copied := lot
	m.lots[lot.ID] = &copied
	return nil
}

func (m *Memory) Lot(_ context.Context, id ledger.LotID) (*ledger.CreditLot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lotLocked(id)
}

func (m *Memory) lotLocked(id ledger.LotID) (*ledger.CreditLot, error) {
	lot, ok := m.lots[id]
	if !ok {
		return nil, ledger.ErrLotNotFound
	}
	copied := *lot
	return &copied, nil
}

func (m *Memory) LotsByUser(_ context.Context, userID ledger.UserID) ([]ledger.CreditLot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lotsByUserLocked(userID), nil
}

func (m *Memory) lotsByUserLocked(userID ledger.UserID) []ledger.CreditLot {
	var result []ledger.CreditLot
	for _, lot := range m.lots {
		if lot.UserID == userID {
			result = append(result, *lot)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].GrantedAt.Equal(result[j].GrantedAt) {
			return result[i].GrantedAt.Before(result[j].GrantedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result
}

func (m *Memory) ActiveLots(_ context.Context, userID ledger.UserID, now time.Time) ([]ledger.CreditLot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.activeLotsLocked(userID, now), nil
}

func (m *Memory) activeLotsLocked(userID ledger.UserID, now time.Time) []ledger.CreditLot {
	var result []ledger.CreditLot
	for _, lot := range m.lots {
		if lot.UserID == userID && lot.ActiveAt(now) {
			result = append(result, *lot)
		}
	}
	sortFEFO(result)
	return result
}

// sortFEFO orders lots earliest-expiring first, ties broken by oldest grant,
// then ID for determinism.
func sortFEFO(lots []ledger.CreditLot) {
	sort.Slice(lots, func(i, j int) bool {
		if !lots[i].ExpiresAt.Equal(lots[j].ExpiresAt) {
			return lots[i].ExpiresAt.Before(lots[j].ExpiresAt)
		}
		if !lots[i].GrantedAt.Equal(lots[j].GrantedAt) {
			return lots[i].GrantedAt.Before(lots[j].GrantedAt)
		}
		return lots[i].ID < lots[j].ID
	})
}

func (m *Memory) ExpiredUnswept(_ context.Context, userID ledger.UserID, now time.Time) ([]ledger.CreditLot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.expiredUnsweptLocked(userID, now), nil
}

func (m *Memory) expiredUnsweptLocked(userID ledger.UserID, now time.Time) []ledger.CreditLot {
	var result []ledger.CreditLot
	for _, lot := range m.lots {
		if userID != "" && lot.UserID != userID {
			continue
		}
		if lot.ExpiredAsOf(now) && !lot.Exhausted() {
			result = append(result, *lot)
		}
	}
	sortFEFO(result)
	return result
}

func (m *Memory) DecrementLot(_ context.Context, id ledger.LotID, amount int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decrementLotLocked(id, amount)
}

func (m *Memory) decrementLotLocked(id ledger.LotID, amount int64) (int64, error) {
	if amount <= 0 {
		return 0, ledger.ErrInvalidAmount
	}
	lot, ok := m.lots[id]
	if !ok {
		return 0, ledger.ErrLotNotFound
	}
	if lot.RemainingAmount < amount {
		return lot.RemainingAmount, ledger.ErrInsufficientLotBalance
	}
	lot.RemainingAmount -= amount
	return lot.RemainingAmount, nil
}

func (m *Memory) ExpireLot(_ context.Context, id ledger.LotID, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expireLotLocked(id, at)
}

func (m *Memory) expireLotLocked(id ledger.LotID, at time.Time) (int64, error) {
	lot, ok := m.lots[id]
	if !ok {
		return 0, ledger.ErrLotNotFound
	}
	lost := lot.RemainingAmount
	if lost == 0 {
		return 0, nil
	}
	lot.RemainingAmount = 0
	t := at
	lot.ExpiredAt = &t
	return lost, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (m *Memory) Append(_ context.Context, tx ledger.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(tx)
}

func (m *Memory) appendLocked(tx ledger.Transaction) error {
	if tx.RequestID != "" {
		k := requestKey{UserID: tx.UserID, RequestID: tx.RequestID, Type: tx.Type}
		if _, exists := m.requests[k]; exists {
			return ledger.ErrDuplicateRequest
		}
		m.requests[k] = len(m.txs)
	}
	m.txs = append(m.txs, tx)
	return nil
}

func (m *Memory) ByRequestID(_ context.Context, userID ledger.UserID, requestID string, txType ledger.TxType) (*ledger.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.byRequestIDLocked(userID, requestID, txType)
}

func (m *Memory) byRequestIDLocked(userID ledger.UserID, requestID string, txType ledger.TxType) (*ledger.Transaction, error) {
	if requestID == "" {
		return nil, nil
	}
	idx, ok := m.requests[requestKey{UserID: userID, RequestID: requestID, Type: txType}]
	if !ok {
		return nil, nil
	}
	copied := m.txs[idx]
	return &copied, nil
}

func (m *Memory) History(_ context.Context, userID ledger.UserID, limit int, cursor string) ([]ledger.Transaction, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.historyLocked(userID, limit, cursor)
}

func (m *Memory) historyLocked(userID ledger.UserID, limit int, cursor string) ([]ledger.Transaction, string, error) {
	start := len(m.txs) - 1
	if cursor != "" {
		start = -1
		for i := len(m.txs) - 1; i >= 0; i-- {
			if string(m.txs[i].ID) == cursor {
				start = i - 1
				break
			}
		}
	}

	var page []ledger.Transaction
	for i := start; i >= 0 && len(page) < limit; i-- {
		if m.txs[i].UserID == userID {
			page = append(page, m.txs[i])
		}
	}

	next := ""
	if len(page) == limit {
		// More pages exist only if an older entry remains.
		lastID := page[len(page)-1].ID
		for i := 0; i < len(m.txs); i++ {
			if m.txs[i].ID == lastID {
				for j := i - 1; j >= 0; j-- {
					if m.txs[j].UserID == userID {
						next = string(lastID)
						break
					}
				}
				break
			}
		}
	}
	return page, next, nil
}

func (m *Memory) SumAmounts(_ context.Context, userID ledger.UserID) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sumAmountsLocked(userID), nil
}

func (m *Memory) sumAmountsLocked(userID ledger.UserID) int64 {
	var sum int64
	for _, tx := range m.txs {
		if tx.UserID == userID {
			sum += tx.Amount
		}
	}
	return sum
}

// =============================================================================
// TRANSACTIONAL MEMORY STORE
// =============================================================================

// WithTx executes fn atomically, simulated with a snapshot + rollback on error.
func (m *Memory) WithTx(_ context.Context, fn func(ledger.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memorySnapshot struct {
	lots     map[ledger.LotID]*ledger.CreditLot
	txs      []ledger.Transaction
	requests map[requestKey]int
}

func (m *Memory) snapshot() memorySnapshot {
	lots := make(map[ledger.LotID]*ledger.CreditLot, len(m.lots))
	for id, lot := range m.lots {
		copied := *lot
		lots[id] = &copied
	}
	requests := make(map[requestKey]int, len(m.requests))
	for k, v := range m.requests {
		requests[k] = v
	}
	return memorySnapshot{
		lots:     lots,
		txs:      append([]ledger.Transaction{}, m.txs...),
		requests: requests,
	}
}

func (m *Memory) restore(s memorySnapshot) {
	m.lots = s.lots
	m.txs = s.txs
	m.requests = s.requests
}

// txView routes Store calls to the parent's unlocked helpers while the
// parent's mutex is held by WithTx.
type txView struct {
	parent *Memory
}

func (v *txView) CreateLot(_ context.Context, lot ledger.CreditLot) error {
	return v.parent.createLotLocked(lot)
}

func (v *txView) Lot(_ context.Context, id ledger.LotID) (*ledger.CreditLot, error) {
	return v.parent.lotLocked(id)
}

func (v *txView) LotsByUser(_ context.Context, userID ledger.UserID) ([]ledger.CreditLot, error) {
	return v.parent.lotsByUserLocked(userID), nil
}

func (v *txView) ActiveLots(_ context.Context, userID ledger.UserID, now time.Time) ([]ledger.CreditLot, error) {
	return v.parent.activeLotsLocked(userID, now), nil
}

func (v *txView) ExpiredUnswept(_ context.Context, userID ledger.UserID, now time.Time) ([]ledger.CreditLot, error) {
	return v.parent.expiredUnsweptLocked(userID, now), nil
}

func (v *txView) DecrementLot(_ context.Context, id ledger.LotID, amount int64) (int64, error) {
	return v.parent.decrementLotLocked(id, amount)
}

func (v *txView) ExpireLot(_ context.Context, id ledger.LotID, at time.Time) (int64, error) {
	return v.parent.expireLotLocked(id, at)
}

func (v *txView) Append(_ context.Context, tx ledger.Transaction) error {
	return v.parent.appendLocked(tx)
}

func (v *txView) ByRequestID(_ context.Context, userID ledger.UserID, requestID string, txType ledger.TxType) (*ledger.Transaction, error) {
	return v.parent.byRequestIDLocked(userID, requestID, txType)
}

func (v *txView) History(_ context.Context, userID ledger.UserID, limit int, cursor string) ([]ledger.Transaction, string, error) {
	return v.parent.historyLocked(userID, limit, cursor)
}

func (v *txView) SumAmounts(_ context.Context, userID ledger.UserID) (int64, error) {
	return v.parent.sumAmountsLocked(userID), nil
}
