// Package memory provides an in-memory TxStore implementation
// (for testing/dev).
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/warp/credit-ledger/credit"
)

// =============================================================================
// MEMORY STORE
// =============================================================================

// Memory implements credit.TxStore with mutex-guarded maps. WithTx snapshots
// state before running fn and restores it on error, so rollbacks behave like
// the real store's.
type Memory struct {
	mu sync.Mutex
	st state
}

type state struct {
	accounts map[credit.AccountID]*credit.Account
	entries  map[credit.AccountID][]*credit.Entry
}

var _ credit.TxStore = (*Memory)(nil)

func New() *Memory {
	return &Memory{
		st: state{
			accounts: make(map[credit.AccountID]*credit.Account),
			entries:  make(map[credit.AccountID][]*credit.Entry),
		},
	}
}

func (s state) clone() state {
	c := state{
		accounts: make(map[credit.AccountID]*credit.Account, len(s.accounts)),
		entries:  make(map[credit.AccountID][]*credit.Entry, len(s.entries)),
	}
	for id, a := range s.accounts {
		cp := *a
		if a.LastRefreshAt != nil {
			t := *a.LastRefreshAt
			cp.LastRefreshAt = &t
		}
		c.accounts[id] = &cp
	}
	for id, es := range s.entries {
		list := make([]*credit.Entry, len(es))
		for i, e := range es {
			cp := *e
			list[i] = &cp
		}
		c.entries[id] = list
	}
	return c
}

// WithTx executes fn against the store with the lock held for the whole
// unit. On error the pre-transaction state is restored.
func (m *Memory) WithTx(_ context.Context, fn func(credit.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	backup := m.st.clone()
	if err := fn((*txMemory)(m)); err != nil {
		m.st = backup
		return err
	}
	return nil
}

// txMemory is Memory without locking, handed to WithTx callbacks.
type txMemory Memory

// =============================================================================
// LOCKED WRAPPERS - Memory's direct methods take the lock and delegate
// =============================================================================

func (m *Memory) UpsertAccount(ctx context.Context, id credit.AccountID, now time.Time) (*credit.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*txMemory)(m).UpsertAccount(ctx, id, now)
}

func (m *Memory) GetAccount(ctx context.Context, id credit.AccountID) (*credit.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*txMemory)(m).GetAccount(ctx, id)
}

func (m *Memory) AddBalance(ctx context.Context, id credit.AccountID, delta int64, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*txMemory)(m).AddBalance(ctx, id, delta, now)
}

func (m *Memory) DebitBalance(ctx context.Context, id credit.AccountID, amount int64, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*txMemory)(m).DebitBalance(ctx, id, amount, now)
}

func (m *Memory) ClaimRefresh(ctx context.Context, id credit.AccountID, now, cutoff time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*txMemory)(m).ClaimRefresh(ctx, id, now, cutoff)
}

func (m *Memory) InsertEntry(ctx context.Context, e *credit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*txMemory)(m).InsertEntry(ctx, e)
}

func (m *Memory) UpdateEntryRemaining(ctx context.Context, id credit.EntryID, remaining int64, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*txMemory)(m).UpdateEntryRemaining(ctx, id, remaining, now)
}

func (m *Memory) FinalizeEntryExpiration(ctx context.Context, id credit.EntryID, now time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*txMemory)(m).FinalizeEntryExpiration(ctx, id, now)
}

func (m *Memory) EligibleEntries(ctx context.Context, id credit.AccountID, now time.Time) ([]credit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*txMemory)(m).EligibleEntries(ctx, id, now)
}

func (m *Memory) ExpiredEntries(ctx context.Context, id credit.AccountID, now time.Time) ([]credit.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*txMemory)(m).ExpiredEntries(ctx, id, now)
}

func (m *Memory) ListEntries(ctx context.Context, id credit.AccountID, limit, offset int) ([]credit.Entry, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*txMemory)(m).ListEntries(ctx, id, limit, offset)
}

func (m *Memory) GrantRemainingTotal(ctx context.Context, id credit.AccountID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*txMemory)(m).GrantRemainingTotal(ctx, id)
}

func (m *Memory) AccountsWithExpiredEntries(ctx context.Context, now time.Time, limit int) ([]credit.AccountID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (*txMemory)(m).AccountsWithExpiredEntries(ctx, now, limit)
}

// =============================================================================
// UNLOCKED IMPLEMENTATION
// =============================================================================

func (m *txMemory) UpsertAccount(_ context.Context, id credit.AccountID, now time.Time) (*credit.Account, error) {
	if a, ok := m.st.accounts[id]; ok {
		cp := *a
		return &cp, nil
	}
	a := &credit.Account{ID: id, Balance: 0, CreatedAt: now, UpdatedAt: now}
	m.st.accounts[id] = a
	cp := *a
	return &cp, nil
}

func (m *txMemory) GetAccount(_ context.Context, id credit.AccountID) (*credit.Account, error) {
	a, ok := m.st.accounts[id]
	if !ok {
		return nil, credit.ErrAccountNotFound
	}
	cp := *a
	if a.LastRefreshAt != nil {
		t := *a.LastRefreshAt
		cp.LastRefreshAt = &t
	}
	return &cp, nil
}

func (m *txMemory) AddBalance(_ context.Context, id credit.AccountID, delta int64, now time.Time) (int64, error) {
	a, ok := m.st.accounts[id]
	if !ok {
		return 0, credit.ErrAccountNotFound
	}
	a.Balance += delta
	a.UpdatedAt = now
	return a.Balance, nil
}

func (m *txMemory) DebitBalance(_ context.Context, id credit.AccountID, amount int64, now time.Time) (int64, error) {
	a, ok := m.st.accounts[id]
	if !ok {
		return 0, credit.ErrAccountNotFound
	}
	if a.Balance < amount {
		return 0, credit.ErrConcurrentModification
	}
	a.Balance -= amount
	a.UpdatedAt = now
	return a.Balance, nil
}

func (m *txMemory) ClaimRefresh(_ context.Context, id credit.AccountID, now, cutoff time.Time) (bool, error) {
	a, ok := m.st.accounts[id]
	if !ok {
		return false, credit.ErrAccountNotFound
	}
	if a.LastRefreshAt != nil && a.LastRefreshAt.After(cutoff) {
		return false, nil
	}
	t := now
	a.LastRefreshAt = &t
	a.UpdatedAt = now
	return true, nil
}

func (m *txMemory) InsertEntry(_ context.Context, e *credit.Entry) error {
	cp := *e
	m.st.entries[e.AccountID] = append(m.st.entries[e.AccountID], &cp)
	return nil
}

func (m *txMemory) findEntry(id credit.EntryID) *credit.Entry {
	for _, list := range m.st.entries {
		for _, e := range list {
			if e.ID == id {
				return e
			}
		}
	}
	return nil
}

func (m *txMemory) UpdateEntryRemaining(_ context.Context, id credit.EntryID, remaining int64, now time.Time) error {
	e := m.findEntry(id)
	if e == nil {
		return credit.ErrAccountNotFound
	}
	e.RemainingAmount = remaining
	e.UpdatedAt = now
	return nil
}

func (m *txMemory) FinalizeEntryExpiration(_ context.Context, id credit.EntryID, now time.Time) error {
	e := m.findEntry(id)
	if e == nil {
		return credit.ErrAccountNotFound
	}
	if e.ExpirationProcessedAt != nil {
		return nil
	}
	t := now
	e.ExpirationProcessedAt = &t
	e.RemainingAmount = 0
	e.UpdatedAt = now
	return nil
}

func (m *txMemory) EligibleEntries(_ context.Context, id credit.AccountID, now time.Time) ([]credit.Entry, error) {
	var out []credit.Entry
	for _, e := range m.st.entries[id] {
		if e.Consumable(now) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *txMemory) ExpiredEntries(_ context.Context, id credit.AccountID, now time.Time) ([]credit.Entry, error) {
	var out []credit.Entry
	for _, e := range m.st.entries[id] {
		if e.Expired(now) && e.ExpirationProcessedAt == nil && e.RemainingAmount > 0 {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := out[i].Kind == credit.KindMonthlyRefresh, out[j].Kind == credit.KindMonthlyRefresh
		if ri != rj {
			return ri
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *txMemory) ListEntries(_ context.Context, id credit.AccountID, limit, offset int) ([]credit.Entry, int, error) {
	all := m.st.entries[id]
	sorted := make([]*credit.Entry, len(all))
	copy(sorted, all)
	// Newest first.
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
		}
		return sorted[i].ID > sorted[j].ID
	})

	total := len(sorted)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if end > total {
		end = total
	}
	out := make([]credit.Entry, 0, end-offset)
	for _, e := range sorted[offset:end] {
		out = append(out, *e)
	}
	return out, total, nil
}

func (m *txMemory) GrantRemainingTotal(_ context.Context, id credit.AccountID) (int64, error) {
	var sum int64
	for _, e := range m.st.entries[id] {
		if e.IsGrant() && e.ExpirationProcessedAt == nil {
			sum += e.RemainingAmount
		}
	}
	return sum, nil
}

func (m *txMemory) AccountsWithExpiredEntries(_ context.Context, now time.Time, limit int) ([]credit.AccountID, error) {
	var out []credit.AccountID
	for id, list := range m.st.entries {
		for _, e := range list {
			if e.Expired(now) && e.ExpirationProcessedAt == nil && e.RemainingAmount > 0 {
				out = append(out, id)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
