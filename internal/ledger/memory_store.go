package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/idgen"
	"github.com/mbd888/escrowd/internal/money"
)

// MemoryStore is an in-memory Store for development and testing.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*Account
	entries  []*Entry
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*Account),
	}
}

// account returns the tracked account for key, creating a zero account if
// needed. Caller must hold the write lock.
func (m *MemoryStore) account(key string) *Account {
	acct, ok := m.accounts[key]
	if !ok {
		acct = &Account{
			Key:       key,
			Available: "0.000000",
			TotalIn:   "0.000000",
			TotalOut:  "0.000000",
			UpdatedAt: time.Now().UTC(),
		}
		m.accounts[key] = acct
	}
	return acct
}

func (m *MemoryStore) GetAccount(_ context.Context, key string) (*Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[key]
	if !ok {
		return nil, ErrAccountNotFound
	}
	cp := *acct
	return &cp, nil
}

func (m *MemoryStore) Credit(_ context.Context, key, amount, reference, entryType string) error {
	v, ok := money.Parse(amount)
	if !ok || v.Sign() <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	acct := m.account(key)
	acct.Available = money.Format(new(big.Int).Add(parseOrZero(acct.Available), v))
	acct.TotalIn = money.Format(new(big.Int).Add(parseOrZero(acct.TotalIn), v))
	acct.UpdatedAt = now

	m.entries = append(m.entries, &Entry{
		ID:        idgen.WithPrefix("le_"),
		Account:   key,
		Direction: "credit",
		Type:      entryType,
		Amount:    money.Format(v),
		Reference: reference,
		CreatedAt: now,
	})
	return nil
}

func (m *MemoryStore) Move(_ context.Context, from, to, amount, reference, entryType string) error {
	v, ok := money.Parse(amount)
	if !ok || v.Sign() <= 0 {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	src := m.account(from)
	if parseOrZero(src.Available).Cmp(v) < 0 {
		return ErrInsufficientFunds
	}
	dst := m.account(to)

	now := time.Now().UTC()
	src.Available = money.Format(new(big.Int).Sub(parseOrZero(src.Available), v))
	src.TotalOut = money.Format(new(big.Int).Add(parseOrZero(src.TotalOut), v))
	src.UpdatedAt = now
	dst.Available = money.Format(new(big.Int).Add(parseOrZero(dst.Available), v))
	dst.TotalIn = money.Format(new(big.Int).Add(parseOrZero(dst.TotalIn), v))
	dst.UpdatedAt = now

	formatted := money.Format(v)
	m.entries = append(m.entries,
		&Entry{
			ID:           idgen.WithPrefix("le_"),
			Account:      from,
			Counterparty: to,
			Direction:    "debit",
			Type:         entryType,
			Amount:       formatted,
			Reference:    reference,
			CreatedAt:    now,
		},
		&Entry{
			ID:           idgen.WithPrefix("le_"),
			Account:      to,
			Counterparty: from,
			Direction:    "credit",
			Type:         entryType,
			Amount:       formatted,
			Reference:    reference,
			CreatedAt:    now,
		},
	)
	return nil
}

func (m *MemoryStore) History(_ context.Context, key string, limit int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if m.entries[i].Account == key {
			cp := *m.entries[i]
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) EntriesFor(_ context.Context, key string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for _, e := range m.entries {
		if e.Account == key {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) AccountKeys(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	keys := make([]string, 0, len(m.accounts))
	for k := range m.accounts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

var _ Store = (*MemoryStore)(nil)
