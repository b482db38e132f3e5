package escrow

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore is an in-memory contract store for demo/development mode.
type MemoryStore struct {
	contracts map[string]*Contract
	mu        sync.RWMutex
}

// NewMemoryStore creates a new in-memory contract store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		contracts: make(map[string]*Contract),
	}
}

func (m *MemoryStore) Create(ctx context.Context, c *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.contracts[c.ID] = c.clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.contracts[id]
	if !ok {
		return nil, ErrContractNotFound
	}
	// Deep copy so callers never share the stored aggregate. A shallow copy
	// would share the Milestones backing array, letting an append or element
	// write on the copy mutate stored state.
	return c.clone(), nil
}

func (m *MemoryStore) Update(ctx context.Context, c *Contract) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.contracts[c.ID]; !ok {
		return ErrContractNotFound
	}
	m.contracts[c.ID] = c.clone()
	return nil
}

func (m *MemoryStore) ListByParty(ctx context.Context, addr string, limit int) ([]*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	addr = strings.ToLower(addr)
	var result []*Contract
	for _, c := range m.contracts {
		if c.Buyer == addr || c.Seller == addr || c.Arbiter == addr {
			result = append(result, c.clone())
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

func (m *MemoryStore) ListInState(ctx context.Context, state State, limit int) ([]*Contract, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Contract
	for _, c := range m.contracts {
		if c.State == state {
			result = append(result, c.clone())
			if len(result) >= limit {
				break
			}
		}
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
