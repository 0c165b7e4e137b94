package escrow

import (
	"context"
	"sort"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// MemoryStore is an in-memory mirror store for development and tests.
type MemoryStore struct {
	escrows map[solana.PublicKey]*Escrow
	mu      sync.RWMutex
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[solana.PublicKey]*Escrow),
	}
}

func (m *MemoryStore) Upsert(ctx context.Context, e *Escrow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.escrows[e.Address] = e.Clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, address solana.PublicKey) (*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.escrows[address]
	if !ok {
		return nil, ErrEscrowNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) ListByWallet(ctx context.Context, wallet solana.PublicKey, limit int) ([]*Escrow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Escrow
	for _, e := range m.escrows {
		if e.IsParty(wallet) {
			result = append(result, e.Clone())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

var _ Store = (*MemoryStore)(nil)
