package waitlist

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory waitlist for development and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	nextID  int64
	entries map[int64]*Signup
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[int64]*Signup)}
}

func (m *MemoryStore) Insert(ctx context.Context, s *Signup) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.entries {
		if e.Email == s.Email {
			return ErrDuplicateEmail
		}
	}
	m.nextID++
	s.ID = m.nextID
	cp := *s
	m.entries[cp.ID] = &cp
	return nil
}

func (m *MemoryStore) FindByTokenHash(ctx context.Context, hash string) (*Signup, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if hash == "" {
		return nil, ErrNotFound
	}
	for _, e := range m.entries {
		if e.ConfirmTokenHash == hash {
			cp := *e
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) MarkConfirmed(ctx context.Context, id int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return ErrNotFound
	}
	e.Status = StatusConfirmed
	e.ConfirmedAt = &at
	e.ConfirmTokenHash = ""
	e.ConfirmExpiresAt = nil
	return nil
}

// Get returns the entry for email (for tests).
func (m *MemoryStore) Get(email string) (*Signup, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.entries {
		if e.Email == email {
			cp := *e
			return &cp, true
		}
	}
	return nil, false
}
