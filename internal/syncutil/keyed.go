// Package syncutil provides locking helpers.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyedMutex when n <= 0.
const DefaultShards = 256

// KeyedMutex serializes work per string key (an escrow address) using a
// fixed pool of channel-based locks. Memory stays bounded however many keys
// are seen; unrelated keys occasionally share a shard.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a mutex pool with n shards.
func NewKeyedMutex(n int) *KeyedMutex {
	if n <= 0 {
		n = DefaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, n)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock acquires the lock for key or gives up when ctx ends. On success the
// returned unlock must be called exactly once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (unlock func(), err error) {
	ch := m.shards[m.shard(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TryLock acquires the lock for key only if it is free.
func (m *KeyedMutex) TryLock(key string) (unlock func(), ok bool) {
	ch := m.shards[m.shard(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, true
	default:
		return nil, false
	}
}

func (m *KeyedMutex) shard(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(m.shards)))
}
