// Package syncutil provides keyed locking primitives.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyedMutex(0).
const DefaultShards = 256

// KeyedMutex serializes work per key using a fixed pool of channel-based
// mutexes. Memory stays bounded regardless of how many keys are seen;
// distinct keys may share a shard, so callers must never hold two keys at once.
type KeyedMutex struct {
	shards []chan struct{}
}

// NewKeyedMutex creates a keyed mutex with the given shard count.
func NewKeyedMutex(shards int) *KeyedMutex {
	if shards <= 0 {
		shards = DefaultShards
	}
	m := &KeyedMutex{shards: make([]chan struct{}, shards)}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
		m.shards[i] <- struct{}{}
	}
	return m
}

// LockContext acquires the mutex for key or returns ctx.Err() if the
// context ends first. The returned unlock function must be called exactly once.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	ch := m.shards[m.shardIdx(key)]
	select {
	case <-ch:
		return func() { ch <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (m *KeyedMutex) shardIdx(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(m.shards))
}
