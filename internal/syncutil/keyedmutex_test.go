package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex(0)
	ctx := context.Background()

	counter := 0
	var wg sync.WaitGroup
	const n = 100
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(ctx, "ESC1")
			if err != nil {
				t.Errorf("lock failed: %v", err)
				return
			}
			defer unlock()
			counter++
		}()
	}
	wg.Wait()
	assert.Equal(t, n, counter)
}

func TestKeyedMutex_ContextDeadline(t *testing.T) {
	m := NewKeyedMutex(4)

	unlock, err := m.LockContext(context.Background(), "blocked")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = m.LockContext(ctx, "blocked")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestKeyedMutex_UnlockHandsOver(t *testing.T) {
	m := NewKeyedMutex(0)
	ctx := context.Background()

	unlock, err := m.LockContext(ctx, "relay")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		u, err := m.LockContext(ctx, "relay")
		if err != nil {
			return
		}
		close(acquired)
		u()
	}()

	select {
	case <-acquired:
		t.Fatal("second goroutine acquired lock before first released")
	case <-time.After(20 * time.Millisecond):
	}

	unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("second goroutine did not acquire lock after release")
	}
}

func TestKeyedMutex_ShardIndexInRange(t *testing.T) {
	m := NewKeyedMutex(7)
	for _, k := range []string{"", "a", "ESC0123456789", "zzzz"} {
		assert.Less(t, m.shardIdx(k), uint32(7))
	}
}
