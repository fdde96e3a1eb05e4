package syncutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaseLocks_SerializesSameCase(t *testing.T) {
	l := NewCaseLocks()

	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		maxSeen atomic.Int32
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "case_1")
			require.NoError(t, err)
			defer unlock()

			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestCaseLocks_ContextCancelled(t *testing.T) {
	l := NewCaseLocks()
	unlock, err := l.Lock(context.Background(), "case_1")
	require.NoError(t, err)
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = l.Lock(ctx, "case_1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCaseLocks_UnlockIsIdempotent(t *testing.T) {
	l := NewCaseLocksN(1)
	unlock, err := l.Lock(context.Background(), "case_1")
	require.NoError(t, err)
	unlock()
	unlock()

	// a double unlock must not free a lock held by someone else
	second, ok := l.TryLock("case_1")
	require.True(t, ok)
	unlock()
	_, ok = l.TryLock("case_2")
	assert.False(t, ok, "single shard is still held")
	second()
}

func TestCaseLocks_TryLock(t *testing.T) {
	l := NewCaseLocks()
	unlock, ok := l.TryLock("case_1")
	require.True(t, ok)

	_, ok = l.TryLock("case_1")
	assert.False(t, ok)

	unlock()
	again, ok := l.TryLock("case_1")
	require.True(t, ok)
	again()
}

func TestCaseLocks_IndependentCases(t *testing.T) {
	l := NewCaseLocksN(DefaultShards)
	a, err := l.Lock(context.Background(), "case_a")
	require.NoError(t, err)
	defer a()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if l.shard("case_a") != l.shard("case_b") {
		b, err := l.Lock(ctx, "case_b")
		require.NoError(t, err)
		b()
	}
}
