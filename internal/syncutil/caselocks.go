// Package syncutil holds in-process locking helpers.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

// DefaultShards is the shard count used by NewCaseLocks.
const DefaultShards = 256

// CaseLocks serializes work per case ID within one process. Keys hash onto a
// fixed pool of channel locks, so unrelated cases occasionally share a shard
// and memory stays bounded however many cases are seen.
type CaseLocks struct {
	shards []chan struct{}
}

// NewCaseLocks creates a lock pool with DefaultShards shards.
func NewCaseLocks() *CaseLocks {
	return NewCaseLocksN(DefaultShards)
}

// NewCaseLocksN creates a lock pool with n shards (minimum 1).
func NewCaseLocksN(n int) *CaseLocks {
	if n < 1 {
		n = 1
	}
	l := &CaseLocks{shards: make([]chan struct{}, n)}
	for i := range l.shards {
		l.shards[i] = make(chan struct{}, 1)
	}
	return l
}

// Lock waits for the case lock or until ctx is done. The returned unlock is
// safe to call more than once.
func (l *CaseLocks) Lock(ctx context.Context, caseID string) (unlock func(), err error) {
	ch := l.shards[l.shard(caseID)]
	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, nil
}

// TryLock takes the case lock only if it is free.
func (l *CaseLocks) TryLock(caseID string) (unlock func(), ok bool) {
	ch := l.shards[l.shard(caseID)]
	select {
	case ch <- struct{}{}:
	default:
		return nil, false
	}
	var once sync.Once
	return func() { once.Do(func() { <-ch }) }, true
}

func (l *CaseLocks) shard(caseID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(caseID))
	return int(h.Sum32() % uint32(len(l.shards)))
}
