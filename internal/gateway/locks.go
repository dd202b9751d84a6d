// ABOUTME: Per-thread run serialization using FIFO, context-aware channel semaphores
// ABOUTME: Entries are reference counted and dropped when no run holds or awaits them

package gateway

import (
	"context"
	"sync"
)

// threadLocks hands out one lock per thread ID. Waiters on a channel send
// are queued by the runtime in arrival order, which gives FIFO handoff.
type threadLocks struct {
	mu    sync.Mutex
	locks map[string]*threadLock
}

type threadLock struct {
	sem  chan struct{}
	refs int
}

func newThreadLocks() *threadLocks {
	return &threadLocks{locks: make(map[string]*threadLock)}
}

// acquire blocks until the thread is free or ctx ends. The returned release
// must be called exactly once.
func (l *threadLocks) acquire(ctx context.Context, threadID string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[threadID]
	if !ok {
		lk = &threadLock{sem: make(chan struct{}, 1)}
		l.locks[threadID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.sem <- struct{}{}:
	case <-ctx.Done():
		l.unref(threadID, lk)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-lk.sem
			l.unref(threadID, lk)
		})
	}, nil
}

func (l *threadLocks) unref(threadID string, lk *threadLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, threadID)
	}
}

// len reports how many threads currently have holders or waiters.
func (l *threadLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
