// Package keylock serializes work per key without a global lock.
package keylock

import (
	"context"
	"sync"
)

// Locker hands out per-key mutual exclusion. The returned unlock func must be
// called exactly once.
type Locker interface {
	// Lock blocks until the key is free or ctx is done.
	Lock(ctx context.Context, key string) (unlock func(), err error)
	// TryLock never blocks; ok is false when the key is held.
	TryLock(ctx context.Context, key string) (unlock func(), ok bool, err error)
}

type entry struct {
	sem  chan struct{}
	refs int
}

// Local is an in-process keyed mutex. Entries are reference counted and
// dropped once no goroutine holds or waits on the key.
type Local struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func NewLocal() *Local {
	return &Local{locks: map[string]*entry{}}
}

func (l *Local) acquire(key string) *entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *Local) release(key string, e *entry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

func (l *Local) Lock(ctx context.Context, key string) (func(), error) {
	e := l.acquire(key)
	select {
	case e.sem <- struct{}{}:
		return l.unlocker(key, e), nil
	case <-ctx.Done():
		l.release(key, e)
		return nil, ctx.Err()
	}
}

func (l *Local) TryLock(ctx context.Context, key string) (func(), bool, error) {
	e := l.acquire(key)
	select {
	case e.sem <- struct{}{}:
		return l.unlocker(key, e), true, nil
	default:
		l.release(key, e)
		return nil, false, nil
	}
}

func (l *Local) unlocker(key string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.sem
			l.release(key, e)
		})
	}
}

// Len reports how many keys currently have holders or waiters.
func (l *Local) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
