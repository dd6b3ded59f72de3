// Package syncutil provides per-entity locking for request and sweep paths
// that touch the same invoice or dispute.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex serializes work per key (e.g. "invoice:<id>"). Each key gets
// its own channel-based lock, so waiters can give up when their context is
// cancelled. Lock entries are reference counted and dropped once no holder
// or waiter remains, so memory tracks in-flight keys rather than every key
// ever seen.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty KeyedMutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedLock)}
}

// LockContext acquires the lock for key. On success it returns an unlock
// function the caller MUST call. If ctx is done first it returns ctx.Err().
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	l := m.acquireRef(key)

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				m.releaseRef(key)
			})
		}, nil
	case <-ctx.Done():
		m.releaseRef(key)
		return nil, ctx.Err()
	}
}

// Held reports how many keys currently have a holder or waiter.
func (m *KeyedMutex) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) acquireRef(key string) *keyedLock {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks == nil {
		m.locks = make(map[string]*keyedLock)
	}
	l, ok := m.locks[key]
	if !ok {
		l = &keyedLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *KeyedMutex) releaseRef(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[key]
	if !ok {
		return
	}
	l.refs--
	if l.refs <= 0 {
		delete(m.locks, key)
	}
}
