// Package syncutil provides synchronization helpers shared by the abuse core.
package syncutil

import (
	"context"
	"sync"
)

// KeyLock serializes work per string key. Each key gets its own channel
// mutex that exists only while someone holds or waits for it, so distinct
// keys never contend and idle keys cost nothing.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*keyEntry
}

type keyEntry struct {
	ch   chan struct{} // buffered(1); a token in the channel means unlocked
	refs int
}

// NewKeyLock creates an empty KeyLock.
func NewKeyLock() *KeyLock {
	return &KeyLock{locks: make(map[string]*keyEntry)}
}

// Lock acquires the lock for key, giving up when ctx is done. On success the
// returned func releases the lock and must be called exactly once.
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	e := k.acquireRef(key)

	select {
	case <-e.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				e.ch <- struct{}{}
				k.releaseRef(key, e)
			})
		}, nil
	case <-ctx.Done():
		k.releaseRef(key, e)
		return nil, ctx.Err()
	}
}

// Len reports how many keys currently have holders or waiters.
func (k *KeyLock) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func (k *KeyLock) acquireRef(key string) *keyEntry {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.locks[key]
	if !ok {
		e = &keyEntry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *KeyLock) releaseRef(key string, e *keyEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}
