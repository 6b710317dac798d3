// Package keylock provides per-key mutual exclusion so operations on
// distinct keys run in parallel while operations on the same key
// serialize.
package keylock

import "sync"

// KeyLock hands out one mutex per key. Mutexes are retained for the
// lifetime of the lock set; the key space (accounts, messages) is
// bounded in practice.
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns an empty KeyLock.
func New() *KeyLock {
	return &KeyLock{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it on first use.
func (k *KeyLock) Lock(key string) {
	k.mutexFor(key).Lock()
}

// Unlock releases the mutex for key. Panics if the key was never
// locked, same as unlocking an unlocked sync.Mutex.
func (k *KeyLock) Unlock(key string) {
	k.mutexFor(key).Unlock()
}

func (k *KeyLock) mutexFor(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}
