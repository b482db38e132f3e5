// Package syncutil provides small synchronization helpers.
package syncutil

import "sync"

// KeyedTryLock provides per-key mutexes with fail-fast acquisition.
//
// It exists to guard aggregates against re-entrant mutation: an operation
// that holds the key's lock may hand control to arbitrary external code,
// and a nested attempt to acquire the same key must fail immediately
// instead of deadlocking or interleaving with the in-flight mutation.
type KeyedTryLock struct {
	locks sync.Map // key -> *sync.Mutex
}

// TryAcquire attempts to take the lock for key without blocking.
// On success it returns a release function and true. The release function
// must be called exactly once, on every exit path.
func (k *KeyedTryLock) TryAcquire(key string) (release func(), ok bool) {
	v, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		return nil, false
	}
	return mu.Unlock, true
}

// Forget drops the lock entry for a key whose aggregate reached a terminal
// state. Safe to call while unheld; a later TryAcquire recreates the entry.
func (k *KeyedTryLock) Forget(key string) {
	k.locks.Delete(key)
}
