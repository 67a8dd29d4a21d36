package tools

import (
	"sync"
)

// KeyedMutex provides per-key try-locking. The engine uses it as an
// in-process lease so two overlapping invocations never advance the same
// enrollment.
type KeyedMutex struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{held: make(map[string]struct{})}
}

// TryLock acquires the lock for key without blocking. It reports whether the
// lock was acquired.
func (km *KeyedMutex) TryLock(key string) bool {
	km.mu.Lock()
	defer km.mu.Unlock()
	if _, taken := km.held[key]; taken {
		return false
	}
	km.held[key] = struct{}{}
	return true
}

func (km *KeyedMutex) Locked(key string) bool {
	km.mu.Lock()
	defer km.mu.Unlock()
	_, taken := km.held[key]
	return taken
}

func (km *KeyedMutex) Unlock(key string) {
	km.mu.Lock()
	defer km.mu.Unlock()
	if _, taken := km.held[key]; !taken {
		panic("unlock of unlocked lock")
	}
	delete(km.held, key)
}
