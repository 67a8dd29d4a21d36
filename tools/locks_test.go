package tools

import (
	"sync"
	"testing"
)

func TestKeyedMutex_TryLock(t *testing.T) {
	km := NewKeyedMutex()

	if !km.TryLock("enrollment-1") {
		t.Fatal("expected first TryLock to succeed")
	}
	if km.TryLock("enrollment-1") {
		t.Fatal("expected second TryLock on the same key to fail")
	}
	if !km.TryLock("enrollment-2") {
		t.Fatal("expected TryLock on a different key to succeed")
	}

	km.Unlock("enrollment-1")
	if !km.TryLock("enrollment-1") {
		t.Fatal("expected TryLock to succeed after unlock")
	}
}

func TestKeyedMutex_Locked(t *testing.T) {
	km := NewKeyedMutex()
	if km.Locked("k") {
		t.Fatal("expected unheld key to report unlocked")
	}
	km.TryLock("k")
	if !km.Locked("k") {
		t.Fatal("expected held key to report locked")
	}
	km.Unlock("k")
	if km.Locked("k") {
		t.Fatal("expected released key to report unlocked")
	}
}

func TestKeyedMutex_ConcurrentTryLock(t *testing.T) {
	km := NewKeyedMutex()
	var wg sync.WaitGroup
	var mu sync.Mutex
	acquired := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if km.TryLock("contended") {
				mu.Lock()
				acquired++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if acquired != 1 {
		t.Fatalf("expected exactly one winner, got %d", acquired)
	}
}
