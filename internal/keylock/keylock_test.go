package keylock_test

import (
	"sync"
	"testing"
	"time"

	"github.com/agoramarket/auction-engine/internal/keylock"
)

func TestLock_SerializesSameKey(t *testing.T) {
	s := keylock.NewSet()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := s.Lock("acct-1")
			defer unlock()
			counter++
		}()
	}
	wg.Wait()

	if counter != 100 {
		t.Errorf("counter = %d, want 100", counter)
	}
}

func TestLock_IndependentKeysDoNotBlock(t *testing.T) {
	s := keylock.NewSet()

	unlock := s.Lock("acct-1")
	defer unlock()

	done := make(chan struct{})
	go func() {
		u := s.Lock("acct-2")
		u()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("lock on an unrelated key blocked")
	}
}

func TestLock_MultipleKeysNoDeadlock(t *testing.T) {
	s := keylock.NewSet()

	// Opposite acquisition orders on the same pair; sorted ordering inside
	// Lock must prevent deadlock.
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			unlock := s.Lock("a", "b")
			unlock()
		}()
		go func() {
			defer wg.Done()
			unlock := s.Lock("b", "a")
			unlock()
		}()
	}
	wg.Wait()
}

func TestLock_DuplicateKeys(t *testing.T) {
	s := keylock.NewSet()

	// Locking the same key twice in one call must not self-deadlock.
	unlock := s.Lock("x", "x")
	unlock()
}
