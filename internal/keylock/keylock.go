// Package keylock provides per-key exclusive critical sections. Auctions and
// accounts are independent of each other, so operations serialize on the
// entity they touch instead of a single global mutex.
package keylock

import (
	"sort"
	"sync"
)

// Set is a collection of named mutexes. Locks are created on first use and
// kept for the lifetime of the Set; the key space (auction or account IDs) is
// bounded by the working set of live entities.
type Set struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSet returns an empty lock set.
func NewSet() *Set {
	return &Set{locks: make(map[string]*sync.Mutex)}
}

func (s *Set) get(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

// Lock acquires the mutexes for the given keys and returns a function that
// releases them. Keys are deduplicated and acquired in sorted order so that
// two callers locking overlapping key sets cannot deadlock.
func (s *Set) Lock(keys ...string) (unlock func()) {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		uniq = append(uniq, k)
	}
	sort.Strings(uniq)

	held := make([]*sync.Mutex, 0, len(uniq))
	for _, k := range uniq {
		l := s.get(k)
		l.Lock()
		held = append(held, l)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
