// Package keylock hands out one mutex per key, created on demand and
// released once nobody holds or waits on it.
package keylock

import "sync"

type entry struct {
	mu   sync.Mutex
	refs int
}

type Locker struct {
	mu    sync.Mutex
	locks map[string]*entry
}

func New() *Locker {
	return &Locker{locks: make(map[string]*entry)}
}

// Lock blocks until key is free and returns the matching unlock.
func (l *Locker) Lock(key string) func() {
	l.mu.Lock()
	e, ok := l.locks[key]
	if !ok {
		e = &entry{}
		l.locks[key] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, key)
		}
		l.mu.Unlock()
	}
}

// LockAll takes the keys in the order given, skipping blanks and repeats.
// Callers must agree on an order to stay clear of deadlocks.
func (l *Locker) LockAll(keys ...string) func() {
	seen := make(map[string]bool, len(keys))
	unlocks := make([]func(), 0, len(keys))
	for _, key := range keys {
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		unlocks = append(unlocks, l.Lock(key))
	}
	return func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
}

func (l *Locker) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
