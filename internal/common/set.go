package common

import (
	"sync"
)

// BoundedSet remembers the last cap keys it has seen, evicting the
// oldest entry once full. Used as the in-process de-duplication cache
// for poll-sourced transaction hashes; the durable chainSeen bucket
// backs it across restarts.
type BoundedSet struct {
	m     map[string]struct{}
	order []string
	cap   int
	l     sync.Mutex
}

func NewBoundedSet(cap int) *BoundedSet {
	if cap <= 0 {
		cap = 1024
	}
	return &BoundedSet{
		m:   make(map[string]struct{}, cap),
		cap: cap,
	}
}

// Add inserts the key and reports whether it was new.
func (s *BoundedSet) Add(key string) bool {
	s.l.Lock()
	defer s.l.Unlock()

	if _, ok := s.m[key]; ok {
		return false
	}

	if len(s.order) >= s.cap {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.m, oldest)
	}

	s.m[key] = struct{}{}
	s.order = append(s.order, key)
	return true
}

func (s *BoundedSet) Exists(key string) bool {
	s.l.Lock()
	_, ok := s.m[key]
	s.l.Unlock()
	return ok
}

func (s *BoundedSet) Len() int {
	s.l.Lock()
	defer s.l.Unlock()
	return len(s.order)
}

// KeyMutex is a set of in-flight keys. TryLock on a memo keeps two
// concurrent webhook deliveries for the same memo from both passing the
// "not yet funded" check before either writes; the status-guarded DB
// write remains the actual source of truth underneath it.
type KeyMutex struct {
	m map[string]struct{}
	l sync.Mutex
}

func NewKeyMutex() *KeyMutex {
	return &KeyMutex{m: make(map[string]struct{})}
}

// TryLock reports whether the key was free. The caller that got true
// must Unlock when done.
func (k *KeyMutex) TryLock(key string) bool {
	k.l.Lock()
	defer k.l.Unlock()
	if _, ok := k.m[key]; ok {
		return false
	}
	k.m[key] = struct{}{}
	return true
}

func (k *KeyMutex) Unlock(key string) {
	k.l.Lock()
	delete(k.m, key)
	k.l.Unlock()
}
