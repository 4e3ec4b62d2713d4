package core

import "sync"

// SyncMap is a map that is safe for concurrent usage. Mutating range
// operations take the write lock for their whole duration, so callers can
// combine iteration with deletion without racing per-key updates.
type SyncMap[K comparable, V any] struct {
	m  map[K]V
	mu sync.RWMutex
}

func NewSyncMap[K comparable, V any]() *SyncMap[K, V] {
	return &SyncMap[K, V]{
		m: make(map[K]V),
	}
}

func (s *SyncMap[K, V]) Load(key K) (value V, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok = s.m[key]
	return
}

// LoadAndStore retrieves the value for a key, applies f to it, and stores
// the result. The whole operation is atomic.
func (s *SyncMap[K, V]) LoadAndStore(key K, f func(value V, ok bool) V) V {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.m[key]
	next := f(value, ok)
	s.m[key] = next
	return next
}

// LoadOrStore returns the existing value for the key if present.
// Otherwise it stores the value produced by f and returns it.
func (s *SyncMap[K, V]) LoadOrStore(key K, f func() V) V {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value, ok := s.m[key]; ok {
		return value
	}
	value := f()
	s.m[key] = value
	return value
}

func (s *SyncMap[K, V]) Store(key K, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}

func (s *SyncMap[K, V]) Delete(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

func (s *SyncMap[K, V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.m)
}

// RRange iterates under the read lock. Return false from f to stop.
func (s *SyncMap[K, V]) RRange(f func(key K, value V) bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, v := range s.m {
		if !f(k, v) {
			break
		}
	}
}

// DeleteIf removes the entry for key when f reports true. f runs under
// the write lock, so it can mutate the value before deciding.
func (s *SyncMap[K, V]) DeleteIf(key K, f func(value V) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if value, ok := s.m[key]; ok && f(value) {
		delete(s.m, key)
	}
}

// DeleteFunc removes every entry for which f reports true, atomically
// with respect to all other operations.
func (s *SyncMap[K, V]) DeleteFunc(f func(key K, value V) bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range s.m {
		if f(k, v) {
			delete(s.m, k)
		}
	}
}
