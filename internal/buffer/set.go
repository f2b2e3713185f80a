package buffer

import (
	"sort"
	"sync"
)

// Set owns the generic ring plus rings addressed by name. Named rings are created on
// first use with the default bound unless configured beforehand.
type Set[T any] struct {
	mu         sync.RWMutex
	generic    *Ring[T]
	named      map[string]*Ring[T]
	defaultMax int
	sizer      Sizer[T]
}

// NewSet constructs a set whose generic ring and on-demand named rings use defaultMax.
func NewSet[T any](defaultMax int, sizer Sizer[T]) *Set[T] {
	return &Set[T]{
		mu:         sync.RWMutex{},
		generic:    NewRing[T](defaultMax, sizer),
		named:      make(map[string]*Ring[T]),
		defaultMax: defaultMax,
		sizer:      sizer,
	}
}

// Generic returns the shared ring.
func (s *Set[T]) Generic() *Ring[T] {
	return s.generic
}

// Named returns the ring for name, creating it when missing.
func (s *Set[T]) Named(name string) *Ring[T] {
	s.mu.RLock()
	ring, ok := s.named[name]
	s.mu.RUnlock()
	if ok {
		return ring
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ring, ok = s.named[name]; ok {
		return ring
	}
	ring = NewRing[T](s.defaultMax, s.sizer)
	s.named[name] = ring
	return ring
}

// Lookup returns the ring for name without creating it.
func (s *Set[T]) Lookup(name string) (*Ring[T], bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ring, ok := s.named[name]
	return ring, ok
}

// Configure creates or rebounds the ring for name.
func (s *Set[T]) Configure(name string, maxlen int) *Ring[T] {
	ring := s.Named(name)
	ring.SetMax(maxlen)
	return ring
}

// Delete drops the ring for name and reports whether it existed.
func (s *Set[T]) Delete(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.named[name]; !ok {
		return false
	}
	delete(s.named, name)
	return true
}

// Names lists the named rings in lexical order.
func (s *Set[T]) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.named))
	for name := range s.named {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Len sums the items held by every ring.
func (s *Set[T]) Len() int {
	total := s.generic.Len()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ring := range s.named {
		total += ring.Len()
	}
	return total
}

// Bytes sums the accounted size of every ring.
func (s *Set[T]) Bytes() int {
	total := s.generic.Bytes()
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ring := range s.named {
		total += ring.Bytes()
	}
	return total
}
