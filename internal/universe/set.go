package universe

import (
	"slices"
	"sync"
)

// Set is the subscribed symbol set. Tick delivery runs under the read lock
// and subscription changes under the write lock, so a tick is never handled
// while its symbol is being added or removed.
type Set struct {
	mu      sync.RWMutex
	symbols map[string]struct{}
}

func NewSet() *Set {
	return &Set{symbols: make(map[string]struct{})}
}

func (s *Set) Contains(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.symbols[symbol]
	return ok
}

// Symbols returns the members sorted.
func (s *Set) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.symbols))
	for sym := range s.symbols {
		out = append(out, sym)
	}
	slices.Sort(out)
	return out
}

func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.symbols)
}

// Deliver runs fn only if symbol is a member, holding the read lock.
func (s *Set) Deliver(symbol string, fn func()) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.symbols[symbol]; !ok {
		return false
	}
	fn()
	return true
}

// Add runs apply under the write lock and adds the symbols that are not yet
// members only if apply succeeds. It returns the newly added symbols.
func (s *Set) Add(symbols []string, apply func(added []string) error) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fresh []string
	for _, sym := range symbols {
		if _, ok := s.symbols[sym]; !ok && !slices.Contains(fresh, sym) {
			fresh = append(fresh, sym)
		}
	}
	if len(fresh) == 0 {
		return nil, nil
	}
	if apply != nil {
		if err := apply(fresh); err != nil {
			return nil, err
		}
	}
	for _, sym := range fresh {
		s.symbols[sym] = struct{}{}
	}
	return fresh, nil
}

// Remove drops the member symbols and then runs apply, both under the write lock.
// Symbols are removed even if apply fails.
func (s *Set) Remove(symbols []string, apply func(removed []string) error) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var gone []string
	for _, sym := range symbols {
		if _, ok := s.symbols[sym]; ok {
			delete(s.symbols, sym)
			gone = append(gone, sym)
		}
	}
	if len(gone) == 0 || apply == nil {
		return gone, nil
	}
	return gone, apply(gone)
}
