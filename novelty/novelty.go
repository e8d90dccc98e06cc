// Package novelty tracks which remote items have already been notified.
package novelty

import "sort"

// Set is the global record of notified item ids ("owner/name#number").
// It is not safe for concurrent use; the state package guards it.
type Set struct {
	ids map[string]struct{}
}

// New returns a set holding ids.
func New(ids ...string) *Set {
	s := &Set{ids: make(map[string]struct{}, len(ids))}
	for _, id := range ids {
		s.ids[id] = struct{}{}
	}
	return s
}

// Has reports whether id was already notified.
func (s *Set) Has(id string) bool {
	_, ok := s.ids[id]
	return ok
}

// Add records id and reports whether it was new.
func (s *Set) Add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	s.ids[id] = struct{}{}
	return true
}

// Len returns the number of recorded ids.
func (s *Set) Len() int {
	return len(s.ids)
}

// List returns every id, sorted so saved documents diff cleanly.
func (s *Set) List() []string {
	out := make([]string, 0, len(s.ids))
	for id := range s.ids {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
