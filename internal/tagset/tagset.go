// Package tagset provides an ordered, duplicate-free set of strings.
//
// A TagSet keeps first-insertion order so listings stay deterministic across
// replays of the same invocations. It is used both for entity tags and for the
// per-tag reverse index of entity keys.
package tagset

import "encoding/json"

// TagSet is an insertion-ordered set of strings. The zero value is an empty set ready to use.
type TagSet struct {
	items []string
	index map[string]int
}

// New returns a set holding the given values in order, duplicates dropped.
func New(values ...string) *TagSet {
	s := &TagSet{}
	s.Add(values...)
	return s
}

// Add inserts each value not already present and reports how many were added.
func (s *TagSet) Add(values ...string) int {
	if s.index == nil {
		s.index = make(map[string]int, len(values))
	}
	added := 0
	for _, v := range values {
		if _, ok := s.index[v]; ok {
			continue
		}
		s.index[v] = len(s.items)
		s.items = append(s.items, v)
		added++
	}
	return added
}

// Remove deletes each present value and reports how many were removed.
// Absent values are ignored.
func (s *TagSet) Remove(values ...string) int {
	removed := 0
	for _, v := range values {
		i, ok := s.index[v]
		if !ok {
			continue
		}
		s.items = append(s.items[:i], s.items[i+1:]...)
		delete(s.index, v)
		for j := i; j < len(s.items); j++ {
			s.index[s.items[j]] = j
		}
		removed++
	}
	return removed
}

// Contains reports whether v is a member.
func (s *TagSet) Contains(v string) bool {
	_, ok := s.index[v]
	return ok
}

// Len returns the number of members.
func (s *TagSet) Len() int {
	return len(s.items)
}

// List returns a copy of the members in insertion order.
func (s *TagSet) List() []string {
	out := make([]string, len(s.items))
	copy(out, s.items)
	return out
}

// MarshalJSON encodes the set as a JSON array.
func (s *TagSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.List())
}

// UnmarshalJSON decodes a JSON array, dropping duplicates.
func (s *TagSet) UnmarshalJSON(data []byte) error {
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	*s = TagSet{}
	s.Add(values...)
	return nil
}
