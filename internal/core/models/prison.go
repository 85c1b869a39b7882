package models

import "sort"

type PrisonID string

type Prison struct {
	ID   PrisonID `json:"id" db:"id"`
	Name string   `json:"name" db:"name"`
}

// PrisonSet is an unordered set of prison ids.
type PrisonSet map[PrisonID]struct{}

func NewPrisonSet(ids ...PrisonID) PrisonSet {
	s := make(PrisonSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s PrisonSet) Contains(id PrisonID) bool {
	_, ok := s[id]
	return ok
}

func (s PrisonSet) Intersect(other PrisonSet) PrisonSet {
	out := make(PrisonSet)
	for id := range s {
		if other.Contains(id) {
			out[id] = struct{}{}
		}
	}
	return out
}

// Missing returns the ids not in s, sorted.
func (s PrisonSet) Missing(ids ...PrisonID) []PrisonID {
	var out []PrisonID
	seen := make(map[PrisonID]bool)
	for _, id := range ids {
		if !s.Contains(id) && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Sorted returns the members in a deterministic order.
func (s PrisonSet) Sorted() []PrisonID {
	out := make([]PrisonID, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
