package protocol

import (
	"encoding/json"
	"slices"
)

// Filter is a NIP-01 subscription filter. Only the fields this client
// queries on are modelled.
type Filter struct {
	IDs     []string `json:"ids,omitempty"`
	Kinds   []int    `json:"kinds,omitempty"`
	Authors []string `json:"authors,omitempty"`
	PTags   []string `json:"#p,omitempty"`
	Since   int64    `json:"since,omitempty"`
	Until   int64    `json:"until,omitempty"`
	Limit   int      `json:"limit,omitempty"`
}

// Matches reports whether the event passes every set constraint.
func (f Filter) Matches(e *Event) bool {
	if e == nil {
		return false
	}
	if len(f.IDs) > 0 && !slices.Contains(f.IDs, e.ID) {
		return false
	}
	if len(f.Kinds) > 0 && !slices.Contains(f.Kinds, e.Kind) {
		return false
	}
	if len(f.Authors) > 0 && !slices.Contains(f.Authors, e.PubKey) {
		return false
	}
	if len(f.PTags) > 0 {
		found := false
		for _, p := range e.Tags.Values("p") {
			if slices.Contains(f.PTags, p) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since > 0 && e.CreatedAt < f.Since {
		return false
	}
	if f.Until > 0 && e.CreatedAt > f.Until {
		return false
	}
	return true
}

// MatchesAny is the OR of a filter list, as relays evaluate REQ.
func MatchesAny(filters []Filter, e *Event) bool {
	for _, f := range filters {
		if f.Matches(e) {
			return true
		}
	}
	return false
}

// String is the JSON form, used in logs.
func (f Filter) String() string {
	b, _ := json.Marshal(f)
	return string(b)
}
