// Package gate implements the N-party confirmation primitive that advances an escrow ticket.
//
// A Gate is a view over a required party list and the set of parties that already
// confirmed. It is never persisted on its own; the confirmed Set is stored on the ticket.
package gate

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrAlreadyConfirmed is returned when a party confirms the same gate twice.
	ErrAlreadyConfirmed = errors.New("already confirmed")
	// ErrNotRequired is returned when a party outside the required list tries to confirm.
	ErrNotRequired = errors.New("party is not required by this gate")
)

// Set is a set of participant ids.
type Set map[string]struct{}

// NewSet returns a set holding ids.
func NewSet(ids ...string) Set {
	s := make(Set, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s Set) Has(id string) bool {
	_, ok := s[id]
	return ok
}

// Add returns a copy of s with id added.
func (s Set) Add(id string) Set {
	out := s.Clone()
	out[id] = struct{}{}
	return out
}

// Union returns a new set holding members of both s and o.
func (s Set) Union(o Set) Set {
	out := s.Clone()
	for id := range o {
		out[id] = struct{}{}
	}
	return out
}

// ContainsAll reports whether every id is a member of s.
func (s Set) ContainsAll(ids ...string) bool {
	for _, id := range ids {
		if !s.Has(id) {
			return false
		}
	}
	return true
}

func (s Set) Len() int { return len(s) }

func (s Set) Clone() Set {
	out := make(Set, len(s))
	for id := range s {
		out[id] = struct{}{}
	}
	return out
}

// Members returns the ids in sorted order.
func (s Set) Members() []string {
	out := make([]string, 0, len(s))
	for id := range s {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// MarshalJSON encodes the set as a sorted array.
func (s Set) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Members())
}

// UnmarshalJSON accepts an array of ids or null.
func (s *Set) UnmarshalJSON(data []byte) error {
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return fmt.Errorf("gate set: %w", err)
	}
	*s = NewSet(ids...)
	return nil
}

// Value stores the set as a JSON array column.
func (s Set) Value() (driver.Value, error) {
	b, err := s.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan reads a JSON array column.
func (s *Set) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*s = Set{}
		return nil
	case string:
		return s.UnmarshalJSON([]byte(v))
	case []byte:
		return s.UnmarshalJSON(v)
	default:
		return fmt.Errorf("gate set: cannot scan %T", src)
	}
}

// Gate is a confirmation point that closes once every required party has confirmed.
type Gate struct {
	Required  []string
	Confirmed Set
}

// New returns a gate over required with the given confirmations.
func New(confirmed Set, required ...string) Gate {
	if confirmed == nil {
		confirmed = Set{}
	}
	return Gate{Required: required, Confirmed: confirmed}
}

// Confirm records party and returns the resulting gate. The receiver is not modified.
func (g Gate) Confirm(party string) (Gate, error) {
	if !g.requires(party) {
		return g, ErrNotRequired
	}
	if g.Confirmed.Has(party) {
		return g, ErrAlreadyConfirmed
	}
	return Gate{Required: g.Required, Confirmed: g.Confirmed.Add(party)}, nil
}

// Closed reports whether confirmed ⊇ required.
func (g Gate) Closed() bool {
	return len(g.Required) > 0 && g.Confirmed.ContainsAll(g.Required...)
}

// Missing lists the required parties that have not confirmed yet.
func (g Gate) Missing() []string {
	var out []string
	for _, id := range g.Required {
		if !g.Confirmed.Has(id) {
			out = append(out, id)
		}
	}
	return out
}

func (g Gate) requires(party string) bool {
	for _, id := range g.Required {
		if id == party {
			return true
		}
	}
	return false
}
