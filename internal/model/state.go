package model

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
)

var ErrInvalidState = errors.New("model: invalid state")

// State is one configuration tree. Paths and Values are keyed by logical name.
type State struct {
	Name   string            `json:"name" yaml:"name"`
	Paths  map[string]string `json:"paths" yaml:"paths"`
	Values map[string]string `json:"values" yaml:"values"`
}

// New returns an empty tree with initialized maps.
func New(name string) *State {
	return &State{
		Name:   name,
		Paths:  make(map[string]string),
		Values: make(map[string]string),
	}
}

// Clone returns a deep copy safe to hand across goroutines.
func (s *State) Clone() State {
	if s == nil {
		return State{Paths: map[string]string{}, Values: map[string]string{}}
	}
	out := State{
		Name:   s.Name,
		Paths:  make(map[string]string, len(s.Paths)),
		Values: make(map[string]string, len(s.Values)),
	}
	maps.Copy(out.Paths, s.Paths)
	maps.Copy(out.Values, s.Values)
	return out
}

// Normalize replaces nil maps so decoded trees behave like New ones.
func (s *State) Normalize() {
	if s.Paths == nil {
		s.Paths = make(map[string]string)
	}
	if s.Values == nil {
		s.Values = make(map[string]string)
	}
}

// Validate rejects blank names and blank values in Paths and Values. Every
// entry must stay restorable by the update that would add it back.
func (s State) Validate() error {
	var bad []string
	for kind, entries := range map[string]map[string]string{"path": s.Paths, "value": s.Values} {
		for name, v := range entries {
			if strings.TrimSpace(name) == "" || strings.TrimSpace(v) == "" {
				bad = append(bad, fmt.Sprintf("%s %q", kind, name))
			}
		}
	}
	if len(bad) == 0 {
		return nil
	}
	sort.Strings(bad)
	return fmt.Errorf("%w: blank entries: %s", ErrInvalidState, strings.Join(bad, ", "))
}

// Equal reports structural equality; nil and empty maps compare equal.
func (s State) Equal(other State) bool {
	return s.Name == other.Name &&
		maps.Equal(s.Paths, other.Paths) &&
		maps.Equal(s.Values, other.Values)
}

// Digest returns a hex blake3 hash over the canonical JSON form.
func (s State) Digest() string {
	s.Normalize()
	// encoding/json sorts map keys, which keeps the encoding canonical.
	payload, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
