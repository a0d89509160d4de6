package model

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrStorePathRequired = errors.New("model: store path required")

// Store persists a tree as YAML at one path.
type Store struct {
	path string
}

// NewStore binds a store to path.
func NewStore(path string) *Store {
	return &Store{path: strings.TrimSpace(path)}
}

// Path returns the bound file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the tree; a missing file yields an empty tree named def.
func (s *Store) Load(def string) (State, error) {
	if s.path == "" {
		return State{}, ErrStorePathRequired
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return New(def).Clone(), nil
	}
	if err != nil {
		return State{}, fmt.Errorf("model load failed (%s): %w", s.path, err)
	}
	var out State
	if err := yaml.Unmarshal(data, &out); err != nil {
		return State{}, fmt.Errorf("model parse failed (%s): %w", s.path, err)
	}
	out.Normalize()
	if out.Name == "" {
		out.Name = def
	}
	if err := out.Validate(); err != nil {
		return State{}, fmt.Errorf("model load failed (%s): %w", s.path, err)
	}
	return out, nil
}

// Persist writes the tree through a temp file and rename.
func (s *Store) Persist(state State) error {
	if s.path == "" {
		return ErrStorePathRequired
	}
	state.Normalize()
	data, err := yaml.Marshal(state)
	if err != nil {
		return fmt.Errorf("model encode failed: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("model persist failed (%s): %w", s.path, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".model-*.yaml")
	if err != nil {
		return fmt.Errorf("model persist failed (%s): %w", s.path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("model persist failed (%s): %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("model persist failed (%s): %w", s.path, err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("model persist failed (%s): %w", s.path, err)
	}
	return nil
}
