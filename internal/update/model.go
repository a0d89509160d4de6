package update

import (
	"fmt"
	"sync"

	"github.com/danmuck/domainctl/internal/model"
)

// Model guards one tree and applies updates of a single scope to it.
type Model struct {
	mu    sync.RWMutex
	scope Scope
	state *model.State
}

// NewModel wraps a copy of initial for updates of the given scope.
func NewModel(scope Scope, initial model.State) *Model {
	st := initial.Clone()
	return &Model{scope: scope, state: &st}
}

// Apply mutates the tree or returns the handler error unchanged.
func (m *Model) Apply(u Update) error {
	if u.Scope != m.scope {
		return fmt.Errorf("%w: model=%s update=%s", ErrScopeMismatch, m.scope, u.Scope)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return Apply(m.state, u)
}

// Compensate computes the inverse of u against the current tree.
func (m *Model) Compensate(u Update) (Update, error) {
	if u.Scope != m.scope {
		return Update{}, fmt.Errorf("%w: model=%s update=%s", ErrScopeMismatch, m.scope, u.Scope)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return Compensate(m.state, u)
}

// Snapshot returns a deep copy of the tree.
func (m *Model) Snapshot() model.State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.Clone()
}

// Replace swaps the whole tree, used for resync and reload.
func (m *Model) Replace(next model.State) {
	st := next.Clone()
	m.mu.Lock()
	m.state = &st
	m.mu.Unlock()
}

// Scope reports which updates this model accepts.
func (m *Model) Scope() Scope {
	return m.scope
}
