// Package update defines configuration changes and the pure functions that
// apply, invert, and derive them.
//
// An Update is a tagged value; behavior lives in a side-table keyed by Kind so
// every handler can be exercised against a bare model.State.
package update

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidUpdate  = errors.New("update: invalid update")
	ErrUnknownKind    = errors.New("update: unknown kind")
	ErrPathExists     = errors.New("update: path already exists")
	ErrPathNotFound   = errors.New("update: path not found")
	ErrValueNotFound  = errors.New("update: value not found")
	ErrScopeMismatch  = errors.New("update: scope mismatch")
	ErrNoServerUpdate = errors.New("update: kind has no server form")
)

// Scope names the tier an update targets.
type Scope string

const (
	ScopeDomain Scope = "domain"
	ScopeHost   Scope = "host"
	ScopeServer Scope = "server"
)

// Kind tags which handler applies an update.
type Kind string

const (
	KindAddPath    Kind = "add-path"
	KindRemovePath Kind = "remove-path"
	KindSetValue   Kind = "set-value"
	KindUnsetValue Kind = "unset-value"
	KindSetName    Kind = "set-name"
)

// Update is one immutable configuration change.
type Update struct {
	Scope Scope  `json:"scope"`
	Kind  Kind   `json:"kind"`
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
	// Group narrows the servers a host reports as affected; empty means all.
	Group string `json:"group,omitempty"`
}

func AddPath(name, path string) Update {
	return Update{Scope: ScopeDomain, Kind: KindAddPath, Name: name, Value: path}
}

func RemovePath(name string) Update {
	return Update{Scope: ScopeDomain, Kind: KindRemovePath, Name: name}
}

func SetValue(key, value string) Update {
	return Update{Scope: ScopeDomain, Kind: KindSetValue, Name: key, Value: value}
}

func UnsetValue(key string) Update {
	return Update{Scope: ScopeDomain, Kind: KindUnsetValue, Name: key}
}

func SetName(name string) Update {
	return Update{Scope: ScopeDomain, Kind: KindSetName, Name: name}
}

// WithScope returns a copy retargeted at scope.
func (u Update) WithScope(scope Scope) Update {
	u.Scope = scope
	return u
}

// WithGroup returns a copy narrowed to one server group.
func (u Update) WithGroup(group string) Update {
	u.Group = strings.TrimSpace(group)
	return u
}

// Validate checks the fields every handler relies on.
func (u Update) Validate() error {
	switch u.Scope {
	case ScopeDomain, ScopeHost, ScopeServer:
	default:
		return fmt.Errorf("%w: scope %q", ErrInvalidUpdate, u.Scope)
	}
	h, ok := handlers[u.Kind]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownKind, u.Kind)
	}
	if strings.TrimSpace(u.Name) == "" {
		return fmt.Errorf("%w: %s missing name", ErrInvalidUpdate, u.Kind)
	}
	if h.needsValue && strings.TrimSpace(u.Value) == "" {
		return fmt.Errorf("%w: %s missing value", ErrInvalidUpdate, u.Kind)
	}
	return nil
}

func (u Update) String() string {
	if u.Value == "" {
		return fmt.Sprintf("%s:%s(%s)", u.Scope, u.Kind, u.Name)
	}
	return fmt.Sprintf("%s:%s(%s=%s)", u.Scope, u.Kind, u.Name, u.Value)
}
