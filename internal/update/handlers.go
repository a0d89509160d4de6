package update

import (
	"fmt"

	"github.com/danmuck/domainctl/internal/model"
)

// handler is the behavior bound to one Kind. All functions are pure over the
// given tree: apply mutates only s, compensate and toServer never mutate.
type handler struct {
	needsValue bool
	apply      func(s *model.State, u Update) error
	compensate func(s *model.State, u Update) Update
	toServer   func(u Update) (Update, bool)
}

var handlers = map[Kind]handler{
	KindAddPath: {
		needsValue: true,
		apply: func(s *model.State, u Update) error {
			if _, ok := s.Paths[u.Name]; ok {
				return fmt.Errorf("%w: %s", ErrPathExists, u.Name)
			}
			s.Paths[u.Name] = u.Value
			return nil
		},
		compensate: func(_ *model.State, u Update) Update {
			return Update{Scope: u.Scope, Kind: KindRemovePath, Name: u.Name, Group: u.Group}
		},
		toServer: sameAtServer,
	},
	KindRemovePath: {
		apply: func(s *model.State, u Update) error {
			if _, ok := s.Paths[u.Name]; !ok {
				return fmt.Errorf("%w: %s", ErrPathNotFound, u.Name)
			}
			delete(s.Paths, u.Name)
			return nil
		},
		compensate: func(s *model.State, u Update) Update {
			return Update{Scope: u.Scope, Kind: KindAddPath, Name: u.Name, Value: s.Paths[u.Name], Group: u.Group}
		},
		toServer: sameAtServer,
	},
	KindSetValue: {
		needsValue: true,
		apply: func(s *model.State, u Update) error {
			s.Values[u.Name] = u.Value
			return nil
		},
		compensate: func(s *model.State, u Update) Update {
			old, ok := s.Values[u.Name]
			if !ok {
				return Update{Scope: u.Scope, Kind: KindUnsetValue, Name: u.Name, Group: u.Group}
			}
			return Update{Scope: u.Scope, Kind: KindSetValue, Name: u.Name, Value: old, Group: u.Group}
		},
		toServer: sameAtServer,
	},
	KindUnsetValue: {
		apply: func(s *model.State, u Update) error {
			if _, ok := s.Values[u.Name]; !ok {
				return fmt.Errorf("%w: %s", ErrValueNotFound, u.Name)
			}
			delete(s.Values, u.Name)
			return nil
		},
		compensate: func(s *model.State, u Update) Update {
			return Update{Scope: u.Scope, Kind: KindSetValue, Name: u.Name, Value: s.Values[u.Name], Group: u.Group}
		},
		toServer: sameAtServer,
	},
	KindSetName: {
		apply: func(s *model.State, u Update) error {
			s.Name = u.Name
			return nil
		},
		compensate: func(s *model.State, u Update) Update {
			return Update{Scope: u.Scope, Kind: KindSetName, Name: s.Name, Group: u.Group}
		},
		toServer: func(Update) (Update, bool) { return Update{}, false },
	},
}

func sameAtServer(u Update) (Update, bool) {
	return u.WithScope(ScopeServer), true
}

// Apply validates u and mutates s. A failed apply leaves s untouched.
func Apply(s *model.State, u Update) error {
	if err := u.Validate(); err != nil {
		return err
	}
	s.Normalize()
	return handlers[u.Kind].apply(s, u)
}

// Compensate returns the inverse of u computed against s, which must be the
// tree immediately before u is applied.
func Compensate(s *model.State, u Update) (Update, error) {
	if err := u.Validate(); err != nil {
		return Update{}, err
	}
	s.Normalize()
	return handlers[u.Kind].compensate(s, u), nil
}

// ToServer derives the server-scope form of a domain update, if the kind has one.
func ToServer(u Update) (Update, bool) {
	h, ok := handlers[u.Kind]
	if !ok {
		return Update{}, false
	}
	return h.toServer(u)
}

// Kinds lists registered kinds.
func Kinds() []Kind {
	return []Kind{KindAddPath, KindRemovePath, KindSetValue, KindUnsetValue, KindSetName}
}
