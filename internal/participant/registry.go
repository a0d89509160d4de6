package participant

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Registry holds the live set of handles keyed by id.
type Registry struct {
	mu      sync.RWMutex
	items   map[string]Handle
	version uint64
}

// Snapshot is a point-in-time view consumed once per batch.
type Snapshot struct {
	Version uint64
	Handles []Handle
}

// NewRegistry creates an empty participant registry.
func NewRegistry() *Registry {
	return &Registry{items: make(map[string]Handle)}
}

// Add registers h; an id already present is rejected.
func (r *Registry) Add(h Handle) error {
	if h == nil {
		return ErrParticipantNil
	}
	id := strings.TrimSpace(h.ID())
	if id == "" {
		return fmt.Errorf("%w: empty id", ErrInvalidID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; ok {
		return fmt.Errorf("%w: %s", ErrParticipantExists, id)
	}
	r.items[id] = h
	r.version++
	return nil
}

// Remove drops id and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[id]; !ok {
		return false
	}
	delete(r.items, id)
	r.version++
	return true
}

// Resolve returns a handle by id.
func (r *Registry) Resolve(id string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.items[id]
	return h, ok
}

// IDs returns registered ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.items))
	for id := range r.items {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Snapshot copies the current membership, sorted by id.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handles := make([]Handle, 0, len(r.items))
	for _, h := range r.items {
		handles = append(handles, h)
	}
	sort.Slice(handles, func(i, j int) bool {
		return handles[i].ID() < handles[j].ID()
	})
	return Snapshot{Version: r.version, Handles: handles}
}

// Lookup finds a handle in the snapshot by id.
func (s Snapshot) Lookup(id string) (Handle, bool) {
	i := sort.Search(len(s.Handles), func(i int) bool { return s.Handles[i].ID() >= id })
	if i < len(s.Handles) && s.Handles[i].ID() == id {
		return s.Handles[i], true
	}
	return nil, false
}
