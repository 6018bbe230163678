// Package session tracks which identities have already been confirmed present in
// each attendance session.
package session

import (
	"slices"
	"sync"
)

// Handle is the state of one session. All access goes through its own mutex,
// so marks in different sessions never contend.
type Handle struct {
	id string

	mu    sync.Mutex
	seen  map[string]struct{}
	order []string // first-seen order, for snapshots
	ended bool
}

// ID returns the session id the handle was created for.
func (h *Handle) ID() string {
	return h.id
}

// MarkIfNew records label as present and reports whether this call was the first
// to do so. An ended handle accepts no new marks.
func (h *Handle) MarkIfNew(label string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return false
	}
	if _, ok := h.seen[label]; ok {
		return false
	}
	h.seen[label] = struct{}{}
	h.order = append(h.order, label)
	return true
}

// Snapshot returns a copy of the labels seen so far in first-seen order.
func (h *Handle) Snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.order)
}

// Registry maps session ids to their handles. Sessions are created on first use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Handle
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Handle)}
}

// Ensure returns the handle for id, creating it if needed. Concurrent callers
// for the same id always get the same handle.
func (r *Registry) Ensure(id string) *Handle {
	r.mu.RLock()
	h, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		return h
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// another goroutine may have created it between the two locks
	if h, ok := r.sessions[id]; ok {
		return h
	}
	h = &Handle{id: id, seen: make(map[string]struct{})}
	r.sessions[id] = h
	return h
}

// MarkIfNew is Ensure(id).MarkIfNew(label).
func (r *Registry) MarkIfNew(id, label string) bool {
	return r.Ensure(id).MarkIfNew(label)
}

// Snapshot returns the labels recognized in session id. Unknown sessions yield
// an empty snapshot and are not created.
func (r *Registry) Snapshot(id string) []string {
	r.mu.RLock()
	h, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok {
		return []string{}
	}
	return h.Snapshot()
}

// End forgets session id and returns its final snapshot. Frames still holding the
// old handle can no longer mark it; a later Ensure starts a fresh session.
func (r *Registry) End(id string) ([]string, bool) {
	r.mu.Lock()
	h, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if !ok {
		return []string{}, false
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.ended = true
	return slices.Clone(h.order), true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// IDs returns the live session ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	slices.Sort(ids)
	return ids
}
