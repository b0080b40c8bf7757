// Package registry holds the process's live worker handles keyed by identity.
package registry

import (
	"strings"
	"sync"
	"time"

	"deriv-bot-manager/internal/worker"
)

// Handle is the registry's value type. Once inserted it is owned by the registry.
type Handle struct {
	Identity    string
	Worker      worker.Worker
	ActivatedAt time.Time

	mu       sync.Mutex
	lastUsed time.Time
}

// NewHandle wraps a worker for insertion
func NewHandle(identity string, w worker.Worker) *Handle {
	now := time.Now()
	return &Handle{Identity: identity, Worker: w, ActivatedAt: now, lastUsed: now}
}

// Snapshot mirrors the worker's counters
func (h *Handle) Snapshot() worker.Counters {
	return h.Worker.Snapshot()
}

// Do runs fn while holding the handle's lock, so a read-mutate-read sequence on
// the worker is not interleaved with another operation on the same identity.
func (h *Handle) Do(fn func(w worker.Worker)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastUsed = time.Now()
	fn(h.Worker)
}

// LastUsed returns when a control operation last touched the handle
func (h *Handle) LastUsed() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastUsed
}

// Match is the outcome of a short-identity lookup
type Match struct {
	// Handle is the selected handle, nil when nothing matched.
	Handle *Handle
	// Candidates lists every matching identity in insertion order.
	Candidates []string
	// Exact is true when the query equalled a full identity.
	Exact bool
}

// Found reports whether any handle matched
func (m Match) Found() bool { return m.Handle != nil }

// Ambiguous reports whether more than one identity shared the suffix
func (m Match) Ambiguous() bool { return !m.Exact && len(m.Candidates) > 1 }

// Registry is a concurrency-safe identity -> handle map that remembers insertion order
type Registry struct {
	mu      sync.RWMutex
	handles map[string]*Handle
	order   []string
}

func New() *Registry {
	return &Registry{handles: make(map[string]*Handle)}
}

// Get returns the handle for an exact identity
func (r *Registry) Get(identity string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handles[identity]
	return h, ok
}

// InsertIfAbsent stores h unless its identity is already present. When another
// handle already holds the identity, that handle is returned and inserted is false.
func (r *Registry) InsertIfAbsent(h *Handle) (existing *Handle, inserted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[h.Identity]; ok {
		return cur, false
	}
	r.handles[h.Identity] = h
	r.order = append(r.order, h.Identity)
	return h, true
}

// Remove deletes the identity and returns the handle that was stored
func (r *Registry) Remove(identity string) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.handles[identity]
	if !ok {
		return nil, false
	}
	r.removeLocked(identity)
	return h, true
}

// RemoveHandle deletes h only if it is still the handle stored for its identity
func (r *Registry) RemoveHandle(h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.handles[h.Identity]; !ok || cur != h {
		return false
	}
	r.removeLocked(h.Identity)
	return true
}

func (r *Registry) removeLocked(identity string) {
	delete(r.handles, identity)
	for i, id := range r.order {
		if id == identity {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Len returns the number of live handles
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handles)
}

// List returns all handles in insertion order
func (r *Registry) List() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.handles[id])
	}
	return out
}

// Resolve finds the handle for a full or short identity. An exact identity
// always wins. Otherwise every identity ending in query is a candidate and the
// most recently inserted one is selected; callers decide whether an ambiguous
// match is acceptable.
func (r *Registry) Resolve(query string) Match {
	if query == "" {
		return Match{}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.handles[query]; ok {
		return Match{Handle: h, Candidates: []string{query}, Exact: true}
	}

	var m Match
	for _, id := range r.order {
		if strings.HasSuffix(id, query) {
			m.Candidates = append(m.Candidates, id)
			m.Handle = r.handles[id]
		}
	}
	return m
}
