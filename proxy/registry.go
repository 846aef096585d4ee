// Copyright 2026 The Sensormux Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"errors"
	"sync"

	"github.com/google/uuid"
)

// ErrRegistryFull is returned when adding a session would exceed the
// registry's fixed capacity. The connection is rejected before the
// handshake; existing sessions are unaffected.
var ErrRegistryFull = errors.New("proxy: session registry at capacity")

// Registry is the bounded set of live sessions, keyed by session ID.
// It shares the server's mutex with the arbiter: registry membership
// and aggregate sensor state must change atomically with respect to
// each other, and one lock covers both. Iteration order is not
// significant.
type Registry struct {
	mu       *sync.Mutex
	capacity int
	sessions map[uuid.UUID]*Session
}

// NewRegistry creates a registry guarded by the shared mutex mu.
func NewRegistry(mu *sync.Mutex, capacity int) *Registry {
	return &Registry{
		mu:       mu,
		capacity: capacity,
		sessions: make(map[uuid.UUID]*Session, capacity),
	}
}

// Add registers a session. Returns ErrRegistryFull at capacity.
func (r *Registry) Add(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.sessions) >= r.capacity {
		return ErrRegistryFull
	}
	r.sessions[s.ID] = s
	return nil
}

// Remove deletes a session by ID. Reports whether it was present.
func (r *Registry) Remove(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return false
	}
	delete(r.sessions, id)
	return true
}

// Get returns the session with the given ID, or nil.
func (r *Registry) Get(id uuid.UUID) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[id]
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Full reports whether the registry is at capacity. The accept path
// checks this before spending a handshake on a doomed connection; Add
// re-checks under the same lock, so a race between two accepts still
// cannot overfill the registry.
func (r *Registry) Full() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions) >= r.capacity
}

// forEachLocked iterates the live sessions. Callers must hold the
// shared mutex.
func (r *Registry) forEachLocked(fn func(*Session)) {
	for _, s := range r.sessions {
		fn(s)
	}
}
