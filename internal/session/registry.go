// SPDX-License-Identifier: MIT

package session

import (
	"errors"
	"sort"
	"sync"
)

var ErrDuplicateAccount = errors.New("account already registered")

// Registry is the identity-addressed session store. The registry lock only
// guards registration and deregistration; per-session state is guarded by
// each session's own mutex. Readers take snapshots.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Register adds a session under its account label.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[s.Account]; exists {
		return ErrDuplicateAccount
	}
	r.sessions[s.Account] = s
	return nil
}

// Deregister removes a session by account label.
func (r *Registry) Deregister(account string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, account)
}

// Get returns the session for an account.
func (r *Registry) Get(account string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[account]
	return s, ok
}

// Snapshot returns the sessions sorted by account label.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Account < out[j].Account })
	return out
}

// Eligible returns the sessions currently allowed to receive intents:
// lifecycle READY and health HEALTHY.
func (r *Registry) Eligible() []*Session {
	var out []*Session
	for _, s := range r.Snapshot() {
		if s.Eligible() {
			out = append(out, s)
		}
	}
	return out
}
