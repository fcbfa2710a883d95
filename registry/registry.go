// Package registry maps principals to their live push connections.
package registry

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/layer-3/gatekeep/core"
)

const DefaultShards = 32

// Registry is a sharded principal -> connections map. Every shard has its
// own lock; channels are never written to while a lock is held.
type Registry struct {
	shards []*shard
}

type shard struct {
	mu    sync.RWMutex
	conns map[string]map[string]*Handle // principal -> handle id -> handle
}

// New creates a registry with n shards
func New(n int) *Registry {
	if n <= 0 {
		n = DefaultShards
	}
	r := &Registry{shards: make([]*shard, n)}
	for i := range r.shards {
		r.shards[i] = &shard{conns: make(map[string]map[string]*Handle)}
	}
	return r
}

func (r *Registry) shardFor(principalID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(principalID))
	return r.shards[h.Sum32()%uint32(len(r.shards))]
}

// Register adds an authenticated handle
func (r *Registry) Register(h *Handle) error {
	if h.State() != StateAuthenticated {
		return ErrNotAuthenticated
	}

	s := r.shardFor(h.PrincipalID())
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.conns[h.PrincipalID()]
	if !ok {
		set = make(map[string]*Handle)
		s.conns[h.PrincipalID()] = set
	}
	set[h.ID] = h
	return nil
}

// Unregister removes a handle. It reports whether the handle was present.
func (r *Registry) Unregister(h *Handle) bool {
	s := r.shardFor(h.PrincipalID())
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.conns[h.PrincipalID()]
	if !ok {
		return false
	}
	if _, ok := set[h.ID]; !ok {
		return false
	}
	delete(set, h.ID)
	if len(set) == 0 {
		delete(s.conns, h.PrincipalID())
	}
	return true
}

// Connections returns the live handles of a principal
func (r *Registry) Connections(principalID string) []*Handle {
	s := r.shardFor(principalID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Handle, 0, len(s.conns[principalID]))
	for _, h := range s.conns[principalID] {
		out = append(out, h)
	}
	return out
}

// ForEachConnection calls fn for every live connection of the principal and
// returns how many calls succeeded. Closed handles, and handles whose channel
// reports ErrChannelClosed, are unregistered.
func (r *Registry) ForEachConnection(principalID string, fn func(*Handle) error) int {
	ok := 0
	for _, h := range r.Connections(principalID) {
		if h.State() == StateClosed {
			r.Unregister(h)
			continue
		}
		err := fn(h)
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrChannelClosed):
			r.Unregister(h)
		}
	}
	return ok
}

// Send queues event on every connection of the principal.
func (r *Registry) Send(ctx context.Context, principalID string, event core.Event) int {
	return r.ForEachConnection(principalID, func(h *Handle) error {
		return h.Channel.Send(ctx, event)
	})
}

// EvictPrincipal closes and unregisters every connection of the principal.
func (r *Registry) EvictPrincipal(principalID string, code int, reason string) int {
	return r.evict(principalID, func(*Handle) bool { return true }, code, reason)
}

// EvictSession closes the connections authenticated with one session family.
func (r *Registry) EvictSession(principalID, sessionID string, code int, reason string) int {
	return r.evict(principalID, func(h *Handle) bool { return h.SessionID() == sessionID }, code, reason)
}

func (r *Registry) evict(principalID string, match func(*Handle) bool, code int, reason string) int {
	s := r.shardFor(principalID)

	s.mu.Lock()
	var victims []*Handle
	for id, h := range s.conns[principalID] {
		if match(h) {
			victims = append(victims, h)
			delete(s.conns[principalID], id)
		}
	}
	if len(s.conns[principalID]) == 0 {
		delete(s.conns, principalID)
	}
	s.mu.Unlock()

	for _, h := range victims {
		h.Close(code, reason)
	}
	return len(victims)
}

// Snapshot returns every registered handle
func (r *Registry) Snapshot() []*Handle {
	var out []*Handle
	for _, s := range r.shards {
		s.mu.RLock()
		for _, set := range s.conns {
			for _, h := range set {
				out = append(out, h)
			}
		}
		s.mu.RUnlock()
	}
	return out
}

// Count returns the number of registered handles
func (r *Registry) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for _, set := range s.conns {
			n += len(set)
		}
		s.mu.RUnlock()
	}
	return n
}
