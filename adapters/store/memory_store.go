package store

import (
	"context"
	"sync"
	"time"

	"github.com/layer-3/gatekeep/core"
	"github.com/layer-3/gatekeep/ports"
)

type family struct {
	principal string
	seq       uint64
	expiresAt time.Time
}

// MemoryStore is an in-memory implementation of the RevocationStore
// interface. It is meant for tests and single-node development.
type MemoryStore struct {
	mu          sync.Mutex
	revoked     map[string]time.Time
	compromised map[string]time.Time
	families    map[string]*family
	byPrincipal map[string]map[string]struct{}
	now         func() time.Time
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return newMemoryStore(time.Now)
}

var _ ports.RevocationStore = (*MemoryStore)(nil)

func newMemoryStore(now func() time.Time) *MemoryStore {
	return &MemoryStore{
		revoked:     make(map[string]time.Time),
		compromised: make(map[string]time.Time),
		families:    make(map[string]*family),
		byPrincipal: make(map[string]map[string]struct{}),
		now:         now,
	}
}

// MarkRevoked marks a token as revoked
func (s *MemoryStore) MarkRevoked(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	expiry := s.now().Add(ttl)
	if cur, ok := s.revoked[tokenID]; !ok || cur.Before(expiry) {
		s.revoked[tokenID] = expiry
	}
	return nil
}

// Claim revokes id unless it is already revoked
func (s *MemoryStore) Claim(ctx context.Context, id string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if live(s.revoked, id, now) {
		return false, nil
	}
	s.revoked[id] = now.Add(ttl)
	return true, nil
}

// IsRevoked checks if a token or its family is revoked
func (s *MemoryStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if live(s.revoked, tokenID, now) {
		return true, nil
	}
	if family := core.FamilyOf(tokenID); family != "" && live(s.compromised, family, now) {
		return true, nil
	}
	return false, nil
}

// MarkFamilyCompromised revokes every token of a family
func (s *MemoryStore) MarkFamilyCompromised(ctx context.Context, familyID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.compromised[familyID] = s.now().Add(ttl)
	if f, ok := s.families[familyID]; ok {
		s.unindex(f.principal, familyID)
		delete(s.families, familyID)
	}
	return nil
}

// OpenFamily stores sequence 0 for a new family
func (s *MemoryStore) OpenFamily(ctx context.Context, principalID, familyID string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.families[familyID] = &family{principal: principalID, expiresAt: s.now().Add(ttl)}
	set, ok := s.byPrincipal[principalID]
	if !ok {
		set = make(map[string]struct{})
		s.byPrincipal[principalID] = set
	}
	set[familyID] = struct{}{}
	return nil
}

// Families lists the live families of a principal
func (s *MemoryStore) Families(ctx context.Context, principalID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []string
	for id := range s.byPrincipal[principalID] {
		f, ok := s.families[id]
		if !ok || !f.expiresAt.After(now) {
			s.unindex(principalID, id)
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

// CompareAndRotate advances a family under the store lock
func (s *MemoryStore) CompareAndRotate(ctx context.Context, familyID string, expected uint64, revokeTTL, nextTTL time.Duration) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if live(s.compromised, familyID, now) {
		return 0, core.ErrSessionCompromised
	}
	f, ok := s.families[familyID]
	if !ok || !f.expiresAt.After(now) {
		return 0, core.ErrSessionNotFound
	}
	if f.seq != expected {
		return 0, core.ErrStaleSequence
	}

	f.seq++
	f.expiresAt = now.Add(nextTTL)
	if revokeTTL > 0 {
		s.revoked[core.RefreshTokenID(familyID, expected)] = now.Add(revokeTTL)
	}
	return f.seq, nil
}

// Purge drops expired entries. Lookups already ignore them; this only
// bounds memory.
func (s *MemoryStore) Purge() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, exp := range s.revoked {
		if !exp.After(now) {
			delete(s.revoked, k)
		}
	}
	for k, exp := range s.compromised {
		if !exp.After(now) {
			delete(s.compromised, k)
		}
	}
	for id, f := range s.families {
		if !f.expiresAt.After(now) {
			s.unindex(f.principal, id)
			delete(s.families, id)
		}
	}
}

// RunJanitor purges expired entries every interval until ctx is done
func (s *MemoryStore) RunJanitor(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Purge()
		}
	}
}

// unindex drops familyID from the principal's set and the set once empty.
// Callers hold mu.
func (s *MemoryStore) unindex(principalID, familyID string) {
	set := s.byPrincipal[principalID]
	delete(set, familyID)
	if len(set) == 0 {
		delete(s.byPrincipal, principalID)
	}
}

func live(m map[string]time.Time, key string, now time.Time) bool {
	exp, ok := m[key]
	return ok && exp.After(now)
}
