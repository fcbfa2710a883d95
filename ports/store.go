package ports

import (
	"context"
	"time"
)

// RevocationStore records revoked tokens and the live refresh sequence of
// every session family. Entries expire on their own.
type RevocationStore interface {
	// MarkRevoked revokes a single token id. Idempotent.
	MarkRevoked(ctx context.Context, tokenID string, ttl time.Duration) error

	// Claim revokes id and reports whether this call was the one that did
	// it. Exactly one of any number of concurrent callers gets true.
	Claim(ctx context.Context, id string, ttl time.Duration) (bool, error)

	// IsRevoked reports whether the token id, or its family, is revoked.
	IsRevoked(ctx context.Context, tokenID string) (bool, error)

	// MarkFamilyCompromised revokes every token of the family.
	MarkFamilyCompromised(ctx context.Context, familyID string, ttl time.Duration) error

	// OpenFamily starts a family at sequence 0 and indexes it under the principal.
	OpenFamily(ctx context.Context, principalID, familyID string, ttl time.Duration) error

	// Families lists the families of a principal that have not been compromised.
	Families(ctx context.Context, principalID string) ([]string, error)

	// CompareAndRotate advances the family from expected to expected+1 and
	// revokes the expected sequence, atomically. It fails with
	// core.ErrStaleSequence when expected is not the current sequence.
	CompareAndRotate(ctx context.Context, familyID string, expected uint64, revokeTTL, nextTTL time.Duration) (uint64, error)
}
