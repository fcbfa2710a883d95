package ports

import (
	"time"

	"github.com/layer-3/gatekeep/core"
)

// Tokenizer converts between domain objects and signed tokens
type Tokenizer interface {
	// Challenge token operations
	ChallengeToToken(challenge *core.Challenge) (string, error)
	TokenToChallenge(token string) (*core.Challenge, error)

	// Session token operations
	IssueAccess(principal core.Principal, familyID string, ttl time.Duration) (string, *core.AccessToken, error)
	IssueRefresh(principal core.Principal, familyID string, sequence uint64, ttl time.Duration) (string, *core.RefreshToken, error)

	// Verify checks signature and expiry. On core.ErrExpired the decoded
	// claims are returned together with the error.
	Verify(token string) (*core.Claims, error)
}
