package ports

import (
	"context"

	"github.com/layer-3/gatekeep/core"
)

// IdentityProvider checks credentials on behalf of the session manager.
// It returns core.ErrAuthFailed when the credentials do not match.
type IdentityProvider interface {
	CheckCredentials(ctx context.Context, creds core.Credentials) (core.Principal, error)
}

// ChallengeIssuer is implemented by identity providers that need a signed
// challenge before login.
type ChallengeIssuer interface {
	Challenge(ctx context.Context, address string) (string, error)
}
