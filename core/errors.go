package core

import "errors"

var (
	ErrMalformed          = errors.New("malformed token")
	ErrInvalidSignature   = errors.New("invalid signature")
	ErrExpired            = errors.New("token has expired")
	ErrRevoked            = errors.New("token has been revoked")
	ErrSessionCompromised = errors.New("session compromised")
	ErrStoreUnavailable   = errors.New("revocation store unavailable")
	ErrUnauthenticated    = errors.New("unauthenticated")

	ErrSigning          = errors.New("signing key unavailable")
	ErrAuthFailed       = errors.New("authentication failed")
	ErrInvalidChallenge = errors.New("invalid challenge")
	ErrStaleSequence    = errors.New("stale refresh sequence")
	ErrSessionNotFound  = errors.New("session not found")
	ErrWrongTokenKind   = errors.New("unexpected token kind")
)

// AuthError is what access validation returns to callers. It always matches
// ErrUnauthenticated and prints nothing more specific; Reason keeps the
// underlying kind for logs and for transports that pick close codes.
type AuthError struct {
	Reason error
}

func (e *AuthError) Error() string { return ErrUnauthenticated.Error() }

func (e *AuthError) Is(target error) bool { return target == ErrUnauthenticated }

func (e *AuthError) Unwrap() error { return e.Reason }

// Unauthenticated wraps reason into an *AuthError.
func Unauthenticated(reason error) error {
	return &AuthError{Reason: reason}
}

// ReasonOf returns the specific failure behind an access validation error.
func ReasonOf(err error) error {
	var authErr *AuthError
	if errors.As(err, &authErr) && authErr.Reason != nil {
		return authErr.Reason
	}
	return err
}
