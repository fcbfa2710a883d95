package gateway

import (
	"errors"

	"github.com/layer-3/gatekeep/core"
)

// WebSocket close codes sent to clients. The 44xx range is private to
// gatekeep; clients refresh and reconnect on CloseExpired and log in again
// on CloseRevoked and CloseCompromised.
const (
	CloseNormal        = 1000
	CloseTryAgainLater = 1013

	CloseMissingToken = 4401
	CloseExpired      = 4402
	CloseRevoked      = 4403
	CloseInvalid      = 4404
	CloseIdle         = 4408
	CloseCompromised  = 4409
)

// ErrMissingToken is returned by OnConnect when no token was presented.
var ErrMissingToken = errors.New("missing access token")

// CloseCodeFor maps an authentication failure to its close code and reason.
func CloseCodeFor(err error) (int, string) {
	reason := core.ReasonOf(err)
	switch {
	case errors.Is(reason, ErrMissingToken):
		return CloseMissingToken, "missing token"
	case errors.Is(reason, core.ErrExpired):
		return CloseExpired, "token expired"
	case errors.Is(reason, core.ErrSessionCompromised):
		return CloseCompromised, "session compromised"
	case errors.Is(reason, core.ErrRevoked):
		return CloseRevoked, "token revoked"
	case errors.Is(reason, core.ErrStoreUnavailable):
		return CloseTryAgainLater, "try again later"
	default:
		return CloseInvalid, "invalid token"
	}
}
