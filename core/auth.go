package core

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// TokenKind tells the token codec which kind of token it is looking at
type TokenKind string

const (
	KindChallenge TokenKind = "session:challenge"
	KindAccess    TokenKind = "session:access"
	KindRefresh   TokenKind = "session:refresh"
)

// LogoutScope selects which sessions a logout affects
type LogoutScope string

const (
	ScopeSession LogoutScope = "session"
	ScopeAll     LogoutScope = "all"
)

// Challenge represents an authentication challenge
type Challenge struct {
	ID        string    // Unique identifier for the challenge
	Address   string    // Ethereum address of the user
	Nonce     string    // Random nonce to be signed
	IssuedAt  time.Time // When the challenge was created
	ExpiresAt time.Time // When the challenge expires
}

// Credentials are handed to the identity collaborator on login.
// Challenge is only set for wallet logins.
type Credentials struct {
	Identifier string
	Secret     string
	Challenge  string
}

// Principal is an authenticated identity.
//
// ID and Claims come from the identity collaborator. SessionID, TokenID and
// ExpiresAt are only set when the principal was derived from an access token.
type Principal struct {
	ID        string
	Claims    map[string]string
	SessionID string
	TokenID   string
	ExpiresAt time.Time
}

// AccessToken is the decoded form of a short-lived access token
type AccessToken struct {
	ID          string
	PrincipalID string
	FamilyID    string
	Claims      map[string]string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// RefreshToken is the decoded form of a refresh token
type RefreshToken struct {
	PrincipalID string
	FamilyID    string
	Sequence    uint64
	Claims      map[string]string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// ID returns the revocation identifier of the refresh token
func (r RefreshToken) ID() string {
	return RefreshTokenID(r.FamilyID, r.Sequence)
}

// Claims is what the token codec returns after verifying a token
type Claims struct {
	Kind      TokenKind
	ID        string
	Subject   string
	FamilyID  string
	Sequence  uint64
	Claims    map[string]string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenPair is the result of a login or a refresh
type TokenPair struct {
	AccessToken   string
	AccessExpiry  time.Time
	RefreshToken  string
	RefreshExpiry time.Time
	SessionID     string
}

// Event is a message pushed to a principal's live connections
type Event struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	SentAt  time.Time       `json:"sent_at"`
}

// RevocationEvent is broadcast to every node when sessions are revoked
type RevocationEvent struct {
	PrincipalID string      `json:"principal_id"`
	SessionIDs  []string    `json:"session_ids,omitempty"`
	Scope       LogoutScope `json:"scope"`
	Reason      string      `json:"reason"`
}

// Token identifiers are scoped to their family: "<familyID>.<suffix>".
const tokenIDSeparator = "."

// RefreshTokenID builds the revocation identifier of a refresh token
func RefreshTokenID(familyID string, seq uint64) string {
	return familyID + tokenIDSeparator + strconv.FormatUint(seq, 10)
}

// AccessTokenID builds the revocation identifier of an access token
func AccessTokenID(familyID, unique string) string {
	return familyID + tokenIDSeparator + "a-" + unique
}

// FamilyOf returns the family part of a token identifier, or "" when the
// identifier is not family scoped.
func FamilyOf(tokenID string) string {
	family, _, ok := strings.Cut(tokenID, tokenIDSeparator)
	if !ok {
		return ""
	}
	return family
}
