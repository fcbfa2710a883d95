package tokenizer

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/layer-3/gatekeep/core"
	"github.com/layer-3/gatekeep/ports"
)

const AudienceChallenge = string(core.KindChallenge)
const AudienceAccess = string(core.KindAccess)
const AudienceRefresh = string(core.KindRefresh)

// JWTTokenizer implements the Tokenizer interface using JWT
type JWTTokenizer struct {
	keys   *KeyProvider
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// Option configures a JWTTokenizer
type Option func(*JWTTokenizer)

// WithIssuer sets the "iss" claim and requires it on verification
func WithIssuer(issuer string) Option {
	return func(j *JWTTokenizer) { j.issuer = issuer }
}

// WithLeeway allows some clock skew when checking expiry
func WithLeeway(d time.Duration) Option {
	return func(j *JWTTokenizer) { j.leeway = d }
}

// WithClock replaces time.Now, for tests
func WithClock(now func() time.Time) Option {
	return func(j *JWTTokenizer) { j.now = now }
}

// NewJWTTokenizer creates a new JWT tokenizer
func NewJWTTokenizer(keys *KeyProvider, opts ...Option) ports.Tokenizer {
	j := &JWTTokenizer{keys: keys, now: time.Now}
	for _, opt := range opts {
		opt(j)
	}
	return j
}

// ChallengeToToken converts a Challenge to a JWT token
func (j *JWTTokenizer) ChallengeToToken(challenge *core.Challenge) (string, error) {
	claims := ChallengeClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   challenge.Address,
			ID:        challenge.ID,
			ExpiresAt: jwt.NewNumericDate(challenge.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(challenge.IssuedAt),
			Audience:  jwt.ClaimStrings{AudienceChallenge},
		},
		Nonce: challenge.Nonce,
	}
	return j.sign(claims)
}

// TokenToChallenge converts a JWT token to a Challenge
func (j *JWTTokenizer) TokenToChallenge(tokenStr string) (*core.Challenge, error) {
	claims, err := j.Verify(tokenStr)
	if err != nil {
		return nil, err
	}
	if claims.Kind != core.KindChallenge {
		return nil, core.ErrWrongTokenKind
	}
	return &core.Challenge{
		ID:        claims.ID,
		Address:   claims.Subject,
		Nonce:     claims.Claims["nonce"],
		IssuedAt:  claims.IssuedAt,
		ExpiresAt: claims.ExpiresAt,
	}, nil
}

// IssueAccess signs a short-lived access token for the principal
func (j *JWTTokenizer) IssueAccess(principal core.Principal, familyID string, ttl time.Duration) (string, *core.AccessToken, error) {
	now := j.now()
	token := &core.AccessToken{
		ID:          core.AccessTokenID(familyID, uuid.NewString()),
		PrincipalID: principal.ID,
		FamilyID:    familyID,
		Claims:      maps.Clone(principal.Claims),
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}

	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   token.PrincipalID,
			ID:        token.ID,
			ExpiresAt: jwt.NewNumericDate(token.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(token.IssuedAt),
			Audience:  jwt.ClaimStrings{AudienceAccess},
		},
		FamilyID: familyID,
		Claims:   token.Claims,
	}

	signed, err := j.sign(claims)
	if err != nil {
		return "", nil, err
	}
	return signed, token, nil
}

// IssueRefresh signs a refresh token for one step of a family
func (j *JWTTokenizer) IssueRefresh(principal core.Principal, familyID string, sequence uint64, ttl time.Duration) (string, *core.RefreshToken, error) {
	now := j.now()
	token := &core.RefreshToken{
		PrincipalID: principal.ID,
		FamilyID:    familyID,
		Claims:      maps.Clone(principal.Claims),
		Sequence:    sequence,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}

	claims := RefreshClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    j.issuer,
			Subject:   token.PrincipalID,
			ID:        token.ID(),
			ExpiresAt: jwt.NewNumericDate(token.ExpiresAt),
			IssuedAt:  jwt.NewNumericDate(token.IssuedAt),
			Audience:  jwt.ClaimStrings{AudienceRefresh},
		},
		FamilyID: familyID,
		Sequence: sequence,
		Claims:   token.Claims,
	}

	signed, err := j.sign(claims)
	if err != nil {
		return "", nil, err
	}
	return signed, token, nil
}

// Verify checks the signature and expiry of any token kind
func (j *JWTTokenizer) Verify(tokenStr string) (*core.Claims, error) {
	if !j.keys.usable() {
		return nil, core.ErrSigning
	}
	if tokenStr == "" {
		return nil, core.ErrMalformed
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{j.keys.method.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(j.leeway),
		jwt.WithTimeFunc(j.now),
	}
	if j.issuer != "" {
		opts = append(opts, jwt.WithIssuer(j.issuer))
	}

	raw := &anyClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, raw, func(token *jwt.Token) (interface{}, error) {
		return j.keys.verifyKey, nil
	}, opts...)

	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		// Signature was checked before claims, so the payload is trustworthy.
		claims, convErr := toClaims(raw)
		if convErr != nil {
			return nil, convErr
		}
		return claims, core.ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidSignature, err)
	default:
		return nil, fmt.Errorf("%w: %v", core.ErrMalformed, err)
	}

	return toClaims(raw)
}

func (j *JWTTokenizer) sign(claims jwt.Claims) (string, error) {
	if !j.keys.usable() {
		return "", core.ErrSigning
	}
	token := jwt.NewWithClaims(j.keys.method, claims)
	signed, err := token.SignedString(j.keys.signKey)
	if err != nil {
		return "", fmt.Errorf("%w: %v", core.ErrSigning, err)
	}
	return signed, nil
}

func toClaims(raw *anyClaims) (*core.Claims, error) {
	if len(raw.Audience) != 1 || (raw.Subject == "" && raw.Audience[0] != AudienceChallenge) {
		return nil, core.ErrMalformed
	}

	claims := &core.Claims{
		Kind:     core.TokenKind(raw.Audience[0]),
		ID:       raw.ID,
		Subject:  raw.Subject,
		FamilyID: raw.FamilyID,
		Sequence: raw.Sequence,
		Claims:   raw.Claims,
	}
	if raw.IssuedAt != nil {
		claims.IssuedAt = raw.IssuedAt.Time
	}
	if raw.ExpiresAt != nil {
		claims.ExpiresAt = raw.ExpiresAt.Time
	}

	switch claims.Kind {
	case core.KindAccess:
		if claims.FamilyID == "" || core.FamilyOf(claims.ID) != claims.FamilyID {
			return nil, core.ErrMalformed
		}
	case core.KindRefresh:
		if claims.FamilyID == "" || claims.ID != core.RefreshTokenID(claims.FamilyID, claims.Sequence) {
			return nil, core.ErrMalformed
		}
	case core.KindChallenge:
		claims.Claims = map[string]string{"nonce": raw.Nonce}
	default:
		return nil, core.ErrMalformed
	}

	return claims, nil
}
