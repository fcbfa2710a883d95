package tokenizer

import "github.com/golang-jwt/jwt/v5"

// ChallengeClaims combines standard claims with challenge-specific ones
type ChallengeClaims struct {
	jwt.RegisteredClaims
	Nonce string `json:"nonce"`
}

// AccessClaims combines standard claims with access-specific ones
type AccessClaims struct {
	jwt.RegisteredClaims
	FamilyID string            `json:"fid"` // session family the token belongs to
	Claims   map[string]string `json:"clm,omitempty"`
}

// RefreshClaims carry the family and its rotation sequence
type RefreshClaims struct {
	jwt.RegisteredClaims
	FamilyID string            `json:"fid"`
	Sequence uint64            `json:"seq"`
	Claims   map[string]string `json:"clm,omitempty"` // carried so a rotation can reissue access
}

// anyClaims decodes every token kind; the audience tells them apart.
type anyClaims struct {
	jwt.RegisteredClaims
	FamilyID string            `json:"fid,omitempty"`
	Sequence uint64            `json:"seq,omitempty"`
	Claims   map[string]string `json:"clm,omitempty"`
	Nonce    string            `json:"nonce,omitempty"`
}
