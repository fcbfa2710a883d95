package tokenizer

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// MinHMACKeySize is the shortest HS256 secret accepted, in bytes.
const MinHMACKeySize = 32

// KeyProvider holds the signing material of the process. It is built once
// at startup and never mutated.
type KeyProvider struct {
	method    jwt.SigningMethod
	signKey   any
	verifyKey any
}

// NewHMACKey creates an HS256 key provider from a raw secret
func NewHMACKey(secret []byte) (*KeyProvider, error) {
	if len(secret) < MinHMACKeySize {
		return nil, fmt.Errorf("hmac secret must be at least %d bytes, got %d", MinHMACKeySize, len(secret))
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &KeyProvider{method: jwt.SigningMethodHS256, signKey: key, verifyKey: key}, nil
}

// NewHMACKeyFromBase64 decodes a standard base64 secret
func NewHMACKeyFromBase64(secret string) (*KeyProvider, error) {
	raw, err := base64.StdEncoding.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hmac secret: %w", err)
	}
	return NewHMACKey(raw)
}

// NewECDSAKey creates an ES256 key provider
func NewECDSAKey(priv *ecdsa.PrivateKey) (*KeyProvider, error) {
	if priv == nil {
		return nil, errors.New("ecdsa key is nil")
	}
	if priv.Curve != elliptic.P256() {
		return nil, errors.New("ecdsa key must use the P-256 curve")
	}
	return &KeyProvider{method: jwt.SigningMethodES256, signKey: priv, verifyKey: &priv.PublicKey}, nil
}

// ParseECDSAKeyPEM loads an ES256 key provider from a PEM encoded private key
func ParseECDSAKeyPEM(pemBytes []byte) (*KeyProvider, error) {
	priv, err := jwt.ParseECPrivateKeyFromPEM(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse ecdsa key: %w", err)
	}
	return NewECDSAKey(priv)
}

// Algorithm returns the JWT "alg" value of the key
func (k *KeyProvider) Algorithm() string {
	if k == nil || k.method == nil {
		return ""
	}
	return k.method.Alg()
}

func (k *KeyProvider) usable() bool {
	return k != nil && k.method != nil && k.signKey != nil && k.verifyKey != nil
}
