package identity

import (
	"context"
	"fmt"
	"maps"

	"github.com/layer-3/gatekeep/core"
	"golang.org/x/crypto/bcrypt"
)

// User is one entry of a PasswordDirectory
type User struct {
	PasswordHash string
	Claims       map[string]string
}

// PasswordDirectory checks identifier/password pairs against bcrypt hashes
type PasswordDirectory struct {
	users map[string]User
	dummy []byte
}

// NewPasswordDirectory validates every hash up front
func NewPasswordDirectory(users map[string]User) (*PasswordDirectory, error) {
	for id, u := range users {
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %q: %w", id, err)
		}
	}

	// Unknown identifiers still pay for one comparison.
	dummy, err := bcrypt.GenerateFromPassword([]byte("gatekeep"), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}
	return &PasswordDirectory{users: maps.Clone(users), dummy: dummy}, nil
}

// CheckCredentials implements ports.IdentityProvider
func (d *PasswordDirectory) CheckCredentials(_ context.Context, creds core.Credentials) (core.Principal, error) {
	u, ok := d.users[creds.Identifier]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(d.dummy, []byte(creds.Secret))
		return core.Principal{}, core.ErrAuthFailed
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(creds.Secret)); err != nil {
		return core.Principal{}, core.ErrAuthFailed
	}
	return core.Principal{ID: creds.Identifier, Claims: maps.Clone(u.Claims)}, nil
}

// HashPassword returns a bcrypt hash suitable for the directory
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
