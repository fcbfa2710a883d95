package core

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTokenIDs_AreFamilyScoped(t *testing.T) {
	assert.Equal(t, "fam.3", RefreshTokenID("fam", 3))
	assert.Equal(t, "fam.a-xyz", AccessTokenID("fam", "xyz"))

	assert.Equal(t, "fam", FamilyOf(RefreshTokenID("fam", 0)))
	assert.Equal(t, "fam", FamilyOf(AccessTokenID("fam", "xyz")))
	assert.Equal(t, "", FamilyOf("standalone"))

	r := RefreshToken{FamilyID: "f1", Sequence: 9}
	assert.Equal(t, "f1.9", r.ID())
}

func TestAuthError_HidesReason(t *testing.T) {
	err := Unauthenticated(ErrRevoked)

	assert.Equal(t, "unauthenticated", err.Error())
	assert.ErrorIs(t, err, ErrUnauthenticated)
	assert.ErrorIs(t, err, ErrRevoked)
	assert.NotErrorIs(t, err, ErrExpired)

	wrapped := fmt.Errorf("validate: %w", err)
	assert.Equal(t, ErrRevoked, ReasonOf(wrapped))
}

func TestReasonOf_PassesThroughOtherErrors(t *testing.T) {
	plain := errors.New("boom")
	assert.Equal(t, plain, ReasonOf(plain))
	assert.Nil(t, ReasonOf(nil))
}
