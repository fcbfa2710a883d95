package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/layer-3/gatekeep/core"
	"github.com/layer-3/gatekeep/ports"
)

// Wallet logs in Ethereum accounts that sign a server issued nonce with
// personal_sign. Credentials.Identifier is the address, Secret the hex
// signature and Challenge the challenge token.
type Wallet struct {
	tokenizer ports.Tokenizer
	store     ports.RevocationStore
	ttl       time.Duration
	now       func() time.Time
}

// NewWallet creates a wallet identity provider. store, when set, makes
// every challenge single use.
func NewWallet(tokenizer ports.Tokenizer, store ports.RevocationStore, ttl time.Duration) *Wallet {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Wallet{tokenizer: tokenizer, store: store, ttl: ttl, now: time.Now}
}

// Challenge generates a new authentication challenge
func (w *Wallet) Challenge(_ context.Context, address string) (string, error) {
	if !common.IsHexAddress(address) {
		return "", fmt.Errorf("%w: bad address", core.ErrInvalidChallenge)
	}

	nonceBytes := make([]byte, 32)
	if _, err := rand.Read(nonceBytes); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	now := w.now()
	token, err := w.tokenizer.ChallengeToToken(&core.Challenge{
		ID:        uuid.NewString(),
		Address:   common.HexToAddress(address).Hex(),
		Nonce:     hex.EncodeToString(nonceBytes),
		IssuedAt:  now,
		ExpiresAt: now.Add(w.ttl),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create token: %w", err)
	}
	return token, nil
}

// CheckCredentials verifies the signature over the challenge nonce
func (w *Wallet) CheckCredentials(ctx context.Context, creds core.Credentials) (core.Principal, error) {
	challenge, err := w.tokenizer.TokenToChallenge(creds.Challenge)
	if err != nil {
		return core.Principal{}, fmt.Errorf("%w: %w", core.ErrAuthFailed, core.ErrInvalidChallenge)
	}
	if !common.IsHexAddress(creds.Identifier) || common.HexToAddress(creds.Identifier) != common.HexToAddress(challenge.Address) {
		return core.Principal{}, fmt.Errorf("%w: address mismatch", core.ErrAuthFailed)
	}

	if err := VerifySignature(challenge.Nonce, creds.Secret, challenge.Address); err != nil {
		return core.Principal{}, fmt.Errorf("%w: %w", core.ErrAuthFailed, err)
	}

	if w.store != nil {
		claimed, err := w.store.Claim(ctx, challenge.ID, challenge.ExpiresAt.Sub(w.now()))
		if err != nil {
			return core.Principal{}, err
		}
		if !claimed {
			return core.Principal{}, fmt.Errorf("%w: challenge already used", core.ErrAuthFailed)
		}
	}

	return core.Principal{
		ID:     challenge.Address,
		Claims: map[string]string{"auth": "wallet"},
	}, nil
}

// VerifySignature checks a personal_sign signature of message by address
func VerifySignature(message, signature, address string) error {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return fmt.Errorf("failed to decode signature: %w", core.ErrInvalidSignature)
	}
	if len(sig) != crypto.SignatureLength {
		return fmt.Errorf("signature must be 65 bytes: %w", core.ErrInvalidSignature)
	}

	// Wallets use 27/28 for the recovery id.
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(message)), sig)
	if err != nil {
		return fmt.Errorf("%w: %v", core.ErrInvalidSignature, err)
	}
	if crypto.PubkeyToAddress(*pub) != common.HexToAddress(address) {
		return core.ErrInvalidSignature
	}
	return nil
}

// Dispatch routes wallet credentials to Wallet and the rest to Password
type Dispatch struct {
	Password ports.IdentityProvider
	Wallet   *Wallet
}

func (d *Dispatch) CheckCredentials(ctx context.Context, creds core.Credentials) (core.Principal, error) {
	if creds.Challenge != "" {
		if d.Wallet == nil {
			return core.Principal{}, core.ErrAuthFailed
		}
		return d.Wallet.CheckCredentials(ctx, creds)
	}
	if d.Password == nil {
		return core.Principal{}, core.ErrAuthFailed
	}
	return d.Password.CheckCredentials(ctx, creds)
}

func (d *Dispatch) Challenge(ctx context.Context, address string) (string, error) {
	if d.Wallet == nil {
		return "", errors.ErrUnsupported
	}
	return d.Wallet.Challenge(ctx, address)
}
