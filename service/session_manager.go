package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/gatekeep/core"
	"github.com/layer-3/gatekeep/internal/metrics"
	"github.com/layer-3/gatekeep/ports"
	"golang.org/x/sync/semaphore"
)

// DegradedPolicy decides what access checks do while the revocation store
// is unreachable. Refresh always fails closed.
type DegradedPolicy string

const (
	FailClosed DegradedPolicy = "fail_closed"
	FailOpen   DegradedPolicy = "fail_open"
)

// ErrNoDegradedPolicy is returned when the policy was left unset.
var ErrNoDegradedPolicy = errors.New("degraded policy must be fail_closed or fail_open")

// errCompromised matches both ErrSessionCompromised and ErrRevoked.
var errCompromised = fmt.Errorf("%w: %w", core.ErrSessionCompromised, core.ErrRevoked)

// Config holds the session lifetimes and revocation store limits
type Config struct {
	AccessTTL  time.Duration
	RefreshTTL time.Duration

	StoreTimeout time.Duration
	MaxInflight  int64
	Degraded     DegradedPolicy
}

// SessionManager issues, rotates and revokes session tokens
type SessionManager struct {
	tokenizer ports.Tokenizer
	store     ports.RevocationStore
	identity  ports.IdentityProvider
	eventPub  ports.EventPublisher

	cfg     Config
	sem     *semaphore.Weighted
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// Option configures a SessionManager
type Option func(*SessionManager)

func WithLogger(log *slog.Logger) Option {
	return func(s *SessionManager) { s.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *SessionManager) { s.metrics = m }
}

// WithEventPublisher broadcasts revocations to other nodes
func WithEventPublisher(pub ports.EventPublisher) Option {
	return func(s *SessionManager) { s.eventPub = pub }
}

func WithClock(now func() time.Time) Option {
	return func(s *SessionManager) { s.now = now }
}

// NewSessionManager creates a new session manager
func NewSessionManager(
	tokenizer ports.Tokenizer,
	store ports.RevocationStore,
	identity ports.IdentityProvider,
	cfg Config,
	opts ...Option,
) (*SessionManager, error) {
	switch cfg.Degraded {
	case FailClosed, FailOpen:
	default:
		return nil, ErrNoDegradedPolicy
	}
	if cfg.AccessTTL <= 0 || cfg.RefreshTTL <= 0 {
		return nil, errors.New("token lifetimes must be positive")
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 250 * time.Millisecond
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 256
	}

	s := &SessionManager{
		tokenizer: tokenizer,
		store:     store,
		identity:  identity,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxInflight),
		log:       slog.Default(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Challenge issues a wallet login challenge. It fails with
// errors.ErrUnsupported when the identity provider cannot verify one.
func (s *SessionManager) Challenge(ctx context.Context, address string) (string, error) {
	issuer, ok := s.identity.(ports.ChallengeIssuer)
	if !ok {
		return "", errors.ErrUnsupported
	}
	return issuer.Challenge(ctx, address)
}

// Login checks the credentials and opens a new session family at sequence 0
func (s *SessionManager) Login(ctx context.Context, creds core.Credentials) (core.TokenPair, error) {
	principal, err := s.identity.CheckCredentials(ctx, creds)
	if err != nil {
		s.metrics.SessionOp("login", "rejected")
		s.log.Info("session.login.rejected", "identifier", creds.Identifier, "error", err)
		if errors.Is(err, core.ErrAuthFailed) {
			return core.TokenPair{}, core.ErrAuthFailed
		}
		return core.TokenPair{}, fmt.Errorf("check credentials: %w", err)
	}

	familyID := uuid.NewString()
	err = s.withStore(ctx, "open_family", func(ctx context.Context) error {
		return s.store.OpenFamily(ctx, principal.ID, familyID, s.cfg.RefreshTTL)
	})
	if err != nil {
		s.metrics.SessionOp("login", "store_unavailable")
		s.log.Error("session.login.store", "principal", principal.ID, "error", err)
		return core.TokenPair{}, err
	}

	pair, err := s.issuePair(principal, familyID, 0)
	if err != nil {
		return core.TokenPair{}, err
	}

	s.metrics.SessionOp("login", "ok")
	s.log.Info("session.login", "principal", principal.ID, "session", familyID)
	return pair, nil
}

// Refresh rotates a refresh token. Presenting a superseded token
// compromises the whole family.
func (s *SessionManager) Refresh(ctx context.Context, refreshToken string) (core.TokenPair, error) {
	claims, err := s.tokenizer.Verify(refreshToken)
	if err != nil {
		s.metrics.SessionOp("refresh", "invalid")
		s.log.Info("session.refresh.rejected", "reason", err)
		return core.TokenPair{}, err
	}
	if claims.Kind != core.KindRefresh {
		s.metrics.SessionOp("refresh", "invalid")
		return core.TokenPair{}, fmt.Errorf("%w: %w", core.ErrMalformed, core.ErrWrongTokenKind)
	}

	revoked, err := s.isRevoked(ctx, claims.ID)
	if err != nil {
		return core.TokenPair{}, s.refreshDegraded(claims, err)
	}
	if revoked {
		return core.TokenPair{}, s.compromise(ctx, claims, "revoked sequence presented")
	}

	var next uint64
	err = s.withStore(ctx, "rotate", func(ctx context.Context) error {
		var err error
		next, err = s.store.CompareAndRotate(ctx, claims.FamilyID, claims.Sequence, s.remaining(claims.ExpiresAt), s.cfg.RefreshTTL)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, core.ErrStaleSequence):
		return core.TokenPair{}, s.compromise(ctx, claims, "stale sequence")
	case errors.Is(err, core.ErrSessionCompromised):
		s.metrics.SessionOp("refresh", "compromised")
		return core.TokenPair{}, errCompromised
	case errors.Is(err, core.ErrSessionNotFound):
		s.metrics.SessionOp("refresh", "revoked")
		return core.TokenPair{}, fmt.Errorf("%w: %w", core.ErrRevoked, err)
	default:
		return core.TokenPair{}, s.refreshDegraded(claims, err)
	}

	principal := core.Principal{ID: claims.Subject, Claims: claims.Claims}
	pair, err := s.issuePair(principal, claims.FamilyID, next)
	if err != nil {
		return core.TokenPair{}, err
	}

	s.metrics.SessionOp("refresh", "ok")
	s.log.Debug("session.refresh", "principal", claims.Subject, "session", claims.FamilyID, "seq", next)
	return pair, nil
}

// ValidateAccess returns the principal behind a valid access token. Every
// failure matches core.ErrUnauthenticated; core.ReasonOf tells them apart.
func (s *SessionManager) ValidateAccess(ctx context.Context, accessToken string) (core.Principal, error) {
	claims, err := s.tokenizer.Verify(accessToken)
	if err != nil {
		return core.Principal{}, s.reject("verify", err)
	}
	if claims.Kind != core.KindAccess {
		return core.Principal{}, s.reject("verify", core.ErrMalformed)
	}

	principal := core.Principal{
		ID:        claims.Subject,
		Claims:    claims.Claims,
		SessionID: claims.FamilyID,
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt,
	}
	if err := s.checkAccess(ctx, "validate", principal); err != nil {
		return core.Principal{}, err
	}

	s.metrics.SessionOp("validate", "ok")
	return principal, nil
}

// Recheck repeats only the revocation part of ValidateAccess. Long-lived
// connections call it periodically.
func (s *SessionManager) Recheck(ctx context.Context, principal core.Principal) error {
	if principal.TokenID == "" {
		return s.reject("recheck", core.ErrMalformed)
	}
	return s.checkAccess(ctx, "recheck", principal)
}

// Logout revokes the presented session, or every session of the principal.
func (s *SessionManager) Logout(ctx context.Context, principal core.Principal, scope core.LogoutScope) error {
	families := make([]string, 0, 1)
	if principal.SessionID != "" {
		families = append(families, principal.SessionID)
	}

	switch scope {
	case core.ScopeSession:
	case core.ScopeAll:
		var listed []string
		err := s.withStore(ctx, "families", func(ctx context.Context) error {
			var err error
			listed, err = s.store.Families(ctx, principal.ID)
			return err
		})
		if err != nil {
			return err
		}
		for _, id := range listed {
			if id != principal.SessionID {
				families = append(families, id)
			}
		}
	default:
		return fmt.Errorf("unknown logout scope %q", scope)
	}

	for _, familyID := range families {
		err := s.withStore(ctx, "compromise", func(ctx context.Context) error {
			return s.store.MarkFamilyCompromised(ctx, familyID, s.cfg.RefreshTTL)
		})
		if err != nil {
			return err
		}
	}

	if principal.TokenID != "" {
		err := s.withStore(ctx, "revoke", func(ctx context.Context) error {
			return s.store.MarkRevoked(ctx, principal.TokenID, s.remaining(principal.ExpiresAt))
		})
		if err != nil {
			return err
		}
	}

	s.metrics.SessionOp("logout", string(scope))
	s.log.Info("session.logout", "principal", principal.ID, "scope", scope, "sessions", len(families))
	s.publishRevocation(ctx, core.RevocationEvent{
		PrincipalID: principal.ID,
		SessionIDs:  families,
		Scope:       scope,
		Reason:      "logout",
	})
	return nil
}

// LogoutRefresh ends the session a refresh token belongs to. Expired
// tokens are accepted.
func (s *SessionManager) LogoutRefresh(ctx context.Context, refreshToken string) error {
	claims, err := s.tokenizer.Verify(refreshToken)
	if err != nil && !errors.Is(err, core.ErrExpired) {
		return err
	}
	if claims.Kind != core.KindRefresh {
		return fmt.Errorf("%w: %w", core.ErrMalformed, core.ErrWrongTokenKind)
	}
	return s.Logout(ctx, core.Principal{ID: claims.Subject, SessionID: claims.FamilyID}, core.ScopeSession)
}

func (s *SessionManager) issuePair(principal core.Principal, familyID string, seq uint64) (core.TokenPair, error) {
	access, accessTok, err := s.tokenizer.IssueAccess(principal, familyID, s.cfg.AccessTTL)
	if err != nil {
		return core.TokenPair{}, fmt.Errorf("failed to create access token: %w", err)
	}
	refresh, refreshTok, err := s.tokenizer.IssueRefresh(principal, familyID, seq, s.cfg.RefreshTTL)
	if err != nil {
		return core.TokenPair{}, fmt.Errorf("failed to create refresh token: %w", err)
	}
	return core.TokenPair{
		AccessToken:   access,
		AccessExpiry:  accessTok.ExpiresAt,
		RefreshToken:  refresh,
		RefreshExpiry: refreshTok.ExpiresAt,
		SessionID:     familyID,
	}, nil
}

// checkAccess applies the revocation check and the degraded policy.
func (s *SessionManager) checkAccess(ctx context.Context, op string, principal core.Principal) error {
	revoked, err := s.isRevoked(ctx, principal.TokenID)
	if err != nil {
		s.metrics.Degraded(op, string(s.cfg.Degraded))
		s.log.Warn("session.degraded",
			"op", op,
			"policy", s.cfg.Degraded,
			"principal", principal.ID,
			"session", principal.SessionID,
			"error", err,
		)
		if s.cfg.Degraded == FailOpen {
			return nil
		}
		return s.reject(op, err)
	}
	if revoked {
		return s.reject(op, core.ErrRevoked)
	}
	return nil
}

func (s *SessionManager) reject(op string, reason error) error {
	s.metrics.SessionOp(op, "unauthenticated")
	s.log.Debug("session.access.rejected", "op", op, "reason", reason)
	return core.Unauthenticated(reason)
}

func (s *SessionManager) refreshDegraded(claims *core.Claims, err error) error {
	s.metrics.SessionOp("refresh", "store_unavailable")
	s.metrics.Degraded("refresh", string(FailClosed))
	s.log.Warn("session.degraded",
		"op", "refresh",
		"policy", FailClosed,
		"principal", claims.Subject,
		"session", claims.FamilyID,
		"error", err,
	)
	if errors.Is(err, core.ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
}

// compromise marks the family of claims compromised and tells every node.
func (s *SessionManager) compromise(ctx context.Context, claims *core.Claims, why string) error {
	s.metrics.SessionOp("refresh", "compromised")
	s.metrics.Compromised()
	s.log.Warn("session.refresh.reuse",
		"principal", claims.Subject,
		"session", claims.FamilyID,
		"seq", claims.Sequence,
		"detail", why,
	)

	err := s.withStore(ctx, "compromise", func(ctx context.Context) error {
		return s.store.MarkFamilyCompromised(ctx, claims.FamilyID, s.cfg.RefreshTTL)
	})
	if err != nil {
		// A stale sequence can never rotate again, so the family stays
		// unusable even without the marker.
		s.log.Error("session.compromise.store", "session", claims.FamilyID, "error", err)
	}

	s.publishRevocation(ctx, core.RevocationEvent{
		PrincipalID: claims.Subject,
		SessionIDs:  []string{claims.FamilyID},
		Scope:       core.ScopeSession,
		Reason:      "compromised",
	})
	return errCompromised
}

func (s *SessionManager) publishRevocation(ctx context.Context, event core.RevocationEvent) {
	if s.eventPub == nil {
		return
	}
	if err := s.eventPub.PublishRevocation(ctx, event); err != nil {
		// The store is already updated; peers catch up on their next heartbeat.
		s.log.Warn("session.publish.revocation", "principal", event.PrincipalID, "error", err)
	}
}

func (s *SessionManager) isRevoked(ctx context.Context, tokenID string) (bool, error) {
	var revoked bool
	err := s.withStore(ctx, "is_revoked", func(ctx context.Context) error {
		var err error
		revoked, err = s.store.IsRevoked(ctx, tokenID)
		return err
	})
	return revoked, err
}

// withStore runs fn under the in-flight limit and the per-call timeout.
func (s *SessionManager) withStore(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StoreTimeout)
	defer cancel()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrStoreUnavailable, op, err)
	}
	defer s.sem.Release(1)

	start := time.Now()
	err := fn(ctx)
	s.metrics.ObserveStore(op, time.Since(start).Seconds())

	if err != nil && ctx.Err() != nil && !errors.Is(err, core.ErrStoreUnavailable) {
		return fmt.Errorf("%w: %s: %v", core.ErrStoreUnavailable, op, err)
	}
	return err
}

func (s *SessionManager) remaining(expiresAt time.Time) time.Duration {
	if expiresAt.IsZero() {
		return s.cfg.AccessTTL
	}
	return expiresAt.Sub(s.now())
}
