// Package gateway authenticates push connections and routes events to them.
package gateway

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/gatekeep/core"
	"github.com/layer-3/gatekeep/internal/metrics"
	"github.com/layer-3/gatekeep/ports"
	"github.com/layer-3/gatekeep/registry"
	"golang.org/x/sync/errgroup"
)

// Authenticator is the part of the session manager the gateway needs.
type Authenticator interface {
	ValidateAccess(ctx context.Context, accessToken string) (core.Principal, error)
	Recheck(ctx context.Context, principal core.Principal) error
}

// Config tunes the heartbeat sweeper
type Config struct {
	HeartbeatInterval  time.Duration
	IdleTimeout        time.Duration
	RecheckConcurrency int
}

// Gateway accepts authenticated push connections
type Gateway struct {
	auth     Authenticator
	registry *registry.Registry
	eventPub ports.EventPublisher

	cfg     Config
	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

type Option func(*Gateway)

func WithLogger(log *slog.Logger) Option {
	return func(g *Gateway) { g.log = log }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) { g.metrics = m }
}

// WithEventPublisher makes Broadcast go through the event bus so every
// node delivers to its own connections.
func WithEventPublisher(pub ports.EventPublisher) Option {
	return func(g *Gateway) { g.eventPub = pub }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.now = now }
}

// New creates a gateway on top of reg
func New(auth Authenticator, reg *registry.Registry, cfg Config, opts ...Option) *Gateway {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 3 * cfg.HeartbeatInterval
	}
	if cfg.RecheckConcurrency <= 0 {
		cfg.RecheckConcurrency = 16
	}

	g := &Gateway{
		auth:     auth,
		registry: reg,
		cfg:      cfg,
		log:      slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Registry returns the connection registry the gateway writes to
func (g *Gateway) Registry() *registry.Registry { return g.registry }

// OnConnect authenticates a new channel. On failure the channel is closed
// with the close code of the failure and the error is returned.
func (g *Gateway) OnConnect(ctx context.Context, accessToken string, ch registry.Channel) (*registry.Handle, error) {
	h := registry.NewHandle(ch)

	if accessToken == "" {
		g.reject(h, ErrMissingToken)
		return nil, core.Unauthenticated(ErrMissingToken)
	}

	principal, err := g.auth.ValidateAccess(ctx, accessToken)
	if err != nil {
		g.reject(h, err)
		return nil, err
	}

	if !h.Authenticate(principal) {
		// Closed while validating.
		return nil, core.Unauthenticated(registry.ErrChannelClosed)
	}
	if err := g.registry.Register(h); err != nil {
		h.Close(CloseNormal, "bye")
		return nil, err
	}

	g.metrics.SetConnections(g.registry.Count())
	g.log.Info("ws.connect",
		"conn", h.ID,
		"principal", principal.ID,
		"session", principal.SessionID,
	)
	return h, nil
}

func (g *Gateway) reject(h *registry.Handle, err error) {
	code, reason := CloseCodeFor(err)
	h.Close(code, reason)
	g.metrics.HandshakeRejected(strconv.Itoa(code))
	g.log.Info("ws.reject.auth", "conn", h.ID, "code", code, "reason", core.ReasonOf(err))
}

// OnDisconnect unregisters the handle and closes its channel. Idempotent.
func (g *Gateway) OnDisconnect(h *registry.Handle) {
	if h == nil {
		return
	}
	removed := g.registry.Unregister(h)
	h.Close(CloseNormal, "bye")
	if removed {
		g.metrics.SetConnections(g.registry.Count())
		g.log.Info("ws.disconnect", "conn", h.ID, "principal", h.PrincipalID())
	}
}

// Publish delivers event to the principal's connections on this node and
// returns how many accepted it. Nothing is stored for later.
func (g *Gateway) Publish(ctx context.Context, principalID string, event core.Event) int {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.SentAt.IsZero() {
		event.SentAt = g.now().UTC()
	}

	n := g.registry.Send(ctx, principalID, event)
	g.metrics.Delivered(n)
	if n == 0 {
		g.metrics.Dropped()
		g.log.Debug("ws.publish.dropped", "principal", principalID, "event", event.ID)
	}
	return n
}

// Broadcast publishes event on every node through the event bus, or
// locally when no bus is configured.
func (g *Gateway) Broadcast(ctx context.Context, principalID string, event core.Event) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.SentAt.IsZero() {
		event.SentAt = g.now().UTC()
	}
	if g.eventPub == nil {
		g.Publish(ctx, principalID, event)
		return nil
	}
	return g.eventPub.PublishPush(ctx, principalID, event)
}

// HandleRevocation closes the connections a revocation event covers.
func (g *Gateway) HandleRevocation(event core.RevocationEvent) int {
	code, reason := CloseRevoked, "session revoked"
	if event.Reason == "compromised" {
		code, reason = CloseCompromised, "session compromised"
	}

	var n int
	if event.Scope == core.ScopeAll {
		n = g.registry.EvictPrincipal(event.PrincipalID, code, reason)
	} else {
		for _, sessionID := range event.SessionIDs {
			n += g.registry.EvictSession(event.PrincipalID, sessionID, code, reason)
		}
	}

	if n > 0 {
		g.metrics.Evicted(event.Reason)
		g.metrics.SetConnections(g.registry.Count())
		g.log.Info("ws.evict",
			"principal", event.PrincipalID,
			"scope", event.Scope,
			"reason", event.Reason,
			"closed", n,
		)
	}
	return n
}

// Run sweeps connections every heartbeat interval until ctx is done.
func (g *Gateway) Run(ctx context.Context) error {
	t := time.NewTicker(g.cfg.HeartbeatInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			g.Sweep(ctx)
		}
	}
}

// Sweep closes idle connections and re-checks revocation of the rest.
// Token expiry is not re-checked; clients reconnect with a fresh token
// when they choose to.
func (g *Gateway) Sweep(ctx context.Context) {
	now := g.now()

	var eg errgroup.Group
	eg.SetLimit(g.cfg.RecheckConcurrency)

	for _, h := range g.registry.Snapshot() {
		if now.Sub(h.LastSeen()) > g.cfg.IdleTimeout {
			g.log.Info("ws.idle", "conn", h.ID, "principal", h.PrincipalID())
			g.metrics.Evicted("idle")
			g.registry.Unregister(h)
			h.Close(CloseIdle, "idle timeout")
			continue
		}

		h := h
		eg.Go(func() error {
			err := g.auth.Recheck(ctx, h.Principal())
			if err == nil {
				return nil
			}
			code, reason := CloseCodeFor(err)
			g.log.Info("ws.recheck.fail", "conn", h.ID, "principal", h.PrincipalID(), "code", code)
			g.metrics.Evicted("recheck")
			g.registry.Unregister(h)
			h.Close(code, reason)
			return nil
		})
	}
	_ = eg.Wait()

	g.metrics.SetConnections(g.registry.Count())
}
