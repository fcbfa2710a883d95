package gateway

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/layer-3/gatekeep/adapters/store"
	"github.com/layer-3/gatekeep/adapters/tokenizer"
	"github.com/layer-3/gatekeep/core"
	"github.com/layer-3/gatekeep/internal/logging"
	"github.com/layer-3/gatekeep/registry"
	"github.com/layer-3/gatekeep/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeChannel struct {
	mu     sync.Mutex
	events []core.Event
	closed bool
	code   int
}

func (c *fakeChannel) Send(_ context.Context, e core.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return registry.ErrChannelClosed
	}
	c.events = append(c.events, e)
	return nil
}

func (c *fakeChannel) Close(code int, _ string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed, c.code = true, code
	}
}

func (c *fakeChannel) closeCode() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.code
}

type users map[string]string

func (u users) CheckCredentials(_ context.Context, creds core.Credentials) (core.Principal, error) {
	if u[creds.Identifier] != creds.Secret {
		return core.Principal{}, core.ErrAuthFailed
	}
	return core.Principal{ID: creds.Identifier}, nil
}

type env struct {
	gw    *Gateway
	sm    *service.SessionManager
	clock *time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	now := time.Now()
	clock := func() time.Time { return now }

	keys, err := tokenizer.NewHMACKey([]byte(strings.Repeat("g", 32)))
	require.NoError(t, err)
	tk := tokenizer.NewJWTTokenizer(keys, tokenizer.WithClock(clock))

	sm, err := service.NewSessionManager(tk, store.NewMemoryStore(), users{"u1": "pw", "u2": "pw"}, service.Config{
		AccessTTL:  time.Minute,
		RefreshTTL: time.Hour,
		Degraded:   service.FailClosed,
	}, service.WithLogger(logging.Discard()))
	require.NoError(t, err)

	gw := New(sm, registry.New(4), Config{HeartbeatInterval: 10 * time.Millisecond, IdleTimeout: time.Hour},
		WithLogger(logging.Discard()),
		WithClock(clock),
	)
	return &env{gw: gw, sm: sm, clock: &now}
}

func (e *env) login(t *testing.T, user string) core.TokenPair {
	t.Helper()
	pair, err := e.sm.Login(context.Background(), core.Credentials{Identifier: user, Secret: "pw"})
	require.NoError(t, err)
	return pair
}

func TestOnConnect_RejectsWithDistinctCodes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pair := e.login(t, "u1")

	revokedPair := e.login(t, "u1")
	principal, err := e.sm.ValidateAccess(ctx, revokedPair.AccessToken)
	require.NoError(t, err)
	require.NoError(t, e.sm.Logout(ctx, principal, core.ScopeSession))

	cases := []struct {
		name  string
		token string
		setup func()
		code  int
	}{
		{name: "missing", token: "", code: CloseMissingToken},
		{name: "invalid", token: "garbage", code: CloseInvalid},
		{name: "revoked", token: revokedPair.AccessToken, code: CloseRevoked},
		{name: "expired", token: pair.AccessToken, setup: func() { *e.clock = e.clock.Add(2 * time.Minute) }, code: CloseExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.setup != nil {
				tc.setup()
			}
			ch := &fakeChannel{}
			h, err := e.gw.OnConnect(ctx, tc.token, ch)
			require.ErrorIs(t, err, core.ErrUnauthenticated)
			assert.Nil(t, h)

			closed, code := ch.closeCode()
			assert.True(t, closed)
			assert.Equal(t, tc.code, code)
		})
	}
	assert.Zero(t, e.gw.Registry().Count())
}

func TestOnConnect_RegistersAndPublishes(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	phoneCh, laptopCh := &fakeChannel{}, &fakeChannel{}
	phone, err := e.gw.OnConnect(ctx, e.login(t, "u1").AccessToken, phoneCh)
	require.NoError(t, err)
	assert.Equal(t, registry.StateAuthenticated, phone.State())
	_, err = e.gw.OnConnect(ctx, e.login(t, "u1").AccessToken, laptopCh)
	require.NoError(t, err)

	assert.Equal(t, 2, e.gw.Publish(ctx, "u1", core.Event{Type: "note"}))
	assert.Zero(t, e.gw.Publish(ctx, "u2", core.Event{Type: "note"}), "nobody is listening")

	e.gw.OnDisconnect(phone)
	e.gw.OnDisconnect(phone)
	assert.Equal(t, registry.StateClosed, phone.State())

	assert.Equal(t, 1, e.gw.Publish(ctx, "u1", core.Event{Type: "note"}))
	assert.Len(t, phoneCh.events, 1)
	assert.Len(t, laptopCh.events, 2)
	assert.NotEmpty(t, laptopCh.events[0].ID)
}

func TestHandleRevocation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	a, b := e.login(t, "u1"), e.login(t, "u1")
	aCh, bCh := &fakeChannel{}, &fakeChannel{}
	_, err := e.gw.OnConnect(ctx, a.AccessToken, aCh)
	require.NoError(t, err)
	_, err = e.gw.OnConnect(ctx, b.AccessToken, bCh)
	require.NoError(t, err)

	n := e.gw.HandleRevocation(core.RevocationEvent{
		PrincipalID: "u1",
		SessionIDs:  []string{a.SessionID},
		Scope:       core.ScopeSession,
		Reason:      "compromised",
	})
	assert.Equal(t, 1, n)
	_, code := aCh.closeCode()
	assert.Equal(t, CloseCompromised, code)
	closed, _ := bCh.closeCode()
	assert.False(t, closed)

	n = e.gw.HandleRevocation(core.RevocationEvent{PrincipalID: "u1", Scope: core.ScopeAll, Reason: "logout"})
	assert.Equal(t, 1, n)
	_, code = bCh.closeCode()
	assert.Equal(t, CloseRevoked, code)
	assert.Zero(t, e.gw.Registry().Count())
}

func TestRun_ClosesRevokedWithinOneHeartbeat(t *testing.T) {
	e := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pair := e.login(t, "u1")
	ch := &fakeChannel{}
	h, err := e.gw.OnConnect(ctx, pair.AccessToken, ch)
	require.NoError(t, err)

	go func() { _ = e.gw.Run(ctx) }()

	// Logout without any event bus: only the sweeper can notice.
	require.NoError(t, e.sm.Logout(ctx, h.Principal(), core.ScopeAll))

	require.Eventually(t, func() bool {
		closed, _ := ch.closeCode()
		return closed
	}, time.Second, 5*time.Millisecond)

	_, code := ch.closeCode()
	assert.Equal(t, CloseRevoked, code)
	assert.Zero(t, e.gw.Registry().Count())
}

func TestSweep_ClosesIdleConnections(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	ch := &fakeChannel{}
	_, err := e.gw.OnConnect(ctx, e.login(t, "u1").AccessToken, ch)
	require.NoError(t, err)

	e.gw.Sweep(ctx)
	closed, _ := ch.closeCode()
	assert.False(t, closed)

	*e.clock = e.clock.Add(2 * time.Hour)
	e.gw.Sweep(ctx)

	_, code := ch.closeCode()
	assert.Equal(t, CloseIdle, code)
	assert.Zero(t, e.gw.Registry().Count())
}

func TestSweep_IgnoresExpiry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	ch := &fakeChannel{}
	h, err := e.gw.OnConnect(ctx, e.login(t, "u1").AccessToken, ch)
	require.NoError(t, err)

	*e.clock = e.clock.Add(5 * time.Minute)
	h.Touch()
	e.gw.Sweep(ctx)

	closed, _ := ch.closeCode()
	assert.False(t, closed)
}

func TestCloseCodeFor(t *testing.T) {
	cases := map[int]error{
		CloseMissingToken:  core.Unauthenticated(ErrMissingToken),
		CloseExpired:       core.Unauthenticated(core.ErrExpired),
		CloseRevoked:       core.Unauthenticated(core.ErrRevoked),
		CloseCompromised:   core.Unauthenticated(core.ErrSessionCompromised),
		CloseTryAgainLater: core.Unauthenticated(core.ErrStoreUnavailable),
		CloseInvalid:       core.Unauthenticated(core.ErrInvalidSignature),
	}
	for want, err := range cases {
		got, _ := CloseCodeFor(err)
		assert.Equal(t, want, got, err)
	}
}
