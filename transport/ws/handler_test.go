package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/layer-3/gatekeep/adapters/store"
	"github.com/layer-3/gatekeep/adapters/tokenizer"
	"github.com/layer-3/gatekeep/core"
	"github.com/layer-3/gatekeep/gateway"
	"github.com/layer-3/gatekeep/internal/logging"
	"github.com/layer-3/gatekeep/registry"
	"github.com/layer-3/gatekeep/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type users map[string]string

func (u users) CheckCredentials(_ context.Context, creds core.Credentials) (core.Principal, error) {
	if u[creds.Identifier] != creds.Secret {
		return core.Principal{}, core.ErrAuthFailed
	}
	return core.Principal{ID: creds.Identifier}, nil
}

type harness struct {
	srv *httptest.Server
	gw  *gateway.Gateway
	sm  *service.SessionManager
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	keys, err := tokenizer.NewHMACKey([]byte(strings.Repeat("w", 32)))
	require.NoError(t, err)
	sm, err := service.NewSessionManager(tokenizer.NewJWTTokenizer(keys), store.NewMemoryStore(), users{"u1": "pw"}, service.Config{
		AccessTTL:  time.Minute,
		RefreshTTL: time.Hour,
		Degraded:   service.FailClosed,
	}, service.WithLogger(logging.Discard()))
	require.NoError(t, err)

	gw := gateway.New(sm, registry.New(4), gateway.Config{HeartbeatInterval: time.Hour}, gateway.WithLogger(logging.Discard()))
	srv := httptest.NewServer(NewHandler(gw, Config{SendQueue: 8}, logging.Discard()))
	t.Cleanup(srv.Close)

	return &harness{srv: srv, gw: gw, sm: sm}
}

func (h *harness) dial(t *testing.T, header http.Header, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	u := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/" + query
	conn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPHeader: header})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn
}

func readCloseCode(t *testing.T, conn *websocket.Conn) websocket.StatusCode {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, _, err := conn.Read(ctx)
	require.Error(t, err)
	return websocket.CloseStatus(err)
}

func (h *harness) login(t *testing.T) core.TokenPair {
	t.Helper()
	pair, err := h.sm.Login(context.Background(), core.Credentials{Identifier: "u1", Secret: "pw"})
	require.NoError(t, err)
	return pair
}

func TestHandler_MissingTokenCloseCode(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, nil, "")
	assert.Equal(t, websocket.StatusCode(gateway.CloseMissingToken), readCloseCode(t, conn))
}

func TestHandler_InvalidTokenCloseCode(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, nil, "?access_token=nope")
	assert.Equal(t, websocket.StatusCode(gateway.CloseInvalid), readCloseCode(t, conn))
}

func TestHandler_DeliversPublishedEvents(t *testing.T) {
	h := newHarness(t)
	pair := h.login(t)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+pair.AccessToken)
	conn := h.dial(t, header, "")

	require.Eventually(t, func() bool { return h.gw.Registry().Count() == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, h.gw.Publish(context.Background(), "u1", core.Event{Type: "greeting", Payload: []byte(`"hi"`)}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)

	var got core.Event
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "greeting", got.Type)
	assert.NotEmpty(t, got.ID)
}

func TestHandler_RevocationClosesConnection(t *testing.T) {
	h := newHarness(t)
	pair := h.login(t)

	header := http.Header{}
	header.Add("Cookie", AccessCookie+"="+pair.AccessToken)
	conn := h.dial(t, header, "")
	require.Eventually(t, func() bool { return h.gw.Registry().Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.gw.HandleRevocation(core.RevocationEvent{PrincipalID: "u1", Scope: core.ScopeAll, Reason: "logout"})

	assert.Equal(t, websocket.StatusCode(gateway.CloseRevoked), readCloseCode(t, conn))
	assert.Zero(t, h.gw.Registry().Count())
}

func TestHandler_ClientCloseUnregisters(t *testing.T) {
	h := newHarness(t)
	pair := h.login(t)

	conn := h.dial(t, nil, "?access_token="+pair.AccessToken)
	require.Eventually(t, func() bool { return h.gw.Registry().Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	_ = conn.Close(websocket.StatusNormalClosure, "bye")
	require.Eventually(t, func() bool { return h.gw.Registry().Count() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestTokenFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws?access_token=q", nil)
	r.Header.Set("Authorization", "Bearer h")
	assert.Equal(t, "q", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer h")
	r.AddCookie(&http.Cookie{Name: AccessCookie, Value: "c"})
	assert.Equal(t, "h", TokenFromRequest(r))

	r = httptest.NewRequest("GET", "/ws", nil)
	r.AddCookie(&http.Cookie{Name: AccessCookie, Value: "c"})
	assert.Equal(t, "c", TokenFromRequest(r))

	assert.Empty(t, TokenFromRequest(httptest.NewRequest("GET", "/ws", nil)))
}
