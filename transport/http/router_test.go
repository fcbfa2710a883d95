package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/gatekeep/adapters/store"
	"github.com/layer-3/gatekeep/adapters/tokenizer"
	"github.com/layer-3/gatekeep/core"
	"github.com/layer-3/gatekeep/gateway"
	"github.com/layer-3/gatekeep/internal/logging"
	"github.com/layer-3/gatekeep/internal/metrics"
	"github.com/layer-3/gatekeep/registry"
	"github.com/layer-3/gatekeep/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type users map[string]string

func (u users) CheckCredentials(_ context.Context, creds core.Credentials) (core.Principal, error) {
	if pw, ok := u[creds.Identifier]; !ok || pw != creds.Secret {
		return core.Principal{}, core.ErrAuthFailed
	}
	return core.Principal{ID: creds.Identifier, Claims: map[string]string{"role": "user"}}, nil
}

type sink struct {
	mu     sync.Mutex
	events []core.Event
}

func (s *sink) Send(_ context.Context, e core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *sink) Close(int, string) {}

func (s *sink) received() []core.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Event(nil), s.events...)
}

type testServer struct {
	router *gin.Engine
	gw     *gateway.Gateway
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	keys, err := tokenizer.NewHMACKey([]byte(strings.Repeat("h", 32)))
	require.NoError(t, err)
	tk := tokenizer.NewJWTTokenizer(keys)

	sm, err := service.NewSessionManager(tk, store.NewMemoryStore(), users{"alice": "secret"}, service.Config{
		AccessTTL:  time.Minute,
		RefreshTTL: time.Hour,
		Degraded:   service.FailClosed,
	}, service.WithLogger(logging.Discard()))
	require.NoError(t, err)

	gw := gateway.New(sm, registry.New(4), gateway.Config{}, gateway.WithLogger(logging.Discard()))

	router := SetupRouter(Deps{
		Sessions: sm,
		Gateway:  gw,
		Metrics:  metrics.New(),
		Log:      logging.Discard(),
	})
	return &testServer{router: router, gw: gw}
}

func (s *testServer) do(method, path string, body any, mutate func(*http.Request)) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if mutate != nil {
		mutate(req)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	SessionID    string `json:"session_id"`
}

func (s *testServer) login(t *testing.T) tokenResponse {
	t.Helper()
	w := s.do(http.MethodPost, "/auth/login", map[string]string{"identifier": "alice", "password": "secret"}, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp tokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.AccessToken)
	require.NotEmpty(t, resp.RefreshToken)
	return resp
}

func bearer(token string) func(*http.Request) {
	return func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }
}

func TestLogin_SetsCookies(t *testing.T) {
	s := newTestServer(t)
	w := s.do(http.MethodPost, "/auth/login", map[string]string{"identifier": "alice", "password": "secret"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	cookies := map[string]*http.Cookie{}
	for _, c := range w.Result().Cookies() {
		cookies[c.Name] = c
	}
	require.Contains(t, cookies, AccessCookie)
	require.Contains(t, cookies, RefreshCookie)
	assert.True(t, cookies[AccessCookie].HttpOnly)
	assert.Equal(t, http.SameSiteStrictMode, cookies[RefreshCookie].SameSite)
}

func TestLogin_Rejected(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/auth/login", map[string]string{"identifier": "alice", "password": "wrong"}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"authentication failed"}`, w.Body.String())

	w = s.do(http.MethodPost, "/auth/login", map[string]string{"identifier": "alice"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMe_RequiresAccessToken(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodGet, "/api/me", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodGet, "/api/me", nil, bearer("garbage"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	tokens := s.login(t)
	w = s.do(http.MethodGet, "/api/me", nil, bearer(tokens.AccessToken))
	require.Equal(t, http.StatusOK, w.Code)

	var me struct {
		ID        string            `json:"id"`
		Claims    map[string]string `json:"claims"`
		SessionID string            `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &me))
	assert.Equal(t, "alice", me.ID)
	assert.Equal(t, "user", me.Claims["role"])
	assert.Equal(t, tokens.SessionID, me.SessionID)
}

func TestMe_AcceptsCookie(t *testing.T) {
	s := newTestServer(t)
	tokens := s.login(t)

	w := s.do(http.MethodGet, "/api/me", nil, func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: AccessCookie, Value: tokens.AccessToken})
	})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRefresh_ReuseCompromisesSession(t *testing.T) {
	s := newTestServer(t)
	first := s.login(t)

	w := s.do(http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": first.RefreshToken}, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var second tokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
	assert.Equal(t, first.SessionID, second.SessionID)

	w = s.do(http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": first.RefreshToken}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.JSONEq(t, `{"error":"authentication failed","code":"session_compromised"}`, w.Body.String())

	w = s.do(http.MethodGet, "/api/me", nil, bearer(second.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRefresh_FromCookie(t *testing.T) {
	s := newTestServer(t)
	tokens := s.login(t)

	w := s.do(http.MethodPost, "/auth/refresh", nil, func(r *http.Request) {
		r.AddCookie(&http.Cookie{Name: RefreshCookie, Value: tokens.RefreshToken})
	})
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodPost, "/auth/refresh", nil, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLogout_RevokesSession(t *testing.T) {
	s := newTestServer(t)
	tokens := s.login(t)

	w := s.do(http.MethodPost, "/auth/logout", map[string]string{"refresh_token": tokens.RefreshToken}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(http.MethodGet, "/api/me", nil, bearer(tokens.AccessToken))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(http.MethodPost, "/auth/refresh", map[string]string{"refresh_token": tokens.RefreshToken}, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestLogoutAll_RevokesEverySession(t *testing.T) {
	s := newTestServer(t)
	a := s.login(t)
	b := s.login(t)

	w := s.do(http.MethodPost, "/api/logout?scope=bogus", nil, bearer(a.AccessToken))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(http.MethodPost, "/api/logout?scope=all", nil, bearer(a.AccessToken))
	require.Equal(t, http.StatusOK, w.Code)

	for _, tokens := range []tokenResponse{a, b} {
		w = s.do(http.MethodGet, "/api/me", nil, bearer(tokens.AccessToken))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	}
}

func TestPush_ReachesOwnConnections(t *testing.T) {
	s := newTestServer(t)
	tokens := s.login(t)

	conn := &sink{}
	_, err := s.gw.OnConnect(context.Background(), tokens.AccessToken, conn)
	require.NoError(t, err)

	w := s.do(http.MethodPost, "/api/events", map[string]any{"type": "note", "payload": map[string]int{"n": 1}}, bearer(tokens.AccessToken))
	require.Equal(t, http.StatusAccepted, w.Code)

	got := conn.received()
	require.Len(t, got, 1)
	assert.Equal(t, "note", got[0].Type)
	assert.JSONEq(t, `{"n":1}`, string(got[0].Payload))
}

func TestChallenge_DisabledWithoutWallet(t *testing.T) {
	s := newTestServer(t)

	w := s.do(http.MethodPost, "/auth/challenge", map[string]string{"address": "0x0000000000000000000000000000000000000001"}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(http.MethodPost, "/auth/challenge", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)
	s.login(t)

	w := s.do(http.MethodGet, "/metrics", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}
