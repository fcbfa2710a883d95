package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/gatekeep/core"
	"github.com/layer-3/gatekeep/gateway"
	"github.com/layer-3/gatekeep/service"
)

const (
	AccessCookie  = "ACCESS_TOKEN"
	RefreshCookie = "REFRESH_TOKEN"
)

// CookieConfig controls the token cookies
type CookieConfig struct {
	Secure bool
	Domain string
}

// AuthHandlers contains HTTP handlers for auth endpoints
type AuthHandlers struct {
	sessions *service.SessionManager
	gateway  *gateway.Gateway
	cookies  CookieConfig
}

// NewAuthHandlers creates new auth handlers
func NewAuthHandlers(sessions *service.SessionManager, gw *gateway.Gateway, cookies CookieConfig) *AuthHandlers {
	return &AuthHandlers{
		sessions: sessions,
		gateway:  gw,
		cookies:  cookies,
	}
}

// Challenge handles the challenge request
func (h *AuthHandlers) Challenge(c *gin.Context) {
	var req struct {
		Address string `json:"address" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	token, err := h.sessions.Challenge(c.Request.Context(), req.Address)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"token": token})
	case errors.Is(err, errors.ErrUnsupported):
		c.JSON(http.StatusNotFound, gin.H{"error": "Wallet login is disabled"})
	case errors.Is(err, core.ErrInvalidChallenge):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid address"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create challenge"})
	}
}

// Login handles both password and wallet logins
func (h *AuthHandlers) Login(c *gin.Context) {
	var req struct {
		Identifier     string `json:"identifier"`
		Password       string `json:"password"`
		Address        string `json:"address"`
		Signature      string `json:"signature"`
		ChallengeToken string `json:"challenge_token"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	creds := core.Credentials{Identifier: req.Identifier, Secret: req.Password}
	if req.ChallengeToken != "" {
		creds = core.Credentials{Identifier: req.Address, Secret: req.Signature, Challenge: req.ChallengeToken}
	}
	if creds.Identifier == "" || creds.Secret == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	pair, err := h.sessions.Login(c.Request.Context(), creds)
	if err != nil {
		h.authFailure(c, err)
		return
	}
	h.respondTokens(c, pair)
}

// Refresh handles token refresh. The token comes from the body or the
// REFRESH_TOKEN cookie.
func (h *AuthHandlers) Refresh(c *gin.Context) {
	token, ok := refreshToken(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	pair, err := h.sessions.Refresh(c.Request.Context(), token)
	if err != nil {
		h.clearCookies(c)
		h.authFailure(c, err)
		return
	}
	h.respondTokens(c, pair)
}

// Logout ends the session of a refresh token
func (h *AuthHandlers) Logout(c *gin.Context) {
	token, ok := refreshToken(c)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	err := h.sessions.LogoutRefresh(c.Request.Context(), token)
	switch {
	case err == nil:
	case errors.Is(err, core.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to logout"})
		return
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid refresh token"})
		return
	}

	h.clearCookies(c)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out"})
}

// LogoutAccess ends the caller's session, or all of them with ?scope=all
func (h *AuthHandlers) LogoutAccess(c *gin.Context) {
	principal, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "User not found in context"})
		return
	}

	scope := core.LogoutScope(c.DefaultQuery("scope", string(core.ScopeSession)))
	if scope != core.ScopeSession && scope != core.ScopeAll {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid scope"})
		return
	}

	if err := h.sessions.Logout(c.Request.Context(), principal, scope); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to logout"})
		return
	}

	h.clearCookies(c)
	c.JSON(http.StatusOK, gin.H{"message": "Logged out", "scope": scope})
}

// Me returns information about the authenticated user
func (h *AuthHandlers) Me(c *gin.Context) {
	principal, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "User not found in context"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":         principal.ID,
		"claims":     principal.Claims,
		"session_id": principal.SessionID,
		"expires_at": principal.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

// Push sends an event to every live connection of the caller, on any node
func (h *AuthHandlers) Push(c *gin.Context) {
	principal, ok := principalFrom(c)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "User not found in context"})
		return
	}

	var req struct {
		Type    string          `json:"type" binding:"required"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	event := core.Event{Type: req.Type, Payload: req.Payload}
	if err := h.gateway.Broadcast(c.Request.Context(), principal.ID, event); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to publish"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"message": "Queued"})
}

func (h *AuthHandlers) authFailure(c *gin.Context, err error) {
	switch {
	case errors.Is(err, core.ErrSessionCompromised):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication failed", "code": "session_compromised"})
	case errors.Is(err, core.ErrStoreUnavailable):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
	case errors.Is(err, core.ErrSigning):
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	default:
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
	}
}

func (h *AuthHandlers) respondTokens(c *gin.Context, pair core.TokenPair) {
	now := time.Now()
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(AccessCookie, pair.AccessToken, maxAge(pair.AccessExpiry, now), "/", h.cookies.Domain, h.cookies.Secure, true)
	c.SetCookie(RefreshCookie, pair.RefreshToken, maxAge(pair.RefreshExpiry, now), "/auth", h.cookies.Domain, h.cookies.Secure, true)

	c.JSON(http.StatusOK, gin.H{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
		"token_type":    "Bearer",
		"expires_in":    maxAge(pair.AccessExpiry, now),
		"session_id":    pair.SessionID,
	})
}

func (h *AuthHandlers) clearCookies(c *gin.Context) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(AccessCookie, "", -1, "/", h.cookies.Domain, h.cookies.Secure, true)
	c.SetCookie(RefreshCookie, "", -1, "/auth", h.cookies.Domain, h.cookies.Secure, true)
}

func refreshToken(c *gin.Context) (string, bool) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			return "", false
		}
	}
	if req.RefreshToken != "" {
		return req.RefreshToken, true
	}
	if v, err := c.Cookie(RefreshCookie); err == nil && v != "" {
		return v, true
	}
	return "", false
}

func maxAge(expiry, now time.Time) int {
	if s := int(expiry.Sub(now).Seconds()); s > 0 {
		return s
	}
	return 0
}
