package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/gatekeep/core"
	"github.com/layer-3/gatekeep/service"
)

const principalKey = "principal"

// AuthMiddleware creates middleware that validates access tokens from the
// Authorization header or the ACCESS_TOKEN cookie
func AuthMiddleware(sessions *service.SessionManager) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := accessToken(c)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}

		principal, err := sessions.ValidateAccess(c.Request.Context(), token)
		if err != nil {
			if errors.Is(core.ReasonOf(err), core.ErrStoreUnavailable) {
				c.Header("Retry-After", "1")
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "temporarily unavailable"})
				return
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthenticated"})
			return
		}

		c.Set(principalKey, principal)
		c.Next()
	}
}

func accessToken(c *gin.Context) string {
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(auth[len("Bearer "):])
	}
	if v, err := c.Cookie(AccessCookie); err == nil {
		return v
	}
	return ""
}

func principalFrom(c *gin.Context) (core.Principal, bool) {
	v, ok := c.Get(principalKey)
	if !ok {
		return core.Principal{}, false
	}
	p, ok := v.(core.Principal)
	return p, ok
}

// RequestLogger logs one line per request
func RequestLogger(log *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		log.Info("http.request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"remote", c.ClientIP(),
		)
	}
}
