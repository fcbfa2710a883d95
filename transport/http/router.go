package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/layer-3/gatekeep/gateway"
	"github.com/layer-3/gatekeep/internal/metrics"
	"github.com/layer-3/gatekeep/service"
)

// Deps are the components the router exposes
type Deps struct {
	Sessions  *service.SessionManager
	Gateway   *gateway.Gateway
	WebSocket http.Handler
	Metrics   *metrics.Metrics
	Cookies   CookieConfig
	Log       *slog.Logger
}

// SetupRouter sets up the Gin router
func SetupRouter(d Deps) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	if d.Log != nil {
		router.Use(RequestLogger(d.Log))
	}

	// Create handlers
	handlers := NewAuthHandlers(d.Sessions, d.Gateway, d.Cookies)

	// Auth routes
	auth := router.Group("/auth")
	{
		auth.POST("/challenge", handlers.Challenge)
		auth.POST("/login", handlers.Login)
		auth.POST("/refresh", handlers.Refresh)
		auth.POST("/logout", handlers.Logout)
	}

	// Protected API routes
	api := router.Group("/api")
	api.Use(AuthMiddleware(d.Sessions))
	{
		api.GET("/me", handlers.Me)
		api.POST("/logout", handlers.LogoutAccess)
		api.POST("/events", handlers.Push)
	}

	// The websocket handler authenticates on its own so it can answer
	// with close codes instead of HTTP statuses.
	if d.WebSocket != nil {
		router.GET("/ws", gin.WrapH(d.WebSocket))
	}
	if d.Metrics != nil {
		router.GET("/metrics", gin.WrapH(d.Metrics.Handler()))
	}

	return router
}
