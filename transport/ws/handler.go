// Package ws terminates push WebSocket connections and hands them to the
// gateway.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/layer-3/gatekeep/gateway"
)

const (
	// AccessCookie carries the access token for browser clients.
	AccessCookie = "ACCESS_TOKEN"

	defaultSendQueue    = 64
	defaultWriteTimeout = 10 * time.Second
	defaultPingEvery    = 30 * time.Second
	maxPingFailures     = 3
	maxFrameBytes       = 4 << 10
)

// Config tunes a Handler
type Config struct {
	SendQueue      int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	OriginPatterns []string
}

// Handler upgrades requests and runs one connection per request
type Handler struct {
	gw  *gateway.Gateway
	cfg Config
	log *slog.Logger
}

// NewHandler creates a websocket handler in front of gw
func NewHandler(gw *gateway.Gateway, cfg Config, log *slog.Logger) *Handler {
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingEvery
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{gw: gw, cfg: cfg, log: log}
}

// TokenFromRequest reads the access token from the access_token query
// parameter, the Authorization header or the ACCESS_TOKEN cookie.
func TokenFromRequest(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("access_token")); t != "" {
		return t
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	if c, err := r.Cookie(AccessCookie); err == nil {
		return c.Value
	}
	return ""
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := TokenFromRequest(r)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		h.log.Info("ws.accept.fail", "err", err, "remote", r.RemoteAddr)
		return
	}
	wsConn.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn := newConn(wsConn, h.cfg.SendQueue, h.cfg.WriteTimeout, h.log)
	go conn.writeLoop(ctx, r.RemoteAddr)

	handle, err := h.gw.OnConnect(ctx, token, conn)
	if err != nil {
		// The gateway already closed conn with the matching code.
		<-conn.writerDone
		return
	}
	defer func() {
		h.gw.OnDisconnect(handle)
		<-conn.writerDone
	}()

	go func() {
		t := time.NewTicker(h.cfg.PingInterval)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-conn.Done():
				return
			case <-t.C:
				pingCtx, pingCancel := context.WithTimeout(ctx, h.cfg.PingInterval)
				err := wsConn.Ping(pingCtx)
				pingCancel()
				if err != nil {
					failures++
					h.log.Info("ws.ping.fail", "conn", handle.ID, "failures", failures, "err", err)
					if failures >= maxPingFailures {
						conn.Close(int(websocket.StatusGoingAway), "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
				handle.Touch()
			}
		}
	}()

	// Inbound frames only count as liveness; the push channel is one way.
	for {
		if _, _, err := wsConn.Read(ctx); err != nil {
			return
		}
		handle.Touch()
	}
}
