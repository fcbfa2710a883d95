package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/layer-3/gatekeep/core"
	"github.com/layer-3/gatekeep/registry"
)

// Conn adapts a websocket connection to registry.Channel. Events are queued
// and written by a single writer goroutine; Close only signals the writer.
type Conn struct {
	conn         *websocket.Conn
	send         chan core.Event
	writeTimeout time.Duration
	log          *slog.Logger

	done      chan struct{}
	closeOnce sync.Once
	code      websocket.StatusCode
	reason    string

	writerDone chan struct{}
}

func newConn(conn *websocket.Conn, queue int, writeTimeout time.Duration, log *slog.Logger) *Conn {
	return &Conn{
		conn:         conn,
		send:         make(chan core.Event, queue),
		writeTimeout: writeTimeout,
		log:          log,
		done:         make(chan struct{}),
		writerDone:   make(chan struct{}),
	}
}

// Send queues event without blocking
func (c *Conn) Send(ctx context.Context, event core.Event) error {
	select {
	case <-c.done:
		return registry.ErrChannelClosed
	default:
	}

	select {
	case <-c.done:
		return registry.ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.send <- event:
		return nil
	default:
		return registry.ErrQueueFull
	}
}

// Close asks the writer to close the connection with code. Idempotent.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.code = websocket.StatusCode(code)
		c.reason = reason
		close(c.done)
	})
}

// Done is closed once Close was called
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) writeLoop(ctx context.Context, id string) {
	defer close(c.writerDone)

	for {
		select {
		case <-c.done:
			_ = c.conn.Close(c.code, c.reason)
			return
		case <-ctx.Done():
			_ = c.conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		case event := <-c.send:
			if err := c.write(ctx, event); err != nil {
				c.log.Info("ws.write.fail", "conn", id, "close_status", websocket.CloseStatus(err), "err", err)
				c.Close(int(websocket.StatusGoingAway), "write failed")
			}
		}
	}
}

func (c *Conn) write(parent context.Context, event core.Event) error {
	ctx, cancel := context.WithTimeout(parent, c.writeTimeout)
	defer cancel()

	b, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return c.conn.Write(ctx, websocket.MessageText, b)
}
