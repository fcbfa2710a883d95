package registry

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/layer-3/gatekeep/core"
)

var (
	// ErrChannelClosed is returned by a Channel that can no longer deliver.
	ErrChannelClosed = errors.New("channel closed")
	// ErrQueueFull is returned by a Channel whose send queue is full.
	ErrQueueFull = errors.New("send queue full")

	ErrNotAuthenticated = errors.New("connection is not authenticated")
)

// Channel is the duplex connection behind a Handle. Send must not block
// on the network; Close must be idempotent.
type Channel interface {
	Send(ctx context.Context, event core.Event) error
	Close(code int, reason string)
}

// State of a connection
type State int32

const (
	StateHandshaking State = iota
	StateAuthenticated
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Handle is one live push connection. Only the Registry and the gateway
// change its state.
type Handle struct {
	ID          string
	Channel     Channel
	ConnectedAt time.Time

	principal core.Principal
	state     atomic.Int32
	lastSeen  atomic.Int64
}

// NewHandle creates a handle in the HANDSHAKING state
func NewHandle(ch Channel) *Handle {
	now := time.Now()
	h := &Handle{
		ID:          uuid.NewString(),
		Channel:     ch,
		ConnectedAt: now,
	}
	h.lastSeen.Store(now.UnixNano())
	return h
}

// Authenticate binds the principal and moves HANDSHAKING to AUTHENTICATED.
// It must happen before the handle is registered.
func (h *Handle) Authenticate(principal core.Principal) bool {
	if !h.state.CompareAndSwap(int32(StateHandshaking), int32(StateAuthenticated)) {
		return false
	}
	h.principal = principal
	return true
}

// Close moves the handle to CLOSED and closes the channel once.
func (h *Handle) Close(code int, reason string) bool {
	if State(h.state.Swap(int32(StateClosed))) == StateClosed {
		return false
	}
	h.Channel.Close(code, reason)
	return true
}

func (h *Handle) State() State { return State(h.state.Load()) }

func (h *Handle) Principal() core.Principal { return h.principal }

func (h *Handle) PrincipalID() string { return h.principal.ID }

// SessionID is the session family the connection was authenticated with.
func (h *Handle) SessionID() string { return h.principal.SessionID }

// Touch records activity on the connection
func (h *Handle) Touch() { h.lastSeen.Store(time.Now().UnixNano()) }

func (h *Handle) LastSeen() time.Time { return time.Unix(0, h.lastSeen.Load()) }
