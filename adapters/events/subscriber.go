package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/layer-3/gatekeep/core"
	"github.com/layer-3/gatekeep/internal/metrics"
)

// Sink receives what other nodes put on the bus. The push gateway
// implements it.
type Sink interface {
	HandleRevocation(event core.RevocationEvent) int
	Publish(ctx context.Context, principalID string, event core.Event) int
}

// Subscriber routes bus messages to a Sink
type Subscriber struct {
	router  *message.Router
	sink    Sink
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewSubscriber wires both topics of sub to sink
func NewSubscriber(sub message.Subscriber, sink Sink, log *slog.Logger, m *metrics.Metrics) (*Subscriber, error) {
	router, err := message.NewRouter(message.RouterConfig{}, watermill.NewSlogLogger(log))
	if err != nil {
		return nil, fmt.Errorf("failed to create router: %w", err)
	}
	router.AddMiddleware(middleware.Recoverer)

	s := &Subscriber{router: router, sink: sink, log: log, metrics: m}
	router.AddNoPublisherHandler("gatekeep.revocation.handler", TopicRevocation, sub, s.handleRevocation)
	router.AddNoPublisherHandler("gatekeep.push.handler", TopicPush, sub, s.handlePush)
	return s, nil
}

// Run blocks until ctx is done or the router stops
func (s *Subscriber) Run(ctx context.Context) error {
	return s.router.Run(ctx)
}

// Running is closed once the handlers are subscribed
func (s *Subscriber) Running() chan struct{} {
	return s.router.Running()
}

func (s *Subscriber) Close() error {
	return s.router.Close()
}

func (s *Subscriber) handleRevocation(msg *message.Message) error {
	s.metrics.BusMessage(TopicRevocation, "in")

	var event core.RevocationEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		// Redelivery cannot fix a bad payload.
		s.log.Warn("bus.revocation.decode", "msg", msg.UUID, "error", err)
		return nil
	}
	s.sink.HandleRevocation(event)
	return nil
}

func (s *Subscriber) handlePush(msg *message.Message) error {
	s.metrics.BusMessage(TopicPush, "in")

	var push PushMessage
	if err := json.Unmarshal(msg.Payload, &push); err != nil {
		s.log.Warn("bus.push.decode", "msg", msg.UUID, "error", err)
		return nil
	}
	s.sink.Publish(msg.Context(), push.PrincipalID, push.Event)
	return nil
}
