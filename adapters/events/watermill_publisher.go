package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/layer-3/gatekeep/core"
	"github.com/layer-3/gatekeep/internal/metrics"
	"github.com/layer-3/gatekeep/ports"
)

const (
	TopicRevocation = "gatekeep.revocation"
	TopicPush       = "gatekeep.push"
)

// PushMessage relays an event to the nodes holding the principal's connections
type PushMessage struct {
	PrincipalID string     `json:"principal_id"`
	Event       core.Event `json:"event"`
}

// WatermillPublisher implements the EventPublisher interface using Watermill
type WatermillPublisher struct {
	publisher message.Publisher
	metrics   *metrics.Metrics
}

// NewWatermillPublisher creates a new Watermill publisher
func NewWatermillPublisher(publisher message.Publisher, m *metrics.Metrics) ports.EventPublisher {
	return &WatermillPublisher{
		publisher: publisher,
		metrics:   m,
	}
}

// PublishRevocation tells every node that sessions were revoked
func (p *WatermillPublisher) PublishRevocation(ctx context.Context, event core.RevocationEvent) error {
	return p.publish(ctx, TopicRevocation, event)
}

// PublishPush relays an event to every node
func (p *WatermillPublisher) PublishPush(ctx context.Context, principalID string, event core.Event) error {
	return p.publish(ctx, TopicPush, PushMessage{PrincipalID: principalID, Event: event})
}

func (p *WatermillPublisher) publish(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.SetContext(ctx)

	if err := p.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	p.metrics.BusMessage(topic, "out")
	return nil
}
