package ports

import (
	"context"

	"github.com/layer-3/gatekeep/core"
)

// EventPublisher publishes events to notify other instances
type EventPublisher interface {
	PublishRevocation(ctx context.Context, event core.RevocationEvent) error
	PublishPush(ctx context.Context, principalID string, event core.Event) error
}
