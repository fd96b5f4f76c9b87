package services

import (
	"context"

	"github.com/google/uuid"
	"github.com/rioporto/backend/internal/events"
	"go.uber.org/zap"
)

// Notifier pushes user-facing messages. Calls are fire-and-forget: failures
// are logged and never block or fail a state transition.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, kind string, payload map[string]any)
}

// EventNotifier delivers notifications through the redis event stream, where
// the WS hub and any delivery bridges pick them up.
type EventNotifier struct {
	publisher events.Publisher
	log       *zap.Logger
}

func NewEventNotifier(publisher events.Publisher, log *zap.Logger) *EventNotifier {
	return &EventNotifier{publisher: publisher, log: log}
}

func (n *EventNotifier) Notify(ctx context.Context, userID uuid.UUID, kind string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["user_id"] = userID.String()
	payload["kind"] = kind

	err := n.publisher.Publish(ctx, "events:notifications", events.Event{
		Type:    events.EventUserNotification,
		Payload: payload,
	})
	if err != nil {
		n.log.Warn("notification publish failed",
			zap.String("user_id", userID.String()),
			zap.String("kind", kind),
			zap.Error(err),
		)
	}
}
