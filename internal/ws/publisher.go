package ws

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tradewire/execd/internal/execution/pubsub"
)

// OrderTopic returns the per-owner status topic name.
func OrderTopic(ownerID uuid.UUID) string {
	return "orders." + ownerID.String()
}

// HubPublisher adapts the hub to the executor's status publisher port so
// every order transition is pushed to the owner's WebSocket topic.
type HubPublisher struct {
	hub    *Hub
	logger *zap.Logger
}

// NewHubPublisher wraps a hub as a status publisher.
func NewHubPublisher(hub *Hub, logger *zap.Logger) *HubPublisher {
	return &HubPublisher{hub: hub, logger: logger.Named("ws-publisher")}
}

// PublishStatus broadcasts the event. Failures are logged, never returned;
// stream delivery is best-effort relative to durable state.
func (p *HubPublisher) PublishStatus(ctx context.Context, event pubsub.OrderStatusEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("failed to marshal status event", zap.Error(err))
		return
	}
	p.hub.Broadcast(OrderTopic(event.OwnerID), data)
}
