package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
)

// ChangeTopic carries entity change events from CRUD producers to the engine.
const ChangeTopic = "crm.entity_changes"

// ChangeNotifier receives entity change events.
type ChangeNotifier interface {
	NotifyChange(ctx context.Context, ev ChangeEvent)
}

// EventBus is an in-process pub/sub feeding change events into a notifier.
type EventBus struct {
	pubsub *gochannel.GoChannel
	router *message.Router
}

// NewEventBus wires ChangeTopic to notifier. Call Run to start delivery.
func NewEventBus(notifier ChangeNotifier) (*EventBus, error) {
	logger := watermill.NewSlogLogger(slog.Default())

	pubsub := gochannel.NewGoChannel(
		gochannel.Config{
			OutputChannelBuffer:            64,
			Persistent:                     false,
			BlockPublishUntilSubscriberAck: false,
		},
		logger,
	)

	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, fmt.Errorf("create event router: %w", err)
	}

	router.AddNoPublisherHandler(
		"workflow_trigger_handler",
		ChangeTopic,
		pubsub,
		func(msg *message.Message) error {
			var ev ChangeEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				slog.Warn("Discarding malformed change event", "message_uuid", msg.UUID, "error", err)
				return nil
			}
			if ev.CompanyID == "" || ev.ResourceType == "" || !ev.EventType.Valid() {
				slog.Warn("Discarding incomplete change event", "message_uuid", msg.UUID,
					"resource_type", ev.ResourceType, "event_type", ev.EventType)
				return nil
			}
			notifier.NotifyChange(msg.Context(), ev)
			return nil
		},
	)

	return &EventBus{pubsub: pubsub, router: router}, nil
}

// Run delivers events until ctx is done or the bus is closed.
func (b *EventBus) Run(ctx context.Context) error {
	return b.router.Run(ctx)
}

// Running is closed once the bus is subscribed and delivering.
func (b *EventBus) Running() chan struct{} {
	return b.router.Running()
}

// PublishChange publishes an entity change for the engine to react to.
func (b *EventBus) PublishChange(ev ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal change event: %w", err)
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("company_id", ev.CompanyID)
	msg.Metadata.Set("resource_type", ev.ResourceType)
	msg.Metadata.Set("event_type", string(ev.EventType))

	if err := b.pubsub.Publish(ChangeTopic, msg); err != nil {
		return fmt.Errorf("publish change event: %w", err)
	}
	return nil
}

// Close stops the router and the underlying pub/sub.
func (b *EventBus) Close() error {
	if err := b.router.Close(); err != nil {
		return err
	}
	return b.pubsub.Close()
}
