package rabbitmq

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/sf7293/heartbeat-agent/internal/bus"
	"github.com/sf7293/heartbeat-agent/internal/domain"
)

// EventRelay forwards every bus event to a broker queue as JSON.
type EventRelay struct {
	broker    domain.Broker
	queueName string
	logger    *slog.Logger
}

func NewEventRelay(broker domain.Broker, queueName string, logger *slog.Logger) *EventRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventRelay{
		broker:    broker,
		queueName: queueName,
		logger:    logger.With("component", "event_relay"),
	}
}

// Run subscribes to b and relays until ctx is done or the subscription is closed.
// Publish failures are logged and the event is dropped.
func (r *EventRelay) Run(ctx context.Context, b *bus.Bus) error {
	sub, err := b.Subscribe(ctx)
	if err != nil {
		return err
	}
	defer b.Unsubscribe(sub)

	r.logger.InfoContext(ctx, "relaying events", "queue", r.queueName, "subscription_id", sub.ID())
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-sub.Ch():
			if !ok {
				return nil
			}
			// connected is addressed to this subscriber, not to downstream consumers.
			if event.Type == domain.EventConnected {
				continue
			}
			r.forward(ctx, event)
		}
	}
}

func (r *EventRelay) forward(ctx context.Context, event domain.Event) {
	body, err := json.Marshal(event)
	if err != nil {
		r.logger.ErrorContext(ctx, "failed to encode event", "event_type", event.Type, "error", err)
		return
	}

	if err := r.broker.PublishMessage(ctx, r.queueName, string(body)); err != nil {
		r.logger.WarnContext(ctx, "failed to relay event", "event_type", event.Type, "error", err)
	}
}
