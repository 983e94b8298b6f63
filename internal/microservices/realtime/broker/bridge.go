// Package broker carries hub events between order-service instances over a
// RabbitMQ fanout exchange, so every instance's subscribers see every event.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/domain"
	"restaurant-sync/internal/microservices/realtime/hub"
)

const Exchange = "order_events"

var (
	ErrRequeue = errors.New("requeue")     // nack(requeue=true)
	ErrDLQ     = errors.New("dead_letter") // nack(requeue=false)
)

// Channel is the slice of the mq client the bridge uses.
type Channel interface {
	Publish(ctx context.Context, exchange, key, messageID string, body []byte, headers amqp.Table) error
	ConsumeExclusive(exchange, consumer string, prefetch int) (<-chan amqp.Delivery, error)
	CancelConsumer(consumer string) error
}

// Bridge is a hub.Publisher that routes through the exchange. Run feeds what
// arrives back into the local hub.
type Bridge struct {
	ch       Channel
	local    hub.Publisher
	instance string
	prefetch int
	log      logger.Logger
}

func New(ch Channel, local hub.Publisher, instance string, lg logger.Logger) *Bridge {
	return &Bridge{ch: ch, local: local, instance: instance, prefetch: 32, log: lg}
}

// Publish sends e to every instance. When the broker refuses it the event is
// still delivered to this instance's subscribers.
func (b *Bridge) Publish(ctx context.Context, e domain.Event) error {
	if !e.Valid() {
		return fmt.Errorf("invalid event %s", e.Type)
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	headers := amqp.Table{"x-source": b.instance, "x-event": string(e.Type)}
	if err := b.ch.Publish(ctx, Exchange, "", uuid.NewString(), body, headers); err != nil {
		b.log.Error("event_broker_publish_failed", err, map[string]any{"event": e.Type, "order_id": e.OrderID})
		return b.local.Publish(ctx, e)
	}
	return nil
}

// Run consumes the instance's exclusive queue until ctx is done.
func (b *Bridge) Run(ctx context.Context) error {
	tag := "hub-" + b.instance
	msgs, err := b.ch.ConsumeExclusive(Exchange, tag, b.prefetch)
	if err != nil {
		return fmt.Errorf("consume %s: %w", Exchange, err)
	}
	b.log.Info("event_bridge_started", map[string]any{"exchange": Exchange, "consumer": tag})

	for {
		select {
		case <-ctx.Done():
			_ = b.ch.CancelConsumer(tag)
			b.log.Info("event_bridge_stopped", map[string]any{"consumer": tag})
			return nil
		case d, ok := <-msgs:
			if !ok {
				return errors.New("event delivery channel closed")
			}
			b.settle(d, b.dispatch(ctx, d))
		}
	}
}

func (b *Bridge) dispatch(ctx context.Context, d amqp.Delivery) error {
	var e domain.Event
	if err := json.Unmarshal(d.Body, &e); err != nil {
		return ErrDLQ
	}
	if !e.Valid() {
		return ErrDLQ
	}
	if err := b.local.Publish(ctx, e); err != nil {
		if errors.Is(err, hub.ErrStopped) {
			return ErrDLQ
		}
		return ErrRequeue
	}
	return nil
}

func (b *Bridge) settle(d amqp.Delivery, err error) {
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, ErrDLQ):
		b.log.Warn("event_dropped", map[string]any{"message_id": d.MessageId})
		_ = d.Nack(false, false)
	default:
		_ = d.Nack(false, true)
	}
}
