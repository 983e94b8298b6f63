package mq

import (
	"context"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pendingConfirm resolves when the test sends on it.
type pendingConfirm chan bool

func (p pendingConfirm) WaitContext(ctx context.Context) (bool, error) {
	select {
	case ack := <-p:
		return ack, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func TestPublish_LateConfirmIsNotReused(t *testing.T) {
	issued := make(chan pendingConfirm, 2)
	c := &Client{publish: func(context.Context, string, string, amqp.Publishing) (confirmation, error) {
		p := make(pendingConfirm, 1)
		issued <- p
		return p, nil
	}}

	// first publish gives up before the broker answers
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := c.Publish(ctx, "order_events", "", "m-1", []byte(`{}`), nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// its ack shows up late; the second publish is nacked and must say so
	(<-issued) <- true
	done := make(chan error, 1)
	go func() { done <- c.Publish(context.Background(), "order_events", "", "m-2", []byte(`{}`), nil) }()

	select {
	case second := <-issued:
		second <- false
	case <-time.After(time.Second):
		t.Fatal("second publish never reached the channel")
	}
	assert.ErrorIs(t, <-done, ErrNack)
}

func TestPublish_Acked(t *testing.T) {
	var got amqp.Publishing
	c := &Client{publish: func(_ context.Context, exchange, _ string, msg amqp.Publishing) (confirmation, error) {
		assert.Equal(t, "order_events", exchange)
		got = msg
		p := make(pendingConfirm, 1)
		p <- true
		return p, nil
	}}

	require.NoError(t, c.Publish(context.Background(), "order_events", "", "m-1", []byte(`{"a":1}`), amqp.Table{"x-source": "i-1"}))
	assert.Equal(t, "m-1", got.MessageId)
	assert.Equal(t, amqp.Persistent, got.DeliveryMode)
	assert.Equal(t, "i-1", got.Headers["x-source"])
}
