package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/domain"
	"restaurant-sync/internal/microservices/realtime/hub"
)

type mockChannel struct {
	mock.Mock
	deliveries chan amqp.Delivery
}

func (m *mockChannel) Publish(ctx context.Context, exchange, key, messageID string, body []byte, headers amqp.Table) error {
	args := m.Called(exchange, body, headers)
	return args.Error(0)
}

func (m *mockChannel) ConsumeExclusive(exchange, consumer string, prefetch int) (<-chan amqp.Delivery, error) {
	args := m.Called(exchange, consumer)
	return m.deliveries, args.Error(0)
}

func (m *mockChannel) CancelConsumer(consumer string) error {
	m.Called(consumer)
	return nil
}

type recorder struct {
	mu     sync.Mutex
	events []domain.Event
	err    error
}

func (r *recorder) Publish(_ context.Context, e domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) got() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

type ackLog struct {
	mu    sync.Mutex
	acks  []uint64
	nacks map[uint64]bool
}

func newAckLog() *ackLog { return &ackLog{nacks: map[uint64]bool{}} }

func (a *ackLog) Ack(tag uint64, _ bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *ackLog) Nack(tag uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks[tag] = requeue
	return nil
}

func (a *ackLog) Reject(tag uint64, requeue bool) error { return a.Nack(tag, false, requeue) }

func (a *ackLog) settled() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acks) + len(a.nacks)
}

func delivery(acks *ackLog, tag uint64, body []byte) amqp.Delivery {
	return amqp.Delivery{Acknowledger: acks, DeliveryTag: tag, Body: body}
}

func TestBridge_PublishGoesThroughExchange(t *testing.T) {
	ch := &mockChannel{}
	local := &recorder{}
	b := New(ch, local, "i1", logger.Nop())

	ev := domain.NewStatusChangeEvent(5, domain.StatusReady, "kds")
	ch.On("Publish", Exchange, mock.Anything, mock.MatchedBy(func(h amqp.Table) bool {
		return h["x-source"] == "i1" && h["x-event"] == string(domain.EventOrderStatusChange)
	})).Return(nil).Once()

	require.NoError(t, b.Publish(context.Background(), ev))
	ch.AssertExpectations(t)
	assert.Empty(t, local.got())

	body := ch.Calls[0].Arguments.Get(1).([]byte)
	var back domain.Event
	require.NoError(t, json.Unmarshal(body, &back))
	assert.Equal(t, int64(5), back.OrderID)
}

func TestBridge_PublishFallsBackToLocal(t *testing.T) {
	ch := &mockChannel{}
	local := &recorder{}
	b := New(ch, local, "i1", logger.Nop())

	ch.On("Publish", Exchange, mock.Anything, mock.Anything).Return(errors.New("channel closed"))

	require.NoError(t, b.Publish(context.Background(), domain.NewStatusChangeEvent(5, domain.StatusReady, "kds")))
	require.Len(t, local.got(), 1)

	assert.Error(t, b.Publish(context.Background(), domain.Event{Type: domain.EventOrderNew}))
}

func TestBridge_RunDispatchesAndSettles(t *testing.T) {
	ch := &mockChannel{deliveries: make(chan amqp.Delivery, 4)}
	ch.On("ConsumeExclusive", Exchange, "hub-i1").Return(nil)
	ch.On("CancelConsumer", "hub-i1").Return()
	local := &recorder{}
	b := New(ch, local, "i1", logger.Nop())

	good, err := json.Marshal(domain.NewStatusChangeEvent(9, domain.StatusAccepted, "waiter"))
	require.NoError(t, err)
	invalid, err := json.Marshal(domain.Event{Type: domain.EventOrderUpdate, OrderID: 9})
	require.NoError(t, err)

	acks := newAckLog()
	ch.deliveries <- delivery(acks, 1, good)
	ch.deliveries <- delivery(acks, 2, []byte("{not json"))
	ch.deliveries <- delivery(acks, 3, invalid)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool { return acks.settled() == 3 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []uint64{1}, acks.acks)
	assert.Equal(t, map[uint64]bool{2: false, 3: false}, acks.nacks)
	require.Len(t, local.got(), 1)
	assert.Equal(t, int64(9), local.got()[0].OrderID)
	ch.AssertCalled(t, "CancelConsumer", "hub-i1")
}

func TestBridge_DispatchRequeuesOnLocalFailure(t *testing.T) {
	good, err := json.Marshal(domain.NewStatusChangeEvent(1, domain.StatusPreparing, "kds"))
	require.NoError(t, err)

	b := New(&mockChannel{}, &recorder{err: context.DeadlineExceeded}, "i1", logger.Nop())
	assert.ErrorIs(t, b.dispatch(context.Background(), amqp.Delivery{Body: good}), ErrRequeue)

	b = New(&mockChannel{}, &recorder{err: hub.ErrStopped}, "i1", logger.Nop())
	assert.ErrorIs(t, b.dispatch(context.Background(), amqp.Delivery{Body: good}), ErrDLQ)
}
