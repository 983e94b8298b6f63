package hub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/common/metrics"
	"restaurant-sync/internal/domain"
)

type fakeSub struct {
	id     string
	ch     domain.Channel
	events chan domain.Event

	mu     sync.Mutex
	closed bool
}

func newFakeSub(id string, ch domain.Channel, buf int) *fakeSub {
	return &fakeSub{id: id, ch: ch, events: make(chan domain.Event, buf)}
}

func (f *fakeSub) ID() string              { return f.id }
func (f *fakeSub) Channel() domain.Channel { return f.ch }

func (f *fakeSub) Send(e domain.Event) bool {
	select {
	case f.events <- e:
		return true
	default:
		return false
	}
}

func (f *fakeSub) Close() {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
}

func (f *fakeSub) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func startHub(t *testing.T) (*Hub, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	h := New(logger.Nop(), m)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h, m
}

func receive(t *testing.T, s *fakeSub) domain.Event {
	t.Helper()
	select {
	case e := <-s.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("%s: no event", s.id)
		return domain.Event{}
	}
}

func TestHub_UnknownOrderGoesToEveryChannel(t *testing.T) {
	h, m := startHub(t)
	kitchen := newFakeSub("k1", domain.ChannelKitchen, 4)
	service := newFakeSub("s1", domain.ChannelService, 4)
	admin := newFakeSub("a1", domain.ChannelAdmin, 4)
	for _, s := range []*fakeSub{kitchen, service, admin} {
		require.NoError(t, h.Join(s))
	}
	assert.Equal(t, 1, h.Count(domain.ChannelKitchen))

	ev := domain.NewStatusChangeEvent(42, domain.StatusReady, "test")
	require.NoError(t, h.Publish(context.Background(), ev))

	for _, s := range []*fakeSub{kitchen, service, admin} {
		got := receive(t, s)
		assert.Equal(t, int64(42), got.OrderID)
		assert.Equal(t, domain.StatusReady, got.Status)
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HubEvents.WithLabelValues(string(domain.EventOrderStatusChange))))
}

func TestHub_RoutesByChannelInterest(t *testing.T) {
	h, _ := startHub(t)
	kitchen := newFakeSub("k1", domain.ChannelKitchen, 8)
	service := newFakeSub("s1", domain.ChannelService, 8)
	admin := newFakeSub("a1", domain.ChannelAdmin, 8)
	for _, s := range []*fakeSub{kitchen, service, admin} {
		require.NoError(t, h.Join(s))
	}
	ctx := context.Background()

	// A new PENDING order is kitchen business only.
	require.NoError(t, h.Publish(ctx, domain.NewOrderEvent(domain.EventOrderNew, domain.Order{ID: 7, Status: domain.StatusPending}, "test")))
	assert.Equal(t, int64(7), receive(t, kitchen).OrderID)
	assert.Equal(t, int64(7), receive(t, admin).OrderID)

	// Still inside the kitchen filter.
	require.NoError(t, h.Publish(ctx, domain.NewStatusChangeEvent(7, domain.StatusAccepted, "test")))
	assert.Equal(t, domain.StatusAccepted, receive(t, kitchen).Status)
	receive(t, admin)

	// Leaving the kitchen: the kitchen must see it to drop the row, service
	// to add it.
	require.NoError(t, h.Publish(ctx, domain.NewStatusChangeEvent(7, domain.StatusPreparing, "test")))
	receive(t, kitchen)
	receive(t, admin)
	require.NoError(t, h.Publish(ctx, domain.NewStatusChangeEvent(7, domain.StatusReady, "test")))
	assert.Equal(t, domain.StatusReady, receive(t, kitchen).Status)
	assert.Equal(t, domain.StatusReady, receive(t, service).Status)
	receive(t, admin)

	// Gone from the kitchen for good.
	require.NoError(t, h.Publish(ctx, domain.NewStatusChangeEvent(7, domain.StatusDelivered, "test")))
	assert.Equal(t, domain.StatusDelivered, receive(t, service).Status)
	receive(t, admin)

	// The kitchen's buffer saw only the events above; service never saw the
	// kitchen-only ones.
	assert.Empty(t, kitchen.events)
	assert.Empty(t, service.events)
	assert.Empty(t, admin.events)
}

func TestHub_DropsSlowSubscriber(t *testing.T) {
	h, m := startHub(t)
	slow := newFakeSub("slow", domain.ChannelKitchen, 0)
	fast := newFakeSub("fast", domain.ChannelKitchen, 4)
	require.NoError(t, h.Join(slow))
	require.NoError(t, h.Join(fast))

	require.NoError(t, h.Publish(context.Background(), domain.NewStatusChangeEvent(1, domain.StatusAccepted, "test")))
	receive(t, fast)

	assert.Equal(t, 1, h.Count(domain.ChannelKitchen))
	assert.True(t, slow.isClosed())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HubDropped))
}

func TestHub_LeaveAndRejects(t *testing.T) {
	h, _ := startHub(t)
	s := newFakeSub("s", domain.ChannelService, 1)
	require.NoError(t, h.Join(s))
	h.Leave(s)
	h.Leave(s)
	assert.Equal(t, 0, h.Count(domain.ChannelService))
	assert.True(t, s.isClosed())

	assert.Error(t, h.Join(newFakeSub("x", domain.Channel("bar"), 1)))
	assert.Error(t, h.Publish(context.Background(), domain.Event{Type: domain.EventOrderUpdate}))
}

func TestHub_StopClosesSubscribers(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := New(logger.Nop(), m)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = h.Run(ctx); close(done) }()

	s := newFakeSub("s", domain.ChannelAdmin, 1)
	require.NoError(t, h.Join(s))
	cancel()
	<-done

	assert.True(t, s.isClosed())
	assert.ErrorIs(t, h.Join(s), ErrStopped)
	assert.ErrorIs(t, h.Publish(context.Background(), domain.NewStatusChangeEvent(1, domain.StatusReady, "t")), ErrStopped)
}
