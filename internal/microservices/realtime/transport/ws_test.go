package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restaurant-sync/internal/capability"
	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/common/metrics"
	"restaurant-sync/internal/domain"
	"restaurant-sync/internal/microservices/realtime/hub"
)

// storedOrders stands in for the order service's current state.
type storedOrders map[int64]domain.Status

func (s storedOrders) GetOrder(_ context.Context, id int64) (domain.Order, error) {
	st, ok := s[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return domain.Order{ID: id, Status: st}, nil
}

var defaultStore = storedOrders{
	3: domain.StatusReady,
	4: domain.StatusPreparing,
	9: domain.StatusAccepted,
}

func setup(t *testing.T) (*hub.Hub, string) {
	t.Helper()
	caps, err := capability.New()
	require.NoError(t, err)

	h := hub.New(logger.Nop(), metrics.New(prometheus.NewRegistry()))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { _ = h.Run(ctx); close(done) }()

	srv := httptest.NewServer(NewHandler(h, h, defaultStore, caps, logger.Nop()))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return h, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url, role string) *websocket.Conn {
	t.Helper()
	hdr := http.Header{}
	if role != "" {
		hdr.Set("X-Staff-Role", role)
	}
	ws, _, err := websocket.DefaultDialer.Dial(url, hdr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func join(t *testing.T, ws *websocket.Conn, ch domain.Channel) domain.ControlFrame {
	t.Helper()
	require.NoError(t, ws.WriteJSON(domain.ControlFrame{Type: domain.FrameJoin, Channel: ch}))
	var f domain.ControlFrame
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ws.ReadJSON(&f))
	return f
}

func readEvent(t *testing.T, ws *websocket.Conn) domain.Event {
	t.Helper()
	var e domain.Event
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, ws.ReadJSON(&e))
	return e
}

func waitCount(t *testing.T, h *hub.Hub, ch domain.Channel, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return h.Count(ch) == n }, 2*time.Second, 10*time.Millisecond)
}

func TestJoin_DefaultChannelForRole(t *testing.T) {
	h, url := setup(t)
	ws := dial(t, url, "kitchen")

	f := join(t, ws, "")
	assert.Equal(t, domain.FrameJoined, f.Type)
	assert.Equal(t, domain.ChannelKitchen, f.Channel)
	waitCount(t, h, domain.ChannelKitchen, 1)

	require.NoError(t, h.Publish(context.Background(), domain.NewStatusChangeEvent(7, domain.StatusPreparing, "test")))
	e := readEvent(t, ws)
	assert.Equal(t, int64(7), e.OrderID)
	assert.Equal(t, domain.StatusPreparing, e.Status)
}

func TestJoin_Rejected(t *testing.T) {
	cases := []struct {
		name  string
		role  string
		frame domain.ControlFrame
	}{
		{"customer on kitchen", "", domain.ControlFrame{Type: domain.FrameJoin, Channel: domain.ChannelKitchen}},
		{"customer default", "customer", domain.ControlFrame{Type: domain.FrameJoin}},
		{"waiter on kitchen", "waiter", domain.ControlFrame{Type: domain.FrameJoin, Channel: domain.ChannelKitchen}},
		{"unknown channel", "admin", domain.ControlFrame{Type: domain.FrameJoin, Channel: "bar"}},
		{"not a join", "admin", domain.ControlFrame{Type: "hello"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, url := setup(t)
			ws := dial(t, url, tc.role)
			require.NoError(t, ws.WriteJSON(tc.frame))

			var f domain.ControlFrame
			require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
			require.NoError(t, ws.ReadJSON(&f))
			assert.Equal(t, domain.FrameError, f.Type)
			assert.NotEmpty(t, f.Detail)

			_, _, err := ws.ReadMessage()
			assert.Error(t, err)
		})
	}
}

func TestStatusChange_RelayedToOtherChannels(t *testing.T) {
	h, url := setup(t)

	kitchen := dial(t, url, "kitchen")
	require.Equal(t, domain.FrameJoined, join(t, kitchen, domain.ChannelKitchen).Type)
	waiter := dial(t, url, "waiter")
	require.Equal(t, domain.FrameJoined, join(t, waiter, domain.ChannelService).Type)
	waitCount(t, h, domain.ChannelKitchen, 1)
	waitCount(t, h, domain.ChannelService, 1)

	require.NoError(t, kitchen.WriteJSON(domain.NewStatusChangeEvent(3, domain.StatusReady, "kds")))

	e := readEvent(t, waiter)
	assert.Equal(t, domain.EventOrderStatusChange, e.Type)
	assert.Equal(t, int64(3), e.OrderID)
	assert.Equal(t, domain.StatusReady, e.Status)

	// The origin sees its own change too; projections apply it idempotently.
	own := readEvent(t, kitchen)
	assert.Equal(t, int64(3), own.OrderID)
}

func TestStatusChange_DeniedForCustomerIsDropped(t *testing.T) {
	h, url := setup(t)

	admin := dial(t, url, "admin")
	require.Equal(t, domain.FrameJoined, join(t, admin, domain.ChannelAdmin).Type)
	waitCount(t, h, domain.ChannelAdmin, 1)

	// A customer cannot join any channel, so it never reaches the emit path.
	guest := dial(t, url, "")
	assert.Equal(t, domain.FrameError, join(t, guest, domain.ChannelService).Type)

	require.NoError(t, admin.WriteJSON(map[string]any{"type": "order:update", "order_id": 1}))
	require.NoError(t, admin.WriteJSON(domain.NewStatusChangeEvent(9, domain.StatusAccepted, "admin")))
	e := readEvent(t, admin)
	assert.Equal(t, int64(9), e.OrderID)
}

func TestLeaveOnDisconnect(t *testing.T) {
	h, url := setup(t)
	ws := dial(t, url, "waiter")
	require.Equal(t, domain.FrameJoined, join(t, ws, "").Type)
	waitCount(t, h, domain.ChannelService, 1)

	require.NoError(t, ws.Close())
	waitCount(t, h, domain.ChannelService, 0)
}

func TestStatusChange_OnlyConfirmedChangesAreRelayed(t *testing.T) {
	h, url := setup(t)

	kitchen := dial(t, url, "kitchen")
	require.Equal(t, domain.FrameJoined, join(t, kitchen, domain.ChannelKitchen).Type)
	waiter := dial(t, url, "waiter")
	require.Equal(t, domain.FrameJoined, join(t, waiter, domain.ChannelService).Type)
	waitCount(t, h, domain.ChannelKitchen, 1)
	waitCount(t, h, domain.ChannelService, 1)

	// waiter may not set READY
	require.NoError(t, waiter.WriteJSON(domain.NewStatusChangeEvent(3, domain.StatusReady, "pos")))
	// unknown order
	require.NoError(t, kitchen.WriteJSON(domain.NewStatusChangeEvent(999, domain.StatusReady, "kds")))
	// stored order is PREPARING, not CANCELLED
	require.NoError(t, kitchen.WriteJSON(domain.NewStatusChangeEvent(4, domain.StatusCancelled, "kds")))
	// confirmed change
	require.NoError(t, kitchen.WriteJSON(domain.NewStatusChangeEvent(4, domain.StatusPreparing, "kds")))

	e := readEvent(t, waiter)
	assert.Equal(t, int64(4), e.OrderID)
	assert.Equal(t, domain.StatusPreparing, e.Status)
}
