// Package live holds the terminal's realtime connection: it joins a hub
// channel, folds incoming events into the display projection and refetches
// the full list after every reconnect.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"restaurant-sync/internal/client/view"
	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/domain"
)

const (
	writeTimeout = 10 * time.Second
	readWait     = 70 * time.Second
	minBackoff   = 500 * time.Millisecond
	maxBackoff   = 30 * time.Second
	refetchLimit = 500
)

var ErrNotConnected = errors.New("live: not connected")

// JoinError is the hub refusing the join frame. Retrying will not help.
type JoinError struct{ Detail string }

func (e *JoinError) Error() string { return "live: join rejected: " + e.Detail }

// OrderSource is used to rebuild the display.
type OrderSource interface {
	ListOrders(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error)
	GetOrder(ctx context.Context, id int64) (domain.Order, error)
}

type Client struct {
	url     string
	role    string
	channel domain.Channel
	view    *view.Projection
	orders  OrderSource
	log     logger.Logger
	dialer  *websocket.Dialer

	mu   sync.Mutex
	conn *websocket.Conn
}

// New builds a client for the hub behind baseURL (http or https; the ws
// scheme is derived).
func New(baseURL, role string, ch domain.Channel, p *view.Projection, orders OrderSource, lg logger.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/ws")
	if err != nil {
		return nil, fmt.Errorf("live: parse %q: %w", baseURL, err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http", "":
		u.Scheme = "ws"
	}
	return &Client{
		url:     u.String(),
		role:    role,
		channel: ch,
		view:    p,
		orders:  orders,
		log:     lg,
		dialer:  &websocket.Dialer{HandshakeTimeout: writeTimeout},
	}, nil
}

// Run keeps the connection up until ctx is done, backing off between
// attempts. It returns early only when the hub rejects the join.
func (c *Client) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		err := c.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		var je *JoinError
		if errors.As(err, &je) {
			return err
		}
		if errors.Is(err, errSessionWasUp) {
			backoff = minBackoff
		}
		if err != nil {
			c.log.Warn("live_disconnected", map[string]any{"error": err.Error(), "retry_in": backoff.String()})
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

var errSessionWasUp = errors.New("live: connection lost")

func (c *Client) session(ctx context.Context) error {
	// 1. Dial and join
	hdr := http.Header{}
	if c.role != "" {
		hdr.Set("X-Staff-Role", c.role)
	}
	ws, _, err := c.dialer.DialContext(ctx, c.url, hdr)
	if err != nil {
		return err
	}
	defer ws.Close()

	stop := context.AfterFunc(ctx, func() { _ = ws.Close() })
	defer stop()

	if err := join(ws, c.channel); err != nil {
		return err
	}

	// 2. Refetch so nothing missed while disconnected stays stale
	orders, err := c.orders.ListOrders(ctx, domain.OrderFilter{Limit: refetchLimit})
	if err != nil {
		return fmt.Errorf("live: refetch: %w", err)
	}
	c.view.Reset(orders)
	c.log.Info("live_connected", map[string]any{"channel": c.channel, "orders": len(orders)})

	c.setConn(ws)
	defer c.setConn(nil)

	// 3. Read events until the socket fails
	_ = ws.SetReadDeadline(time.Now().Add(readWait))
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
	})
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("%w: %v", errSessionWasUp, err)
		}
		_ = ws.SetReadDeadline(time.Now().Add(readWait))
		c.handle(ctx, data)
	}
}

func join(ws *websocket.Conn, ch domain.Channel) error {
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteJSON(domain.ControlFrame{Type: domain.FrameJoin, Channel: ch}); err != nil {
		return err
	}
	_ = ws.SetReadDeadline(time.Now().Add(writeTimeout))
	var reply domain.ControlFrame
	if err := ws.ReadJSON(&reply); err != nil {
		return fmt.Errorf("live: read join reply: %w", err)
	}
	switch reply.Type {
	case domain.FrameJoined:
		return nil
	case domain.FrameError:
		return &JoinError{Detail: reply.Detail}
	default:
		return fmt.Errorf("live: unexpected join reply %q", reply.Type)
	}
}

func (c *Client) handle(ctx context.Context, data []byte) {
	var e domain.Event
	if err := json.Unmarshal(data, &e); err != nil {
		c.log.Debug("live_frame_ignored", map[string]any{"error": err.Error()})
		return
	}
	if c.view.Apply(e) != view.NeedsFetch {
		return
	}
	o, err := c.orders.GetOrder(ctx, e.OrderID)
	if err != nil {
		c.log.Warn("live_fetch_failed", map[string]any{"order_id": e.OrderID, "error": err.Error()})
		return
	}
	c.view.Apply(domain.NewOrderEvent(domain.EventOrderUpdate, o, e.Source))
}

func (c *Client) setConn(ws *websocket.Conn) {
	c.mu.Lock()
	c.conn = ws
	c.mu.Unlock()
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// EmitStatusChange sends an order:statusChange frame for the hub to relay.
func (c *Client) EmitStatusChange(ctx context.Context, id int64, st domain.Status) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteJSON(domain.NewStatusChangeEvent(id, st, ""))
}
