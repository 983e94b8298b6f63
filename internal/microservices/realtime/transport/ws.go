package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"restaurant-sync/internal/capability"
	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/domain"
	"restaurant-sync/internal/microservices/realtime/hub"
)

const (
	joinTimeout  = 10 * time.Second
	writeTimeout = 10 * time.Second
	pongWait     = 60 * time.Second
	pingEvery    = pongWait * 9 / 10
	sendBuffer   = 64
	maxFrame     = 64 << 10
)

// Registry is the part of the hub a connection needs.
type Registry interface {
	Join(s hub.Subscriber) error
	Leave(s hub.Subscriber)
}

// OrderLookup reads the stored order a client-emitted status change refers to.
type OrderLookup interface {
	GetOrder(ctx context.Context, id int64) (domain.Order, error)
}

// Handler upgrades GET /ws. The first frame must be a join naming the
// channel; afterwards the client may emit order:statusChange frames. One is
// relayed through the publisher only when the role may set that status and
// the stored order already has it.
type Handler struct {
	registry  Registry
	publisher hub.Publisher
	orders    OrderLookup
	caps      *capability.Table
	log       logger.Logger
	upgrader  websocket.Upgrader
}

func NewHandler(registry Registry, publisher hub.Publisher, orders OrderLookup, caps *capability.Table, lg logger.Logger) *Handler {
	return &Handler{
		registry:  registry,
		publisher: publisher,
		orders:    orders,
		caps:      caps,
		log:       lg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	role := capability.ParseRole(r.Header.Get("X-Staff-Role"))
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("ws_upgrade_failed", err, nil)
		return
	}
	ws.SetReadLimit(maxFrame)

	ch, err := h.readJoin(ws, role)
	if err != nil {
		h.reject(ws, err.Error())
		return
	}

	c := &conn{
		id:   uuid.NewString(),
		ch:   ch,
		role: role,
		ws:   ws,
		send: make(chan domain.Event, sendBuffer),
	}
	if err := h.registry.Join(c); err != nil {
		h.reject(ws, err.Error())
		return
	}
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteJSON(domain.ControlFrame{Type: domain.FrameJoined, Channel: ch}); err != nil {
		h.registry.Leave(c)
		_ = ws.Close()
		return
	}
	h.log.Info("ws_joined", map[string]any{"conn": c.id, "channel": ch, "role": role})

	go c.writePump()
	h.readPump(r.Context(), c)
}

type joinError string

func (e joinError) Error() string { return string(e) }

func (h *Handler) readJoin(ws *websocket.Conn, role capability.Role) (domain.Channel, error) {
	_ = ws.SetReadDeadline(time.Now().Add(joinTimeout))
	var f domain.ControlFrame
	if err := ws.ReadJSON(&f); err != nil {
		return "", joinError("expected join frame")
	}
	if f.Type != domain.FrameJoin {
		return "", joinError("first frame must be join")
	}
	ch := f.Channel
	if ch == "" {
		def, ok := capability.DefaultChannel(role)
		if !ok {
			return "", joinError("no channel for role " + string(role))
		}
		ch = def
	}
	if !ch.Valid() {
		return "", joinError("unknown channel " + string(ch))
	}
	if !h.caps.CanJoin(role, ch) {
		return "", joinError("role " + string(role) + " may not join " + string(ch))
	}
	return ch, nil
}

func (h *Handler) reject(ws *websocket.Conn, detail string) {
	h.log.Warn("ws_join_rejected", map[string]any{"detail": detail})
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	_ = ws.WriteJSON(domain.ControlFrame{Type: domain.FrameError, Detail: detail})
	_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, detail))
	_ = ws.Close()
}

// readPump handles inbound frames until the socket fails, then leaves the hub.
func (h *Handler) readPump(ctx context.Context, c *conn) {
	defer h.registry.Leave(c)

	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.log.Warn("ws_read_failed", map[string]any{"conn": c.id, "error": err.Error()})
			}
			return
		}

		var e domain.Event
		if err := json.Unmarshal(data, &e); err != nil || e.Type != domain.EventOrderStatusChange || !e.Valid() {
			h.log.Debug("ws_frame_ignored", map[string]any{"conn": c.id})
			continue
		}
		if !h.caps.CanEmit(c.role, e.Type) || !h.caps.CanSetStatus(c.role, e.Status) {
			h.log.Warn("ws_emit_denied", map[string]any{"conn": c.id, "role": c.role, "status": e.Status})
			continue
		}

		pctx, cancel := context.WithTimeout(ctx, writeTimeout)
		if err := h.relay(pctx, c, e); err != nil {
			h.log.Warn("ws_relay_dropped", map[string]any{"conn": c.id, "order_id": e.OrderID, "error": err.Error()})
		}
		cancel()
	}
}

type staleStatusError struct {
	claimed, stored domain.Status
}

func (e *staleStatusError) Error() string {
	return fmt.Sprintf("order is %s, not %s", e.stored, e.claimed)
}

// relay republishes a client status change once the stored order confirms it.
func (h *Handler) relay(ctx context.Context, c *conn, e domain.Event) error {
	o, err := h.orders.GetOrder(ctx, e.OrderID)
	if err != nil {
		return err
	}
	if o.Status != e.Status {
		return &staleStatusError{claimed: e.Status, stored: o.Status}
	}
	return h.publisher.Publish(ctx, domain.NewStatusChangeEvent(o.ID, o.Status, c.id))
}

// conn is one websocket subscriber.
type conn struct {
	id   string
	ch   domain.Channel
	role capability.Role
	ws   *websocket.Conn
	send chan domain.Event

	closeOnce sync.Once
}

func (c *conn) ID() string              { return c.id }
func (c *conn) Channel() domain.Channel { return c.ch }

func (c *conn) Send(e domain.Event) bool {
	select {
	case c.send <- e:
		return true
	default:
		return false
	}
}

// Close is called by the hub only, which never sends after closing.
func (c *conn) Close() {
	c.closeOnce.Do(func() { close(c.send) })
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingEvery)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case e, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteJSON(e); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
