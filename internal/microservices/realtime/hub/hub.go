package hub

import (
	"context"
	"errors"
	"slices"

	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/common/metrics"
	"restaurant-sync/internal/domain"
)

var ErrStopped = errors.New("hub stopped")

// Subscriber is one connected display. Send must not block: it returns false
// when the subscriber cannot take the event, and the hub then drops it.
type Subscriber interface {
	ID() string
	Channel() domain.Channel
	Send(e domain.Event) bool
	Close()
}

// Publisher accepts events for fan-out. The hub itself is one; the broker
// bridge is another that routes through RabbitMQ first.
type Publisher interface {
	Publish(ctx context.Context, e domain.Event) error
}

type countReq struct {
	ch    domain.Channel
	reply chan int
}

// Hub keeps per-channel subscriber sets. All membership changes and sends
// happen on the Run goroutine, so the registry needs no lock.
type Hub struct {
	register   chan Subscriber
	unregister chan Subscriber
	broadcast  chan domain.Event
	counts     chan countReq
	done       chan struct{}

	subs map[domain.Channel]map[Subscriber]struct{}
	// last status seen per live order; terminal orders are forgotten.
	last map[int64]domain.Status

	log     logger.Logger
	metrics *metrics.Metrics
}

func New(lg logger.Logger, m *metrics.Metrics) *Hub {
	subs := make(map[domain.Channel]map[Subscriber]struct{})
	for _, ch := range domain.Channels() {
		subs[ch] = make(map[Subscriber]struct{})
	}
	return &Hub{
		register:   make(chan Subscriber),
		unregister: make(chan Subscriber),
		broadcast:  make(chan domain.Event, 256),
		counts:     make(chan countReq),
		done:       make(chan struct{}),
		subs:       subs,
		last:       make(map[int64]domain.Status),
		log:        lg,
		metrics:    m,
	}
}

// Run owns the registry until ctx is done; remaining subscribers are closed.
func (h *Hub) Run(ctx context.Context) error {
	defer close(h.done)
	for {
		select {
		case s := <-h.register:
			h.subs[s.Channel()][s] = struct{}{}
			h.gauge(s.Channel())
			h.log.Debug("subscriber_joined", map[string]any{"subscriber": s.ID(), "channel": s.Channel()})

		case s := <-h.unregister:
			h.remove(s)

		case e := <-h.broadcast:
			h.fanOut(e)

		case req := <-h.counts:
			req.reply <- len(h.subs[req.ch])

		case <-ctx.Done():
			for ch, set := range h.subs {
				for s := range set {
					s.Close()
				}
				h.subs[ch] = make(map[Subscriber]struct{})
				h.gauge(ch)
			}
			return nil
		}
	}
}

// fanOut delivers e to the channels whose displays it can change: those
// showing the new status, and those that were showing the order before. An
// order the hub has not seen yet goes to every channel, except order:new
// which only lands where its status is shown.
func (h *Hub) fanOut(e domain.Event) {
	h.metrics.HubEvents.WithLabelValues(string(e.Type)).Inc()
	prev, known := h.last[e.OrderID]
	h.track(e, prev, known)

	for ch, set := range h.subs {
		if !interested(ch, e, prev, known) {
			continue
		}
		for s := range set {
			if s.Send(e) {
				continue
			}
			h.log.Warn("subscriber_dropped", map[string]any{"subscriber": s.ID(), "channel": ch, "event": e.Type})
			h.metrics.HubDropped.Inc()
			h.remove(s)
		}
	}
}

func (h *Hub) track(e domain.Event, prev domain.Status, known bool) {
	switch {
	case e.Status.Terminal():
		delete(h.last, e.OrderID)
	case !known || e.Status.Rank() >= prev.Rank():
		h.last[e.OrderID] = e.Status
	}
}

func interested(ch domain.Channel, e domain.Event, prev domain.Status, known bool) bool {
	filter := domain.DefaultFilter(ch)
	if len(filter) == 0 || slices.Contains(filter, e.Status) {
		return true
	}
	if e.Type == domain.EventOrderNew {
		return false
	}
	return !known || slices.Contains(filter, prev)
}

func (h *Hub) remove(s Subscriber) {
	set := h.subs[s.Channel()]
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	s.Close()
	h.gauge(s.Channel())
	h.log.Debug("subscriber_left", map[string]any{"subscriber": s.ID(), "channel": s.Channel()})
}

func (h *Hub) gauge(ch domain.Channel) {
	h.metrics.HubSubscribers.WithLabelValues(string(ch)).Set(float64(len(h.subs[ch])))
}

// Join adds s to its channel group.
func (h *Hub) Join(s Subscriber) error {
	if !s.Channel().Valid() {
		return errors.New("unknown channel " + string(s.Channel()))
	}
	select {
	case h.register <- s:
		return nil
	case <-h.done:
		return ErrStopped
	}
}

// Leave removes s; leaving twice is harmless.
func (h *Hub) Leave(s Subscriber) {
	select {
	case h.unregister <- s:
	case <-h.done:
	}
}

// Publish queues e for the interested channels. Delivery is at-least-once for
// subscribers that stay connected.
func (h *Hub) Publish(ctx context.Context, e domain.Event) error {
	if !e.Valid() {
		return errors.New("invalid event " + string(e.Type))
	}
	select {
	case <-h.done:
		return ErrStopped
	default:
	}
	select {
	case h.broadcast <- e:
		return nil
	case <-h.done:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Count returns the number of subscribers in a channel.
func (h *Hub) Count(ch domain.Channel) int {
	reply := make(chan int, 1)
	select {
	case h.counts <- countReq{ch: ch, reply: reply}:
		return <-reply
	case <-h.done:
		return 0
	}
}
