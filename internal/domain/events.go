package domain

import "time"

type EventType string

const (
	EventOrderNew          EventType = "order:new"
	EventOrderUpdate       EventType = "order:update"
	EventOrderStatusChange EventType = "order:statusChange"
)

// Event is what the fan-out hub carries. New and update events carry the full
// order; a status change carries only the id and the new status.
type Event struct {
	Type       EventType `json:"type"`
	Order      *Order    `json:"order,omitempty"`
	OrderID    int64     `json:"order_id"`
	Status     Status    `json:"status"`
	OccurredAt time.Time `json:"occurred_at"`
	Source     string    `json:"source,omitempty"`
}

func NewOrderEvent(typ EventType, o Order, source string) Event {
	cp := o
	return Event{
		Type:       typ,
		Order:      &cp,
		OrderID:    o.ID,
		Status:     o.Status,
		OccurredAt: time.Now().UTC(),
		Source:     source,
	}
}

func NewStatusChangeEvent(orderID int64, st Status, source string) Event {
	return Event{
		Type:       EventOrderStatusChange,
		OrderID:    orderID,
		Status:     st,
		OccurredAt: time.Now().UTC(),
		Source:     source,
	}
}

func (e Event) Valid() bool {
	switch e.Type {
	case EventOrderNew, EventOrderUpdate:
		return e.Order != nil && e.Order.ID == e.OrderID
	case EventOrderStatusChange:
		return e.OrderID != 0 && e.Status.Valid()
	}
	return false
}

// Channel is a role-scoped subscriber group.
type Channel string

const (
	ChannelKitchen Channel = "kitchen"
	ChannelService Channel = "service"
	ChannelAdmin   Channel = "admin"
)

func (c Channel) Valid() bool {
	return c == ChannelKitchen || c == ChannelService || c == ChannelAdmin
}

func Channels() []Channel { return []Channel{ChannelKitchen, ChannelService, ChannelAdmin} }

// DefaultFilter returns the statuses a channel's display keeps on screen.
// An empty filter means every status.
func DefaultFilter(c Channel) []Status {
	switch c {
	case ChannelKitchen:
		return []Status{StatusPending, StatusAccepted, StatusPreparing}
	case ChannelService:
		return []Status{StatusReady, StatusDelivered, StatusCompleted}
	default:
		return nil
	}
}

// Control frames exchanged on the realtime connection besides events.
const (
	FrameJoin   = "join"
	FrameJoined = "joined"
	FrameError  = "error"
)

type ControlFrame struct {
	Type    string  `json:"type"`
	Channel Channel `json:"channel,omitempty"`
	Detail  string  `json:"detail,omitempty"`
}
