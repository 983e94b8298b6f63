// Package view keeps a terminal's on-screen order list in step with realtime
// events and runs optimistic status changes against it.
package view

import (
	"slices"
	"sync"

	"restaurant-sync/internal/domain"
)

// Change says what Apply did with an event.
type Change int

const (
	Ignored Change = iota
	Inserted
	Replaced
	Removed
	// NeedsFetch: a status change for an order the display does not hold
	// yet but should; the caller fetches the full record and applies it.
	NeedsFetch
)

// Row is one displayed order. Pending marks an optimistic change the backend
// has not confirmed yet.
type Row struct {
	Order   domain.Order `json:"order"`
	Pending bool         `json:"pending,omitempty"`
}

// Snapshot is an opaque copy of the display used for rollback.
type Snapshot struct {
	rows []Row
}

type Projection struct {
	mu     sync.RWMutex
	filter map[domain.Status]struct{}
	rows   []Row
}

// NewProjection keeps only orders whose status is in filter. An empty filter
// keeps every order.
func NewProjection(filter []domain.Status) *Projection {
	p := &Projection{filter: make(map[domain.Status]struct{}, len(filter))}
	for _, st := range filter {
		p.filter[st] = struct{}{}
	}
	return p
}

func (p *Projection) matches(st domain.Status) bool {
	if len(p.filter) == 0 {
		return true
	}
	_, ok := p.filter[st]
	return ok
}

func (p *Projection) indexOf(id int64) int {
	return slices.IndexFunc(p.rows, func(r Row) bool { return r.Order.ID == id })
}

// Apply folds a hub event into the display. An event whose status ranks
// below the displayed one is stale and ignored.
func (p *Projection) Apply(e domain.Event) Change {
	if !e.Valid() {
		return Ignored
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	i := p.indexOf(e.OrderID)

	if e.Type == domain.EventOrderStatusChange {
		if i < 0 {
			if p.matches(e.Status) {
				return NeedsFetch
			}
			return Ignored
		}
		next := cloneOrder(p.rows[i].Order)
		next.Status = e.Status
		if !e.OccurredAt.IsZero() {
			next.UpdatedAt = e.OccurredAt
		}
		return p.put(i, next, false)
	}
	return p.put(i, cloneOrder(*e.Order), false)
}

// put applies the filter-aware rule for an order at index i (-1 if absent).
func (p *Projection) put(i int, o domain.Order, pending bool) Change {
	switch {
	case i < 0 && p.matches(o.Status):
		p.rows = append(p.rows, Row{Order: o, Pending: pending})
		return Inserted
	case i < 0:
		return Ignored
	case o.Status.Rank() < p.rows[i].Order.Status.Rank():
		return Ignored
	case !p.matches(o.Status):
		p.rows = slices.Delete(p.rows, i, i+1)
		return Removed
	default:
		p.rows[i] = Row{Order: o, Pending: pending}
		return Replaced
	}
}

// Reset replaces the display with a fresh fetch, e.g. after a reconnect.
func (p *Projection) Reset(orders []domain.Order) {
	rows := make([]Row, 0, len(orders))
	for _, o := range orders {
		if p.matches(o.Status) {
			rows = append(rows, Row{Order: cloneOrder(o)})
		}
	}
	p.mu.Lock()
	p.rows = rows
	p.mu.Unlock()
}

// Rows returns a copy of the display in insertion order.
func (p *Projection) Rows() []Row {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return cloneRows(p.rows)
}

func (p *Projection) Get(id int64) (Row, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if i := p.indexOf(id); i >= 0 {
		r := p.rows[i]
		r.Order = cloneOrder(r.Order)
		return r, true
	}
	return Row{}, false
}

func (p *Projection) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Snapshot{rows: cloneRows(p.rows)}
}

// Restore puts the display back exactly as it was when s was taken.
func (p *Projection) Restore(s Snapshot) {
	rows := cloneRows(s.rows)
	p.mu.Lock()
	p.rows = rows
	p.mu.Unlock()
}

// markPending applies an unconfirmed status to the displayed order. It
// reports false when the order is not on display.
func (p *Projection) markPending(id int64, st domain.Status) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.indexOf(id)
	if i < 0 {
		return false
	}
	next := cloneOrder(p.rows[i].Order)
	next.Status = st
	p.put(i, next, true)
	return true
}

// confirm replaces the displayed order with the authoritative record and
// clears the pending mark.
func (p *Projection) confirm(o domain.Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.put(p.indexOf(o.ID), cloneOrder(o), false)
}

func cloneRows(in []Row) []Row {
	if in == nil {
		return nil
	}
	out := make([]Row, len(in))
	for i, r := range in {
		out[i] = Row{Order: cloneOrder(r.Order), Pending: r.Pending}
	}
	return out
}

func cloneOrder(o domain.Order) domain.Order {
	o.Items = slices.Clone(o.Items)
	if o.TableID != nil {
		v := *o.TableID
		o.TableID = &v
	}
	if o.SessionID != nil {
		v := *o.SessionID
		o.SessionID = &v
	}
	return o
}
