package view

import (
	"context"
	"errors"
	"fmt"

	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/domain"
)

var ErrNotDisplayed = errors.New("view: order is not on display")

type StatusUpdater interface {
	UpdateStatus(ctx context.Context, id int64, st domain.Status) (domain.Order, error)
}

// Emitter pushes a confirmed status change to the other connected clients.
type Emitter interface {
	EmitStatusChange(ctx context.Context, id int64, st domain.Status) error
}

type Controller struct {
	view    *Projection
	api     StatusUpdater
	emitter Emitter
	log     logger.Logger
}

func NewController(p *Projection, api StatusUpdater, em Emitter, lg logger.Logger) *Controller {
	return &Controller{view: p, api: api, emitter: em, log: lg}
}

// ChangeStatus shows the new status immediately, then confirms it with the
// backend. On failure the display is restored to exactly what it was before
// the call and nothing is emitted.
func (c *Controller) ChangeStatus(ctx context.Context, id int64, st domain.Status) (domain.Order, error) {
	if !st.Valid() {
		return domain.Order{}, fmt.Errorf("%w: %q", domain.ErrUnknownStatus, string(st))
	}

	// 1. Snapshot for rollback
	snap := c.view.Snapshot()

	// 2. Optimistic apply
	if !c.view.markPending(id, st) {
		return domain.Order{}, ErrNotDisplayed
	}

	// 3. Confirm with the backend
	o, err := c.api.UpdateStatus(ctx, id, st)
	if err != nil {
		c.view.Restore(snap)
		c.log.Warn("status_change_rolled_back", map[string]any{
			"order_id": id, "status": string(st), "error": err.Error(),
		})
		return domain.Order{}, err
	}

	// 4. Authoritative record, then tell the other clients
	c.view.confirm(o)
	if c.emitter != nil {
		if err := c.emitter.EmitStatusChange(ctx, o.ID, o.Status); err != nil {
			c.log.Warn("status_change_emit_failed", map[string]any{"order_id": o.ID, "error": err.Error()})
		}
	}
	return o, nil
}
