// Package syncer drains the terminal's offline queue into the order service
// whenever the backend is reachable.
package syncer

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"gopkg.in/tomb.v2"

	"restaurant-sync/internal/client/api"
	"restaurant-sync/internal/client/offline"
	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/common/metrics"
	"restaurant-sync/internal/domain"
)

var ErrDrainInFlight = errors.New("syncer: drain already in flight")

// Outbox is the part of the offline queue the reconciler drives.
type Outbox interface {
	ListPending(ctx context.Context) ([]offline.QueuedWrite, error)
	RecordAttemptFailure(ctx context.Context, id, msg string) (offline.QueuedWrite, error)
	RecordRejection(ctx context.Context, id, msg string) (offline.QueuedWrite, error)
	MarkSynced(ctx context.Context, id, orderNumber string) (offline.QueuedWrite, error)
	Delete(ctx context.Context, id string) error
}

type Submitter interface {
	CreateOrder(ctx context.Context, req domain.CreateOrderRequest, idempotencyKey string) (domain.Order, error)
}

// Summary reports one drain pass.
type Summary struct {
	Synced   int
	Rejected int
	Failed   int // out of automatic attempts
	Retrying int
	// RateLimited is set when the pass stopped early on a 429.
	RateLimited bool
	RetryAfter  time.Duration
	Remaining   int
}

type Reconciler struct {
	tomb.Tomb

	outbox   Outbox
	api      Submitter
	interval time.Duration
	log      logger.Logger
	metrics  *metrics.Metrics

	inFlight atomic.Bool
	kick     chan struct{}
}

func New(outbox Outbox, submitter Submitter, interval time.Duration, lg logger.Logger, m *metrics.Metrics) *Reconciler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Reconciler{
		outbox:   outbox,
		api:      submitter,
		interval: interval,
		log:      lg,
		metrics:  m,
		kick:     make(chan struct{}, 1),
	}
}

// Drain submits every pending entry once, oldest first. Only one pass runs
// at a time; a concurrent call returns ErrDrainInFlight.
func (r *Reconciler) Drain(ctx context.Context) (Summary, error) {
	if !r.inFlight.CompareAndSwap(false, true) {
		return Summary{}, ErrDrainInFlight
	}
	defer r.inFlight.Store(false)

	pending, err := r.outbox.ListPending(ctx)
	if err != nil {
		return Summary{}, err
	}

	var (
		sum     Summary
		storage []error
	)
	for i, w := range pending {
		if ctx.Err() != nil {
			sum.Remaining = len(pending) - i
			break
		}

		o, err := r.api.CreateOrder(ctx, w.Payload, w.IdempotencyKey)
		if err == nil {
			if _, err := r.outbox.MarkSynced(ctx, w.ID, o.OrderNumber); err != nil {
				storage = append(storage, err)
				continue
			}
			if err := r.outbox.Delete(ctx, w.ID); err != nil {
				storage = append(storage, err)
			}
			sum.Synced++
			r.count("synced")
			r.log.Info("queued_write_synced", map[string]any{"id": w.ID, "order_number": o.OrderNumber})
			continue
		}

		var (
			ve *api.ValidationError
			rl *api.RateLimitedError
		)
		switch {
		case errors.As(err, &rl):
			sum.RateLimited = true
			sum.RetryAfter = rl.RetryAfter
			sum.Remaining = len(pending) - i
			r.count("rate_limited")
			r.log.Warn("sync_rate_limited", map[string]any{"retry_after": rl.RetryAfter.String(), "remaining": sum.Remaining})
			return sum, errors.Join(storage...)

		case errors.As(err, &ve):
			if _, serr := r.outbox.RecordRejection(ctx, w.ID, ve.Error()); serr != nil {
				storage = append(storage, serr)
				continue
			}
			sum.Rejected++
			r.count("rejected")
			r.log.Warn("queued_write_rejected", map[string]any{"id": w.ID, "detail": ve.Detail})

		default:
			updated, serr := r.outbox.RecordAttemptFailure(ctx, w.ID, err.Error())
			if serr != nil {
				storage = append(storage, serr)
				continue
			}
			if updated.Status == offline.StatusFailed {
				sum.Failed++
				r.count("failed")
				r.log.Error("queued_write_failed", err, map[string]any{"id": w.ID, "attempts": updated.Attempts})
			} else {
				sum.Retrying++
				r.count("retry")
				r.log.Debug("queued_write_retry", map[string]any{"id": w.ID, "attempts": updated.Attempts})
			}
		}
	}
	return sum, errors.Join(storage...)
}

func (r *Reconciler) count(outcome string) {
	if r.metrics != nil {
		r.metrics.SyncOutcomes.WithLabelValues(outcome).Inc()
	}
}

// Kick asks the running loop for a pass, e.g. right after an enqueue.
func (r *Reconciler) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Start drains on every offline→online transition reported by online and on
// each tick while online.
func (r *Reconciler) Start(online <-chan bool) {
	r.Go(func() error {
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		up := false
		for {
			select {
			case <-r.Dying():
				return nil
			case v := <-online:
				was := up
				up = v
				if !up || was {
					continue
				}
			case <-ticker.C:
				if !up {
					continue
				}
			case <-r.kick:
				if !up {
					continue
				}
			}
			r.pass()
		}
	})
}

func (r *Reconciler) pass() {
	sum, err := r.Drain(r.Context(nil))
	switch {
	case errors.Is(err, ErrDrainInFlight):
		return
	case err != nil:
		r.log.Error("sync_pass_failed", err, nil)
	}
	if sum.Synced+sum.Rejected+sum.Failed+sum.Retrying > 0 || sum.RateLimited {
		r.log.Info("sync_pass_done", map[string]any{
			"synced": sum.Synced, "rejected": sum.Rejected, "failed": sum.Failed,
			"retrying": sum.Retrying, "rate_limited": sum.RateLimited,
		})
	}
}

func (r *Reconciler) Stop() error {
	r.Kill(nil)
	return r.Wait()
}
