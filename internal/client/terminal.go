// Package client wires the waiter terminal: the API client, the offline
// outbox and its reconciler, and the live display.
package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"restaurant-sync/internal/client/api"
	"restaurant-sync/internal/client/live"
	"restaurant-sync/internal/client/offline"
	"restaurant-sync/internal/client/syncer"
	"restaurant-sync/internal/client/view"
	"restaurant-sync/internal/common/config"
	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/common/metrics"
	"restaurant-sync/internal/domain"
)

// Submission is the outcome of SubmitOrder: either the backend's order or
// the queued write that will be synced later.
type Submission struct {
	Order  *domain.Order
	Queued *offline.QueuedWrite
}

// Message is the confirmation shown to the waiter. A queued order is not an
// error.
func (s Submission) Message() string {
	switch {
	case s.Queued != nil:
		return "saved, will send when connected"
	case s.Order != nil:
		return "order " + s.Order.OrderNumber + " sent"
	}
	return ""
}

type Terminal struct {
	api        *api.Client
	queue      *offline.Queue
	view       *view.Projection
	controller *view.Controller
	live       *live.Client
	conn       *syncer.Connectivity
	reconciler *syncer.Reconciler
	log        logger.Logger
}

func New(cfg config.Terminal, lg logger.Logger, m *metrics.Metrics) (*Terminal, error) {
	deviceID := cfg.DeviceID
	if deviceID == "" {
		deviceID = "terminal"
	}
	ch := domain.Channel(cfg.Channel)
	if !ch.Valid() {
		return nil, fmt.Errorf("invalid config: terminal channel %q", cfg.Channel)
	}

	q, err := offline.Open(cfg.QueuePath, deviceID, cfg.MaxAttempts)
	if err != nil {
		return nil, err
	}

	client := api.New(cfg.BaseURL, cfg.Role, nil)
	p := view.NewProjection(domain.DefaultFilter(ch))
	lc, err := live.New(cfg.BaseURL, cfg.Role, ch, p, client, lg.With(map[string]any{"component": "live"}))
	if err != nil {
		_ = q.Close()
		return nil, err
	}

	return &Terminal{
		api:        client,
		queue:      q,
		view:       p,
		controller: view.NewController(p, client, lc, lg),
		live:       lc,
		conn:       syncer.NewConnectivity(client, cfg.HealthEvery, lg.With(map[string]any{"component": "connectivity"})),
		reconciler: syncer.New(q, client, cfg.SyncInterval, lg.With(map[string]any{"component": "syncer"}), m),
		log:        lg,
	}, nil
}

// SubmitOrder writes req to the outbox first and then tries the backend
// with the entry's idempotency key, so a reply lost in transit cannot create
// a second order when the reconciler resubmits. Rejections are returned and
// the entry is dropped.
func (t *Terminal) SubmitOrder(ctx context.Context, req domain.CreateOrderRequest) (Submission, error) {
	if err := req.Validate(); err != nil {
		return Submission{}, err
	}

	w, err := t.queue.EnqueueWrite(ctx, req)
	if err != nil {
		return Submission{}, err
	}

	o, err := t.api.CreateOrder(ctx, req, w.IdempotencyKey)
	var ve *api.ValidationError
	switch {
	case err == nil:
		if _, merr := t.queue.MarkSynced(ctx, w.ID, o.OrderNumber); merr == nil {
			_ = t.queue.Delete(ctx, w.ID)
		}
		return Submission{Order: &o}, nil
	case errors.As(err, &ve):
		if derr := t.queue.Delete(ctx, w.ID); derr != nil {
			return Submission{}, errors.Join(err, derr)
		}
		return Submission{}, err
	}

	t.log.Info("order_queued_offline", map[string]any{"id": w.ID, "reason": err.Error()})
	t.reconciler.Kick()
	return Submission{Queued: &w}, nil
}

// ReferenceData refreshes the cached menu and floor plan when the backend
// answers and serves the last cached copy when it does not.
func (t *Terminal) ReferenceData(ctx context.Context) (offline.ReferenceData, error) {
	ref, err := t.api.ReferenceData(ctx)
	if err == nil {
		if cerr := t.queue.CacheReferenceData(ctx, ref.Products, ref.Categories, ref.Tables); cerr != nil {
			t.log.Error("reference_cache_failed", cerr, nil)
		}
		return t.queue.ReadCachedReferenceData(ctx)
	}

	cached, cerr := t.queue.ReadCachedReferenceData(ctx)
	if cerr != nil {
		return offline.ReferenceData{}, errors.Join(err, cerr)
	}
	if cached.CachedAt.IsZero() {
		return offline.ReferenceData{}, fmt.Errorf("no cached reference data: %w", err)
	}
	t.log.Warn("reference_served_from_cache", map[string]any{"cached_at": cached.CachedAt, "error": err.Error()})
	return cached, nil
}

func (t *Terminal) ChangeStatus(ctx context.Context, id int64, st domain.Status) (domain.Order, error) {
	return t.controller.ChangeStatus(ctx, id, st)
}

func (t *Terminal) Orders() []view.Row { return t.view.Rows() }

func (t *Terminal) FailedWrites(ctx context.Context) ([]offline.QueuedWrite, error) {
	return t.queue.ListFailed(ctx)
}

// RetryWrite puts a failed write back in the outbox with a fresh attempt
// budget.
func (t *Terminal) RetryWrite(ctx context.Context, id string) error {
	if _, err := t.queue.Requeue(ctx, id); err != nil {
		return err
	}
	t.reconciler.Kick()
	return nil
}

func (t *Terminal) DiscardWrite(ctx context.Context, id string) error {
	return t.queue.Discard(ctx, id)
}

func (t *Terminal) SyncNow(ctx context.Context) (syncer.Summary, error) {
	return t.reconciler.Drain(ctx)
}

// Run keeps the display live and the outbox draining until ctx is done.
func (t *Terminal) Run(ctx context.Context) error {
	defer t.Close()

	if _, err := t.ReferenceData(ctx); err != nil {
		t.log.Warn("reference_unavailable", map[string]any{"error": err.Error()})
	}

	t.conn.Start()
	t.reconciler.Start(t.conn.Changes())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.live.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		return errors.Join(t.reconciler.Stop(), t.conn.Stop())
	})
	return g.Wait()
}

// Close releases the outbox file.
func (t *Terminal) Close() error { return t.queue.Close() }

// Run starts a terminal from cfg and blocks until ctx is done.
func Run(ctx context.Context, cfg config.App, lg logger.Logger) error {
	if err := cfg.ValidateTerminal(); err != nil {
		return err
	}
	t, err := New(cfg.Terminal, lg, metrics.New(prometheus.NewRegistry()))
	if err != nil {
		return err
	}
	lg.Info("terminal_started", map[string]any{
		"base_url": cfg.Terminal.BaseURL, "channel": cfg.Terminal.Channel, "queue": cfg.Terminal.QueuePath,
	})
	return t.Run(ctx)
}
