package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restaurant-sync/internal/client/api"
	"restaurant-sync/internal/common/config"
	"restaurant-sync/internal/common/httpx"
	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/common/metrics"
	"restaurant-sync/internal/domain"
)

// backend is a stand-in order service that can be switched off.
type backend struct {
	down    atomic.Bool
	reject  atomic.Bool
	created atomic.Int32
	lastKey atomic.Value
}

func (b *backend) handler() http.Handler {
	mux := http.NewServeMux()
	guard := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			if b.down.Load() {
				httpx.WriteProblem(w, http.StatusServiceUnavailable, "unavailable", "database unreachable")
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("POST /api/orders", guard(func(w http.ResponseWriter, r *http.Request) {
		if b.reject.Load() {
			httpx.WriteProblem(w, http.StatusBadRequest, "validation_failed", "invalid product_id: unknown product 99")
			return
		}
		b.lastKey.Store(r.Header.Get("Idempotency-Key"))
		n := b.created.Add(1)
		httpx.WriteJSON(w, http.StatusCreated, domain.Order{ID: int64(n), OrderNumber: "ORD_20261019_001", Status: domain.StatusPending})
	}))
	mux.HandleFunc("GET /api/reference", guard(func(w http.ResponseWriter, _ *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, domain.ReferenceData{
			Products: []domain.Product{{ID: 1, Name: "Margherita", Price: decimal.RequireFromString("12.80"), Available: true}},
			Tables:   []domain.Table{{ID: 4, Number: 4}},
		})
	}))
	return mux
}

func newTerminal(t *testing.T) (*Terminal, *backend) {
	t.Helper()
	b := &backend{}
	srv := httptest.NewServer(b.handler())
	t.Cleanup(srv.Close)

	cfg := config.Default().Terminal
	cfg.BaseURL = srv.URL
	cfg.DeviceID = "terminal-7"
	cfg.QueuePath = filepath.Join(t.TempDir(), "terminal.db")

	term, err := New(cfg, logger.Nop(), metrics.New(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = term.Close() })
	return term, b
}

func takeaway() domain.CreateOrderRequest {
	return domain.CreateOrderRequest{
		Type:  domain.OrderTypeTakeaway,
		Items: []domain.CreateOrderItem{{ProductID: 1, Quantity: 2}},
		Tip:   decimal.Zero,
	}
}

func TestSubmitOrder_Online(t *testing.T) {
	ctx := context.Background()
	term, b := newTerminal(t)

	sub, err := term.SubmitOrder(ctx, takeaway())
	require.NoError(t, err)
	require.NotNil(t, sub.Order)
	assert.Nil(t, sub.Queued)
	assert.Len(t, b.lastKey.Load().(string), 64)
	assert.Equal(t, "order "+sub.Order.OrderNumber+" sent", sub.Message())

	pending, err := term.queue.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSubmitOrder_QueuesWhenBackendDown(t *testing.T) {
	ctx := context.Background()
	term, b := newTerminal(t)
	b.down.Store(true)

	sub, err := term.SubmitOrder(ctx, takeaway())
	require.NoError(t, err)
	require.NotNil(t, sub.Queued)
	assert.Nil(t, sub.Order)
	assert.Equal(t, "saved, will send when connected", sub.Message())

	// back online: the reconciler resubmits with the same key
	b.down.Store(false)
	sum, err := term.SyncNow(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Synced)
	assert.Equal(t, sub.Queued.IdempotencyKey, b.lastKey.Load())
}

func TestSubmitOrder_RejectionIsNotQueued(t *testing.T) {
	ctx := context.Background()
	term, b := newTerminal(t)
	b.reject.Store(true)

	_, err := term.SubmitOrder(ctx, takeaway())
	var ve *api.ValidationError
	require.ErrorAs(t, err, &ve)

	pending, err := term.queue.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = term.SubmitOrder(ctx, domain.CreateOrderRequest{Type: domain.OrderTypeDineIn})
	var de *domain.ValidationError
	assert.ErrorAs(t, err, &de)
}

func TestReferenceData_FallsBackToCache(t *testing.T) {
	ctx := context.Background()
	term, b := newTerminal(t)

	fresh, err := term.ReferenceData(ctx)
	require.NoError(t, err)
	require.Len(t, fresh.Products, 1)
	assert.WithinDuration(t, time.Now(), fresh.CachedAt, time.Minute)

	b.down.Store(true)
	cached, err := term.ReferenceData(ctx)
	require.NoError(t, err)
	assert.Equal(t, fresh.CachedAt, cached.CachedAt)
	assert.Equal(t, "Margherita", cached.Products[0].Record.Name)
	assert.Equal(t, fresh.CachedAt, cached.Products[0].CachedAt)

	raw, _ := json.Marshal(cached.Tables)
	assert.Contains(t, string(raw), `"id":4`)
}

func TestReferenceData_NothingCached(t *testing.T) {
	term, b := newTerminal(t)
	b.down.Store(true)

	_, err := term.ReferenceData(context.Background())
	assert.ErrorContains(t, err, "no cached reference data")
}
