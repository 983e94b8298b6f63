package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"restaurant-sync/internal/common/httpx"
	"restaurant-sync/internal/domain"
)

func TestCreateOrder_SendsKeyAndRole(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/orders", r.URL.Path)
		assert.Equal(t, "k-1", r.Header.Get("Idempotency-Key"))
		assert.Equal(t, "waiter", r.Header.Get("X-Staff-Role"))

		var req domain.CreateOrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, domain.OrderTypeTakeaway, req.Type)
		httpx.WriteJSON(w, http.StatusCreated, domain.Order{ID: 3, OrderNumber: "ORD_20261019_003", Status: domain.StatusPending})
	}))
	defer srv.Close()

	c := New(srv.URL, "waiter", nil)
	o, err := c.CreateOrder(context.Background(), domain.CreateOrderRequest{Type: domain.OrderTypeTakeaway}, "k-1")
	require.NoError(t, err)
	assert.Equal(t, "ORD_20261019_003", o.OrderNumber)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name    string
		handler http.HandlerFunc
		check   func(t *testing.T, err error)
	}{
		{
			name: "validation",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				httpx.WriteProblem(w, http.StatusBadRequest, "validation_failed", "invalid table_id: required for dine-in orders")
			},
			check: func(t *testing.T, err error) {
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, "validation_failed", ve.Type)
				assert.Contains(t, ve.Detail, "table_id")
			},
		},
		{
			name: "transition",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				httpx.WriteProblem(w, http.StatusConflict, "invalid_transition", "cannot move from READY to READY")
			},
			check: func(t *testing.T, err error) {
				var ve *ValidationError
				require.ErrorAs(t, err, &ve)
				assert.Equal(t, http.StatusConflict, ve.Status)
				assert.Equal(t, "cannot move from READY to READY", ve.Detail)
			},
		},
		{
			name: "rate limited",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("Retry-After", "42")
				httpx.WriteProblem(w, http.StatusTooManyRequests, "rate_limited", "too many requests")
			},
			check: func(t *testing.T, err error) {
				var rl *RateLimitedError
				require.ErrorAs(t, err, &rl)
				assert.Equal(t, 42*time.Second, rl.RetryAfter)
			},
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "boom", http.StatusBadGateway)
			},
			check: func(t *testing.T, err error) {
				var se *StatusError
				require.ErrorAs(t, err, &se)
				assert.Equal(t, http.StatusBadGateway, se.Status)
				assert.Equal(t, "boom", se.Detail)
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			_, err := New(srv.URL, "waiter", nil).UpdateStatus(context.Background(), 1, domain.StatusReady)
			tc.check(t, err)
		})
	}
}

func TestListOrders_EncodesFilter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "T4-1019-1200", r.URL.Query().Get("session"))
		assert.Equal(t, "READY", r.URL.Query().Get("status"))
		assert.Equal(t, "4", r.URL.Query().Get("table_id"))
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"orders": []domain.Order{{ID: 1}, {ID: 2}}})
	}))
	defer srv.Close()

	st := domain.StatusReady
	tid := int64(4)
	orders, err := New(srv.URL, "kitchen", nil).ListOrders(context.Background(),
		domain.OrderFilter{SessionCode: "T4-1019-1200", Status: &st, TableID: &tid})
	require.NoError(t, err)
	assert.Len(t, orders, 2)
}

func TestHealth_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := New(url, "", nil).Health(context.Background())
	assert.Error(t, err)
}
