package order

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

type dbPing struct{ err error }

func (p dbPing) Ping(context.Context) error { return p.err }

type mqPing struct{ err error }

func (p mqPing) Ping() error { return p.err }

func TestHealthHandler(t *testing.T) {
	cases := []struct {
		name string
		db   pinger
		mq   brokerPinger
		want int
	}{
		{"db only", dbPing{}, nil, http.StatusOK},
		{"db and broker", dbPing{}, mqPing{}, http.StatusOK},
		{"db down", dbPing{err: errors.New("refused")}, nil, http.StatusServiceUnavailable},
		{"broker down", dbPing{}, mqPing{err: errors.New("closed")}, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			healthHandler(tc.db, tc.mq).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
			assert.Equal(t, tc.want, rec.Code)
		})
	}
}
