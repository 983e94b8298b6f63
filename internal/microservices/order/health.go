package order

import (
	"context"
	"net/http"
	"time"

	"restaurant-sync/internal/common/httpx"
)

type pinger interface {
	Ping(ctx context.Context) error
}

type brokerPinger interface {
	Ping() error
}

// healthHandler answers the terminals' connectivity check. The database must
// answer; a configured broker must be connected.
func healthHandler(database pinger, mq brokerPinger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]string{"database": "ok"}
		healthy := true
		if err := database.Ping(ctx); err != nil {
			checks["database"] = err.Error()
			healthy = false
		}
		if mq != nil {
			checks["rabbitmq"] = "ok"
			if err := mq.Ping(); err != nil {
				checks["rabbitmq"] = err.Error()
				healthy = false
			}
		}

		code, status := http.StatusOK, "ok"
		if !healthy {
			code, status = http.StatusServiceUnavailable, "degraded"
		}
		httpx.WriteJSON(w, code, map[string]any{"status": status, "checks": checks})
	})
}
