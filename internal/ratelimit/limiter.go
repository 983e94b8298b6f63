package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"restaurant-sync/internal/common/config"
	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/common/metrics"
)

// Endpoint classes.
const (
	ClassOrder   = "order"
	ClassTable   = "table"
	ClassUpload  = "upload"
	ClassGeneric = "generic"
)

var ErrUnknownClass = errors.New("unknown rate limit class")

// Store is the shared sliding-log counter. Take must be atomic per key: prune
// hits older than now-window, and record a new hit only when fewer than limit
// remain. It reports the count after the call and the oldest hit still
// inside the window.
type Store interface {
	Take(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (TakeResult, error)
}

type TakeResult struct {
	Allowed bool
	Count   int
	Oldest  time.Time
}

// Decision is what the limiter tells the caller about one request.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
	// Degraded is set when the store failed and the request was let through.
	Degraded bool
}

type Limiter struct {
	store   Store
	budgets map[string]config.Budget
	log     logger.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

func New(store Store, budgets map[string]config.Budget, lg logger.Logger, m *metrics.Metrics) *Limiter {
	return &Limiter{store: store, budgets: budgets, log: lg, metrics: m, now: time.Now}
}

func Key(class, identity string) string {
	return fmt.Sprintf("rl:%s:%s", class, identity)
}

// Allow checks and consumes one request of the class for identity. A store
// failure fails open: the request is allowed and the degradation is logged.
func (l *Limiter) Allow(ctx context.Context, class, identity string) (Decision, error) {
	b, ok := l.budgets[class]
	if !ok {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownClass, class)
	}

	now := l.now()
	res, err := l.store.Take(ctx, Key(class, identity), now, b.Window, b.MaxRequests)
	if err != nil {
		l.log.Warn("rate_limit_store_unavailable", map[string]any{
			"class":    class,
			"identity": identity,
			"error":    err.Error(),
		})
		l.metrics.RateLimitStoreErrors.WithLabelValues(class).Inc()
		l.metrics.RateLimitDecisions.WithLabelValues(class, "degraded").Inc()
		return Decision{Allowed: true, Limit: b.MaxRequests, Remaining: b.MaxRequests, Reset: now.Add(b.Window), Degraded: true}, nil
	}

	reset := now.Add(b.Window)
	if !res.Oldest.IsZero() {
		reset = res.Oldest.Add(b.Window)
	}
	d := Decision{
		Allowed:   res.Allowed,
		Limit:     b.MaxRequests,
		Remaining: max(b.MaxRequests-res.Count, 0),
		Reset:     reset,
	}
	if !res.Allowed {
		d.RetryAfter = min(max(reset.Sub(now), 0), b.Window)
		l.metrics.RateLimitDecisions.WithLabelValues(class, "rejected").Inc()
		l.log.Debug("rate_limited", map[string]any{"class": class, "identity": identity, "retry_after_ms": d.RetryAfter.Milliseconds()})
		return d, nil
	}
	l.metrics.RateLimitDecisions.WithLabelValues(class, "allowed").Inc()
	return d, nil
}
