package order

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"restaurant-sync/internal/capability"
	"restaurant-sync/internal/common/config"
	"restaurant-sync/internal/common/db"
	"restaurant-sync/internal/common/httpx"
	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/common/metrics"
	"restaurant-sync/internal/common/mq"
	"restaurant-sync/internal/microservices/order/handlers"
	"restaurant-sync/internal/microservices/order/repository"
	"restaurant-sync/internal/microservices/order/service"
	"restaurant-sync/internal/microservices/realtime/broker"
	"restaurant-sync/internal/microservices/realtime/hub"
	"restaurant-sync/internal/microservices/realtime/transport"
	"restaurant-sync/internal/ratelimit"
)

// Run serves the order API, the realtime hub and, when RabbitMQ is
// configured, the cross-instance bridge. It blocks until ctx is done or one
// of them fails.
func Run(ctx context.Context, cfg config.App, lg logger.Logger) error {
	if err := cfg.ValidateServer(); err != nil {
		return err
	}
	taxRate, err := decimal.NewFromString(cfg.Orders.TaxRate)
	if err != nil {
		return fmt.Errorf("invalid config: orders.tax_rate: %w", err)
	}

	// Postgres
	conn, err := db.Connect(ctx, cfg.Database.DSN())
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.Migrate(ctx); err != nil {
		return err
	}
	lg.Info("db_connected", map[string]any{"host": cfg.Database.Host, "database": cfg.Database.Name})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	caps, err := capability.New()
	if err != nil {
		return err
	}

	// Hub, optionally behind the broker
	h := hub.New(lg.With(map[string]any{"component": "hub"}), m)
	var (
		events hub.Publisher = h
		bridge *broker.Bridge
		mqc    *mq.Client
	)
	if cfg.Rabbit.Enabled() {
		mqc, err = mq.Dial(cfg.Rabbit)
		if err != nil {
			return fmt.Errorf("rabbitmq connect: %w", err)
		}
		defer mqc.Close()
		if err := mqc.DeclareFanout(broker.Exchange); err != nil {
			return fmt.Errorf("declare %s: %w", broker.Exchange, err)
		}
		bridge = broker.New(mqc, h, instanceID(), lg.With(map[string]any{"component": "broker"}))
		events = bridge
		lg.Info("rabbitmq_connected", map[string]any{"host": cfg.Rabbit.Host, "exchange": broker.Exchange})
	}

	// Rate limiting
	store, closeStore, err := newStore(ctx, cfg, conn.Pool, lg)
	if err != nil {
		return err
	}
	defer closeStore()
	limiter := ratelimit.New(store, cfg.RateLimit.Budgets, lg.With(map[string]any{"component": "ratelimit"}), m)

	// HTTP
	repo := repository.NewOrderRepository(conn.Pool)
	svc := service.NewOrderService(repo, events, taxRate, lg, m)

	mux := http.NewServeMux()
	handlers.NewOrderHandler(svc, caps, lg).Register(mux, limiter)
	mux.Handle("GET /ws", transport.NewHandler(h, events, svc, caps, lg.With(map[string]any{"component": "ws"})))
	var brokerHealth brokerPinger
	if mqc != nil {
		brokerHealth = mqc
	}
	mux.Handle("GET /healthz", healthHandler(conn, brokerHealth))
	mux.Handle("GET /metrics", m.Handler())

	srv := httpx.New(fmt.Sprintf(":%d", cfg.Server.Port), mux, cfg.Server.ShutdownTimeout)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return h.Run(gctx) })
	if bridge != nil {
		g.Go(func() error { return bridge.Run(gctx) })
		g.Go(func() error {
			select {
			case e := <-mqc.NotifyClose():
				if e != nil {
					return fmt.Errorf("rabbitmq connection closed: %s", e.Reason)
				}
				return nil
			case <-gctx.Done():
				return nil
			}
		})
	}
	g.Go(func() error { return srv.Run(gctx) })

	lg.Info("service_started", map[string]any{"port": cfg.Server.Port, "rate_limit_store": cfg.RateLimit.Store})
	err = g.Wait()
	lg.Info("graceful_shutdown", nil)
	return err
}

func newStore(ctx context.Context, cfg config.App, pool *pgxpool.Pool, lg logger.Logger) (ratelimit.Store, func(), error) {
	switch cfg.RateLimit.Store {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s := ratelimit.NewRedisStore(rdb)
		pctx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()
		if err := s.Ping(pctx); err != nil {
			// Decisions fail open while redis is away.
			lg.Error("rate_limit_store_unavailable", err, map[string]any{"addr": cfg.Redis.Addr})
		}
		return s, func() { _ = rdb.Close() }, nil
	case "postgres":
		return ratelimit.NewPostgresStore(pool), func() {}, nil
	case "memory":
		return ratelimit.NewMemoryStore(), func() {}, nil
	}
	return nil, nil, fmt.Errorf("unknown rate limit store %q", cfg.RateLimit.Store)
}

func instanceID() string {
	host, _ := os.Hostname()
	if host == "" {
		host = "order-service"
	}
	return host + "-" + uuid.NewString()[:8]
}
