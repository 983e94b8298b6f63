package service

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/common/metrics"
	"restaurant-sync/internal/domain"
	"restaurant-sync/internal/microservices/order/repository"
	"restaurant-sync/internal/microservices/realtime/hub"
)

const source = "order-service"

type OrderServiceInterface interface {
	CreateOrder(ctx context.Context, req domain.CreateOrderRequest, idempotencyKey, actor string) (order domain.Order, created bool, err error)
	UpdateStatus(ctx context.Context, id int64, req domain.UpdateStatusRequest, actor string) (domain.Order, error)
	GetOrder(ctx context.Context, id int64) (domain.Order, error)
	ListOrders(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error)
	Timeline(ctx context.Context, id int64) ([]domain.StatusLog, error)
	CloseSession(ctx context.Context, id int64) (domain.Session, error)
	ReferenceData(ctx context.Context) (domain.ReferenceData, error)
}

type OrderService struct {
	repo    repository.OrderRepositoryInterface
	events  hub.Publisher
	taxRate decimal.Decimal
	log     logger.Logger
	metrics *metrics.Metrics
}

func NewOrderService(repo repository.OrderRepositoryInterface, events hub.Publisher, taxRate decimal.Decimal, lg logger.Logger, m *metrics.Metrics) *OrderService {
	return &OrderService{repo: repo, events: events, taxRate: taxRate, log: lg, metrics: m}
}

func (s *OrderService) CreateOrder(ctx context.Context, req domain.CreateOrderRequest, idempotencyKey, actor string) (domain.Order, bool, error) {
	// 1. Shape
	if err := req.Validate(); err != nil {
		return domain.Order{}, false, err
	}

	// 2. Price snapshot from the catalogue
	ids := make([]int64, 0, len(req.Items))
	for _, it := range req.Items {
		ids = append(ids, it.ProductID)
	}
	products, err := s.repo.ProductsByID(ctx, ids)
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("load products: %w", err)
	}
	items := make([]domain.OrderItem, 0, len(req.Items))
	for _, it := range req.Items {
		p, ok := products[it.ProductID]
		if !ok {
			return domain.Order{}, false, &domain.ValidationError{Field: "product_id", Reason: fmt.Sprintf("product %d does not exist", it.ProductID)}
		}
		if !p.Available {
			return domain.Order{}, false, &domain.ValidationError{Field: "product_id", Reason: fmt.Sprintf("%s is not available", p.Name)}
		}
		items = append(items, domain.OrderItem{
			ProductID: p.ID,
			Name:      p.Name,
			Quantity:  it.Quantity,
			UnitPrice: p.Price,
			Note:      it.Note,
		})
	}

	// 3. Totals
	o, err := domain.NewOrder(req.Type, req.TableID, items, s.taxRate, req.Tip)
	if err != nil {
		return domain.Order{}, false, err
	}
	o.IdempotencyKey = idempotencyKey
	if err := o.Validate(); err != nil {
		return domain.Order{}, false, err
	}

	// 4. Persist
	stored, created, err := s.repo.CreateOrder(ctx, o, actorOr(actor))
	if err != nil {
		return domain.Order{}, false, err
	}
	s.metrics.OrdersCreated.WithLabelValues(string(stored.Type), strconv.FormatBool(!created)).Inc()

	if !created {
		s.log.Info("order_replayed", map[string]any{"order_number": stored.OrderNumber, "idempotency_key": idempotencyKey})
		return stored, false, nil
	}
	s.log.Info("order_created", map[string]any{
		"order_number": stored.OrderNumber, "type": stored.Type, "total": stored.Total.StringFixed(2),
	})

	// 5. Fan out
	s.emit(ctx, domain.NewOrderEvent(domain.EventOrderNew, stored, source))
	return stored, true, nil
}

func (s *OrderService) UpdateStatus(ctx context.Context, id int64, req domain.UpdateStatusRequest, actor string) (domain.Order, error) {
	if !req.Status.Valid() {
		return domain.Order{}, &domain.ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", string(req.Status))}
	}

	o, err := s.repo.UpdateStatusTx(ctx, id, req.Status, actorOr(actor), req.Notes)
	if err != nil {
		var te *domain.TransitionError
		if errors.As(err, &te) {
			s.metrics.TransitionsRejected.WithLabelValues(string(te.From), string(te.To)).Inc()
			s.log.Warn("transition_rejected", map[string]any{"order_id": id, "from": te.From, "to": te.To, "by": actor})
		}
		return domain.Order{}, err
	}
	s.log.Info("order_status_changed", map[string]any{"order_id": id, "status": o.Status, "by": actor})

	s.emit(ctx, domain.NewOrderEvent(domain.EventOrderUpdate, o, source))
	return o, nil
}

func (s *OrderService) GetOrder(ctx context.Context, id int64) (domain.Order, error) {
	return s.repo.GetOrder(ctx, id)
}

func (s *OrderService) ListOrders(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error) {
	return s.repo.ListOrders(ctx, f)
}

func (s *OrderService) Timeline(ctx context.Context, id int64) ([]domain.StatusLog, error) {
	return s.repo.Timeline(ctx, id)
}

func (s *OrderService) CloseSession(ctx context.Context, id int64) (domain.Session, error) {
	sess, err := s.repo.CloseSession(ctx, id)
	if err != nil {
		return domain.Session{}, err
	}
	s.log.Info("session_closed", map[string]any{"session_id": id, "code": sess.Code})
	return sess, nil
}

func (s *OrderService) ReferenceData(ctx context.Context) (domain.ReferenceData, error) {
	return s.repo.ReferenceData(ctx)
}

// emit broadcasts after the write committed; a failed broadcast is logged and
// subscribers catch up on their next refetch.
func (s *OrderService) emit(ctx context.Context, e domain.Event) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.events.Publish(ctx, e); err != nil {
		s.log.Error("event_publish_failed", err, map[string]any{"event": e.Type, "order_id": e.OrderID})
	}
}

func actorOr(actor string) string {
	if actor == "" {
		return source
	}
	return actor
}
