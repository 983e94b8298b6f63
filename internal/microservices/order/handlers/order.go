package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"restaurant-sync/internal/capability"
	"restaurant-sync/internal/common/httpx"
	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/domain"
	"restaurant-sync/internal/microservices/order/service"
	"restaurant-sync/internal/ratelimit"
)

const (
	roleHeader        = "X-Staff-Role"
	idempotencyHeader = "Idempotency-Key"
)

type OrderHandler struct {
	service service.OrderServiceInterface
	caps    *capability.Table
	log     logger.Logger
}

func NewOrderHandler(s service.OrderServiceInterface, caps *capability.Table, lg logger.Logger) *OrderHandler {
	return &OrderHandler{service: s, caps: caps, log: lg}
}

// Register mounts the order routes. Only mutations are rate limited; reads
// serve display refetches and would otherwise eat the budget of the status
// changes made from the same terminal.
func (h *OrderHandler) Register(mux *http.ServeMux, rl *ratelimit.Limiter) {
	limited := func(class string, fn http.HandlerFunc) http.Handler {
		if rl == nil {
			return fn
		}
		return rl.Middleware(class, fn)
	}
	mux.Handle("POST /api/orders", limited(ratelimit.ClassOrder, h.CreateOrder))
	mux.Handle("PATCH /api/orders/{id}", limited(ratelimit.ClassGeneric, h.UpdateStatus))
	mux.Handle("POST /api/sessions/{id}/close", limited(ratelimit.ClassTable, h.CloseSession))
	mux.HandleFunc("GET /api/orders", h.ListOrders)
	mux.HandleFunc("GET /api/orders/{id}", h.GetOrder)
	mux.HandleFunc("GET /api/orders/{id}/timeline", h.Timeline)
	mux.HandleFunc("GET /api/reference", h.ReferenceData)
}

func role(r *http.Request) capability.Role {
	return capability.ParseRole(r.Header.Get(roleHeader))
}

func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	rl := role(r)
	if !h.caps.CanCreateOrder(rl) {
		httpx.WriteProblem(w, http.StatusForbidden, "forbidden", "role "+string(rl)+" may not create orders")
		return
	}

	var req domain.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteProblem(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}

	key := strings.TrimSpace(r.Header.Get(idempotencyHeader))
	o, created, err := h.service.CreateOrder(r.Context(), req, key, string(rl))
	if err != nil {
		h.fail(w, "create_order_failed", err)
		return
	}
	code := http.StatusCreated
	if !created {
		code = http.StatusOK
	}
	httpx.WriteJSON(w, code, o)
}

func (h *OrderHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req domain.UpdateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.WriteProblem(w, http.StatusBadRequest, "invalid_json", "invalid JSON body")
		return
	}
	req.Status = domain.Status(strings.ToUpper(strings.TrimSpace(string(req.Status))))

	rl := role(r)
	if req.Status.Valid() && !h.caps.CanSetStatus(rl, req.Status) {
		httpx.WriteProblem(w, http.StatusForbidden, "forbidden", "role "+string(rl)+" may not set "+string(req.Status))
		return
	}

	o, err := h.service.UpdateStatus(r.Context(), id, req, string(rl))
	if err != nil {
		h.fail(w, "update_status_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}

func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	if !h.caps.CanReadOrders(role(r)) {
		httpx.WriteProblem(w, http.StatusForbidden, "forbidden", "role may not read orders")
		return
	}

	q := r.URL.Query()
	f := domain.OrderFilter{
		SessionCode: strings.TrimSpace(q.Get("session")),
		Limit:       httpx.AtoiDefault(q.Get("limit"), 100),
	}
	if s := q.Get("status"); s != "" {
		st, err := domain.ParseStatus(strings.ToUpper(s))
		if err != nil {
			httpx.WriteProblem(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}
		f.Status = &st
	}
	if s := q.Get("table_id"); s != "" {
		tid, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			httpx.WriteProblem(w, http.StatusBadRequest, "validation_failed", "table_id must be an integer")
			return
		}
		f.TableID = &tid
	}

	orders, err := h.service.ListOrders(r.Context(), f)
	if err != nil {
		h.fail(w, "list_orders_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	if !h.caps.CanReadOrders(role(r)) {
		httpx.WriteProblem(w, http.StatusForbidden, "forbidden", "role may not read orders")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	o, err := h.service.GetOrder(r.Context(), id)
	if err != nil {
		h.fail(w, "get_order_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}

func (h *OrderHandler) Timeline(w http.ResponseWriter, r *http.Request) {
	if !h.caps.CanReadOrders(role(r)) {
		httpx.WriteProblem(w, http.StatusForbidden, "forbidden", "role may not read orders")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	events, err := h.service.Timeline(r.Context(), id)
	if err != nil {
		h.fail(w, "timeline_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"order_id": id, "events": events})
}

func (h *OrderHandler) CloseSession(w http.ResponseWriter, r *http.Request) {
	rl := role(r)
	if !h.caps.CanCloseSession(rl) {
		httpx.WriteProblem(w, http.StatusForbidden, "forbidden", "role "+string(rl)+" may not close sessions")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	s, err := h.service.CloseSession(r.Context(), id)
	if err != nil {
		h.fail(w, "close_session_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s)
}

func (h *OrderHandler) ReferenceData(w http.ResponseWriter, r *http.Request) {
	if !h.caps.CanReadOrders(role(r)) {
		httpx.WriteProblem(w, http.StatusForbidden, "forbidden", "role may not read the menu")
		return
	}
	ref, err := h.service.ReferenceData(r.Context())
	if err != nil {
		h.fail(w, "reference_data_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, ref)
}

// fail maps domain errors onto problem responses.
func (h *OrderHandler) fail(w http.ResponseWriter, action string, err error) {
	var (
		ve *domain.ValidationError
		te *domain.TransitionError
	)
	switch {
	case errors.As(err, &ve):
		httpx.WriteProblem(w, http.StatusBadRequest, "validation_failed", ve.Error())
	case errors.As(err, &te):
		httpx.WriteProblem(w, http.StatusConflict, "invalid_transition", te.Error())
	case errors.Is(err, domain.ErrUnknownStatus):
		httpx.WriteProblem(w, http.StatusBadRequest, "validation_failed", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		httpx.WriteProblem(w, http.StatusNotFound, "not_found", "not found")
	case errors.Is(err, domain.ErrSessionHasOpenOrders):
		httpx.WriteProblem(w, http.StatusConflict, "session_open_orders", err.Error())
	default:
		h.log.Error(action, err, nil)
		httpx.WriteProblem(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.WriteProblem(w, http.StatusBadRequest, "validation_failed", "id must be a positive integer")
		return 0, false
	}
	return id, true
}
