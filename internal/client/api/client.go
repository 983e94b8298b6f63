// Package api is the terminal's client for the order service.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"restaurant-sync/internal/common/httpx"
	"restaurant-sync/internal/domain"
)

// ValidationError is a rejection that will not change on retry: bad payload,
// illegal transition, missing capability.
type ValidationError struct {
	Status int
	Type   string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("rejected (%d %s): %s", e.Status, e.Type, e.Detail)
}

// RateLimitedError means the backend is at capacity for this caller.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

// StatusError is any other non-2xx answer; callers treat it as transient.
type StatusError struct {
	Status int
	Detail string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("order service returned %d: %s", e.Status, e.Detail)
}

type Client struct {
	base string
	role string
	http *http.Client
}

func New(baseURL, role string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), role: role, http: hc}
}

func (c *Client) BaseURL() string { return c.base }
func (c *Client) Role() string    { return c.role }

// CreateOrder submits req. A non-empty key makes the call safe to repeat.
func (c *Client) CreateOrder(ctx context.Context, req domain.CreateOrderRequest, idempotencyKey string) (domain.Order, error) {
	var o domain.Order
	hdr := http.Header{}
	if idempotencyKey != "" {
		hdr.Set("Idempotency-Key", idempotencyKey)
	}
	err := c.do(ctx, http.MethodPost, "/api/orders", req, hdr, &o)
	return o, err
}

func (c *Client) UpdateStatus(ctx context.Context, id int64, st domain.Status) (domain.Order, error) {
	var o domain.Order
	err := c.do(ctx, http.MethodPatch, "/api/orders/"+strconv.FormatInt(id, 10), domain.UpdateStatusRequest{Status: st}, nil, &o)
	return o, err
}

func (c *Client) GetOrder(ctx context.Context, id int64) (domain.Order, error) {
	var o domain.Order
	err := c.do(ctx, http.MethodGet, "/api/orders/"+strconv.FormatInt(id, 10), nil, nil, &o)
	return o, err
}

func (c *Client) ListOrders(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error) {
	q := url.Values{}
	if f.SessionCode != "" {
		q.Set("session", f.SessionCode)
	}
	if f.Status != nil {
		q.Set("status", string(*f.Status))
	}
	if f.TableID != nil {
		q.Set("table_id", strconv.FormatInt(*f.TableID, 10))
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	path := "/api/orders"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var body struct {
		Orders []domain.Order `json:"orders"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &body); err != nil {
		return nil, err
	}
	return body.Orders, nil
}

func (c *Client) ReferenceData(ctx context.Context) (domain.ReferenceData, error) {
	var ref domain.ReferenceData
	err := c.do(ctx, http.MethodGet, "/api/reference", nil, nil, &ref)
	return ref, err
}

// Health calls the backend's readiness endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/healthz", nil, nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in any, hdr http.Header, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	for k, vs := range hdr {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.role != "" {
		req.Header.Set("X-Staff-Role", c.role)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode %s %s: %w", method, path, err)
		}
		return nil
	}
	return decodeError(resp)
}

func decodeError(resp *http.Response) error {
	var p httpx.Problem
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(raw, &p); err != nil || p.Detail == "" {
		p.Detail = strings.TrimSpace(string(raw))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		secs, err := strconv.Atoi(resp.Header.Get("Retry-After"))
		if err != nil || secs < 0 {
			secs = 1
		}
		return &RateLimitedError{RetryAfter: time.Duration(secs) * time.Second}
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusConflict,
		resp.StatusCode == http.StatusUnprocessableEntity:
		return &ValidationError{Status: resp.StatusCode, Type: p.Type, Detail: p.Detail}
	default:
		return &StatusError{Status: resp.StatusCode, Detail: p.Detail}
	}
}
