package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type OrderType string

const (
	OrderTypeDineIn   OrderType = "dine_in"
	OrderTypeTakeaway OrderType = "takeaway"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrSessionHasOpenOrders = errors.New("session has orders that are not settled")
)

// ValidationError marks a malformed payload. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

type Order struct {
	ID             int64           `json:"id"`
	OrderNumber    string          `json:"order_number"`
	Type           OrderType       `json:"type"`
	Status         Status          `json:"status"`
	TableID        *int64          `json:"table_id,omitempty"`
	SessionID      *int64          `json:"session_id,omitempty"`
	Items          []OrderItem     `json:"items"`
	Subtotal       decimal.Decimal `json:"subtotal"`
	Tax            decimal.Decimal `json:"tax"`
	Tip            decimal.Decimal `json:"tip"`
	Total          decimal.Decimal `json:"total"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type OrderItem struct {
	ID        int64           `json:"id,omitempty"`
	ProductID int64           `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Note      string          `json:"note,omitempty"`
}

func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// NewOrder builds a PENDING order and derives its totals, so a constructed
// order always satisfies total = subtotal + tax + tip.
func NewOrder(typ OrderType, tableID *int64, items []OrderItem, taxRate, tip decimal.Decimal) (Order, error) {
	if typ != OrderTypeDineIn && typ != OrderTypeTakeaway {
		return Order{}, &ValidationError{Field: "type", Reason: fmt.Sprintf("unsupported order type %q", typ)}
	}
	if typ == OrderTypeDineIn && tableID == nil {
		return Order{}, &ValidationError{Field: "table_id", Reason: "required for dine-in orders"}
	}
	if len(items) == 0 {
		return Order{}, &ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	if tip.IsNegative() {
		return Order{}, &ValidationError{Field: "tip", Reason: "must not be negative"}
	}

	subtotal := decimal.Zero
	for _, it := range items {
		if it.Quantity <= 0 {
			return Order{}, &ValidationError{Field: "quantity", Reason: fmt.Sprintf("product %d: must be positive", it.ProductID)}
		}
		if it.UnitPrice.IsNegative() {
			return Order{}, &ValidationError{Field: "unit_price", Reason: fmt.Sprintf("product %d: must not be negative", it.ProductID)}
		}
		subtotal = subtotal.Add(it.LineTotal())
	}
	tax := subtotal.Mul(taxRate).Round(2)

	now := time.Now().UTC()
	o := Order{
		Type:      typ,
		Status:    StatusPending,
		TableID:   tableID,
		Items:     items,
		Subtotal:  subtotal,
		Tax:       tax,
		Tip:       tip,
		Total:     subtotal.Add(tax).Add(tip),
		CreatedAt: now,
		UpdatedAt: now,
	}
	return o, nil
}

// Validate re-checks the stored-record invariants.
func (o Order) Validate() error {
	if !o.Status.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownStatus, string(o.Status))
	}
	if !o.Total.Equal(o.Subtotal.Add(o.Tax).Add(o.Tip)) {
		return &ValidationError{Field: "total", Reason: fmt.Sprintf("%s != %s + %s + %s", o.Total, o.Subtotal, o.Tax, o.Tip)}
	}
	return nil
}

// NewOrderNumber formats the human-readable number as ORD_YYYYMMDD_NNN.
func NewOrderNumber(day time.Time, sequence int) string {
	return fmt.Sprintf("ORD_%s_%03d", day.UTC().Format("20060102"), sequence)
}

type Table struct {
	ID     int64  `json:"id"`
	Number int    `json:"number"`
	Seats  int    `json:"seats"`
	Label  string `json:"label,omitempty"`
}

type Session struct {
	ID       int64      `json:"id"`
	Code     string     `json:"code"`
	TableID  int64      `json:"table_id"`
	OpenedAt time.Time  `json:"opened_at"`
	ClosedAt *time.Time `json:"closed_at,omitempty"`
}

func (s Session) Active() bool { return s.ClosedAt == nil }

// CanCloseSession reports whether every order of a session is settled.
func CanCloseSession(statuses []Status) bool {
	for _, st := range statuses {
		if !st.Settled() {
			return false
		}
	}
	return true
}

type Product struct {
	ID         int64           `json:"id"`
	CategoryID int64           `json:"category_id"`
	Name       string          `json:"name"`
	Price      decimal.Decimal `json:"price"`
	Available  bool            `json:"available"`
}

type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// ReferenceData is the menu and floor plan a terminal needs to take orders.
type ReferenceData struct {
	Products   []Product  `json:"products"`
	Categories []Category `json:"categories"`
	Tables     []Table    `json:"tables"`
}

// StatusLog is one row of an order's timeline.
type StatusLog struct {
	OrderID   int64     `json:"order_id"`
	Status    Status    `json:"status"`
	ChangedBy string    `json:"changed_by"`
	ChangedAt time.Time `json:"changed_at"`
	Notes     string    `json:"notes,omitempty"`
}

// SessionCode derives the short code guests and staff use to look up a
// table session.
func SessionCode(tableNumber int, openedAt time.Time) string {
	return strings.ToUpper(fmt.Sprintf("T%d-%s", tableNumber, openedAt.UTC().Format("0102-1504")))
}
