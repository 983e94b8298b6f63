package domain

import "github.com/shopspring/decimal"

type CreateOrderItem struct {
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Note      string `json:"note,omitempty"`
}

type CreateOrderRequest struct {
	Type    OrderType         `json:"type"`
	TableID *int64            `json:"table_id,omitempty"`
	Tip     decimal.Decimal   `json:"tip"`
	Items   []CreateOrderItem `json:"items"`
}

// Validate checks the shape of a request before any lookup happens.
func (r CreateOrderRequest) Validate() error {
	if r.Type != OrderTypeDineIn && r.Type != OrderTypeTakeaway {
		return &ValidationError{Field: "type", Reason: "must be dine_in or takeaway"}
	}
	if r.Type == OrderTypeDineIn && r.TableID == nil {
		return &ValidationError{Field: "table_id", Reason: "required for dine-in orders"}
	}
	if len(r.Items) == 0 {
		return &ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	for _, it := range r.Items {
		if it.Quantity <= 0 {
			return &ValidationError{Field: "quantity", Reason: "must be positive"}
		}
	}
	if r.Tip.IsNegative() {
		return &ValidationError{Field: "tip", Reason: "must not be negative"}
	}
	return nil
}

type UpdateStatusRequest struct {
	Status Status `json:"status"`
	Notes  string `json:"notes,omitempty"`
}

// OrderFilter mirrors the read endpoint query parameters.
type OrderFilter struct {
	SessionCode string
	Status      *Status
	TableID     *int64
	Limit       int
}
