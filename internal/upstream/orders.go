package upstream

import (
	"context"
	"errors"
	"net/http"
)

// OrderInput describes an order submission at checkout confirmation.
type OrderInput struct {
	CartID         string  `json:"cart_id"`
	City           string  `json:"city"`
	ShippingCharge float64 `json:"shipping_charge"`
	PaymentMethod  string  `json:"payment_method"`
	ReceiverName   string  `json:"receiver_name"`
	Phone          string  `json:"phone"`
	AddressLine    string  `json:"address_line"`
	Notes          string  `json:"notes,omitempty"`
}

// OrderRef identifies a created order.
type OrderRef struct {
	OrderID string
	Status  string
}

type orderResponse struct {
	OrderID string `json:"order_id" validate:"required"`
	Status  string `json:"status" validate:"required"`
}

// SubmitOrder creates the order upstream. The checkout controller only
// advances to Confirmed after this succeeds. The idempotency key protects
// against duplicate confirmation attempts after ambiguous failures.
func (c *Client) SubmitOrder(ctx context.Context, in OrderInput, idempotencyKey string) (OrderRef, error) {
	if in.CartID == "" {
		return OrderRef{}, errors.New("upstream: cart id is required")
	}
	var out orderResponse
	err := c.do(ctx, http.MethodPost, "/orders", in, &out, callOptions{
		endpoint:       "order_submit",
		idempotencyKey: idempotencyKey,
		staleResource:  "cart",
		staleID:        in.CartID,
	})
	if err != nil {
		return OrderRef{}, err
	}
	return OrderRef{OrderID: out.OrderID, Status: out.Status}, nil
}
