package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
)

// LineItem is one product line of a server-side cart. ItemID is the
// server-assigned line identifier and is distinct from ProductID.
type LineItem struct {
	ItemID          string
	ProductID       string
	Name            string
	Description     string
	ImageURL        string
	UnitPrice       float64
	DiscountPercent float64
	Quantity        int
}

type productDTO struct {
	ID                 string   `json:"id" validate:"required"`
	Name               string   `json:"name" validate:"required"`
	Price              float64  `json:"price" validate:"gte=0"`
	DiscountPercentage float64  `json:"discount_percentage" validate:"gte=0,lte=100"`
	Images             []string `json:"images"`
	Description        string   `json:"description"`
}

type cartItemDTO struct {
	ID       string     `json:"id" validate:"required"`
	Quantity int        `json:"quantity" validate:"gte=1"`
	Product  productDTO `json:"product" validate:"required"`
}

func (d cartItemDTO) toLineItem() LineItem {
	image := ""
	if len(d.Product.Images) > 0 {
		image = d.Product.Images[0]
	}
	return LineItem{
		ItemID:          d.ID,
		ProductID:       d.Product.ID,
		Name:            d.Product.Name,
		Description:     d.Product.Description,
		ImageURL:        image,
		UnitPrice:       d.Product.Price,
		DiscountPercent: d.Product.DiscountPercentage,
		Quantity:        d.Quantity,
	}
}

type addItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	CartID    string `json:"cart_id,omitempty"`
}

type addItemResponse struct {
	CartID string      `json:"cart_id" validate:"required"`
	Item   cartItemDTO `json:"item" validate:"required"`
}

type getCartResponse struct {
	Items []cartItemDTO `json:"items" validate:"dive"`
}

type updateQuantityRequest struct {
	Quantity int    `json:"quantity"`
	CartID   string `json:"cart_id"`
}

// AddItem posts a new line to the cart. An empty cartID asks the upstream
// to create a cart; the returned identity must then be persisted by the
// caller. The upstream does not reliably merge duplicate products, so the
// caller is responsible for the add-vs-increase decision.
func (c *Client) AddItem(ctx context.Context, cartID, productID string, quantity int) (string, LineItem, error) {
	if productID == "" {
		return "", LineItem{}, errors.New("upstream: product id is required")
	}
	if quantity < 1 {
		return "", LineItem{}, errors.New("upstream: quantity must be >= 1")
	}
	var out addItemResponse
	err := c.do(ctx, http.MethodPost, "/cart/items",
		addItemRequest{ProductID: productID, Quantity: quantity, CartID: cartID},
		&out,
		callOptions{endpoint: "cart_add_item"},
	)
	if err != nil {
		return "", LineItem{}, err
	}
	return out.CartID, out.Item.toLineItem(), nil
}

// GetCart fetches the authoritative cart contents. A purged cart surfaces
// as StaleReferenceError; callers treat that as an empty cart.
func (c *Client) GetCart(ctx context.Context, cartID string) ([]LineItem, error) {
	if cartID == "" {
		return nil, errors.New("upstream: cart id is required")
	}
	var out getCartResponse
	err := c.do(ctx, http.MethodGet, "/cart/"+url.PathEscape(cartID), nil, &out, callOptions{
		endpoint:      "cart_get",
		staleResource: "cart",
		staleID:       cartID,
	})
	if err != nil {
		return nil, err
	}
	items := make([]LineItem, 0, len(out.Items))
	for _, dto := range out.Items {
		items = append(items, dto.toLineItem())
	}
	return items, nil
}

// UpdateQuantity sets the absolute quantity for a line item. Quantity must
// already be >= 1: decrement-to-zero is expressed as RemoveItem by the
// mutation engine, never as an update to 0.
func (c *Client) UpdateQuantity(ctx context.Context, cartID, itemID string, quantity int) error {
	if cartID == "" || itemID == "" {
		return errors.New("upstream: cart id and item id are required")
	}
	if quantity < 1 {
		return fmt.Errorf("upstream: quantity must be >= 1, got %d", quantity)
	}
	return c.do(ctx, http.MethodPut, "/cart/items/"+url.PathEscape(itemID),
		updateQuantityRequest{Quantity: quantity, CartID: cartID},
		nil,
		callOptions{endpoint: "cart_update_item", staleResource: "cart item", staleID: itemID},
	)
}

// RemoveItem deletes a line item from the cart.
func (c *Client) RemoveItem(ctx context.Context, cartID, itemID string) error {
	if cartID == "" || itemID == "" {
		return errors.New("upstream: cart id and item id are required")
	}
	return c.do(ctx, http.MethodDelete,
		"/cart/"+url.PathEscape(cartID)+"/items/"+url.PathEscape(itemID),
		nil,
		nil,
		callOptions{endpoint: "cart_remove_item", staleResource: "cart item", staleID: itemID},
	)
}
