package upstream

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// Product is a catalog product as returned by search.
type Product struct {
	ID              string
	Name            string
	Description     string
	ImageURL        string
	UnitPrice       float64
	DiscountPercent float64
}

type searchResponse struct {
	Products []productDTO `json:"products" validate:"dive"`
}

// SearchProducts is a thin query passthrough; ranking is entirely the
// upstream's concern.
func (c *Client) SearchProducts(ctx context.Context, query string) ([]Product, error) {
	q := url.Values{}
	if term := strings.TrimSpace(query); term != "" {
		q.Set("search", term)
	}
	path := "/products"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var out searchResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &out, callOptions{endpoint: "product_search"}); err != nil {
		return nil, err
	}
	products := make([]Product, 0, len(out.Products))
	for _, dto := range out.Products {
		image := ""
		if len(dto.Images) > 0 {
			image = dto.Images[0]
		}
		products = append(products, Product{
			ID:              dto.ID,
			Name:            dto.Name,
			Description:     dto.Description,
			ImageURL:        image,
			UnitPrice:       dto.Price,
			DiscountPercent: dto.DiscountPercentage,
		})
	}
	return products, nil
}
