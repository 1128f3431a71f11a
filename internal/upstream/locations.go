package upstream

import (
	"context"
	"net/http"
)

// Location is a deliverable city with its shipping charge.
type Location struct {
	ID             string  `json:"id"`
	City           string  `json:"city"`
	ShippingCharge float64 `json:"shippingCharge"`
	IsActive       bool    `json:"isActive"`
}

type locationDTO struct {
	ID             string  `json:"id" validate:"required"`
	City           string  `json:"city" validate:"required"`
	ShippingCharge float64 `json:"shipping_charge" validate:"gte=0"`
	IsActive       bool    `json:"is_active"`
}

type locationsResponse struct {
	Locations []locationDTO `json:"locations" validate:"dive"`
}

// Locations fetches the delivery zones. Inactive cities are included;
// filtering is the locations service's concern.
func (c *Client) Locations(ctx context.Context) ([]Location, error) {
	var out locationsResponse
	if err := c.do(ctx, http.MethodGet, "/locations", nil, &out, callOptions{endpoint: "locations"}); err != nil {
		return nil, err
	}
	locations := make([]Location, 0, len(out.Locations))
	for _, dto := range out.Locations {
		locations = append(locations, Location{
			ID:             dto.ID,
			City:           dto.City,
			ShippingCharge: dto.ShippingCharge,
			IsActive:       dto.IsActive,
		})
	}
	return locations, nil
}
