package locations

import (
	"net/http"

	"github.com/crumbworks/storefront/internal/common"
	"github.com/crumbworks/storefront/internal/upstream"
)

type Handler struct {
	Svc *Service
}

type locationView struct {
	ID             string  `json:"id"`
	City           string  `json:"city"`
	ShippingCharge float64 `json:"shippingCharge"`
}

// List returns the deliverable cities for the delivery step.
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	active, err := h.Svc.Active(r.Context())
	if err != nil {
		if upstream.IsNetwork(err) {
			common.JSONError(w, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "locations are temporarily unavailable", nil)
			return
		}
		common.JSONError(w, http.StatusBadGateway, "UPSTREAM_ERROR", "failed to load locations", nil)
		return
	}
	views := make([]locationView, 0, len(active))
	for _, loc := range active {
		views = append(views, locationView{ID: loc.ID, City: loc.City, ShippingCharge: loc.ShippingCharge})
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": views})
}
