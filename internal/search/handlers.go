package search

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crumbworks/storefront/internal/common"
	"github.com/crumbworks/storefront/internal/upstream"
)

type Handler struct {
	Svc *Service
}

type productView struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Description     string  `json:"description,omitempty"`
	ImageURL        string  `json:"imageUrl,omitempty"`
	UnitPrice       float64 `json:"unitPrice"`
	DiscountPercent float64 `json:"discountPercent"`
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/search", h.Search)
	r.Get("/search/recent", h.Recent)
}

func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	device, ok := h.device(w, r)
	if !ok {
		return
	}
	products, err := h.Svc.Search(r.Context(), device, r.URL.Query().Get("q"))
	if err != nil {
		switch {
		case errors.Is(err, ErrSuperseded):
			// 409 lets the client silently drop the stale response.
			common.JSONError(w, http.StatusConflict, "SUPERSEDED", "a newer search replaced this one", nil)
		case upstream.IsNetwork(err):
			common.JSONError(w, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "search is temporarily unavailable", nil)
		default:
			common.JSONError(w, http.StatusBadGateway, "UPSTREAM_ERROR", "search failed", nil)
		}
		return
	}
	views := make([]productView, 0, len(products))
	for _, p := range products {
		views = append(views, productView{
			ID:              p.ID,
			Name:            p.Name,
			Description:     p.Description,
			ImageURL:        p.ImageURL,
			UnitPrice:       p.UnitPrice,
			DiscountPercent: p.DiscountPercent,
		})
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": views})
}

func (h *Handler) Recent(w http.ResponseWriter, r *http.Request) {
	device, ok := h.device(w, r)
	if !ok {
		return
	}
	terms, err := h.Svc.Recent(r.Context(), device)
	if err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "failed to load recent searches", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": terms})
}

func (h *Handler) device(w http.ResponseWriter, r *http.Request) (string, bool) {
	device, ok := common.DeviceID(r.Context())
	if !ok || device == "" {
		common.JSONError(w, http.StatusBadRequest, "DEVICE_REQUIRED", "device id header is required", nil)
		return "", false
	}
	return device, true
}
