package cart

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crumbworks/storefront/internal/common"
	"github.com/crumbworks/storefront/internal/pricing"
	"github.com/crumbworks/storefront/internal/upstream"
)

// Handler exposes the cart over HTTP. Every route runs behind the device
// middleware, so a device id is always present on the context.
type Handler struct {
	Reg *Registry
}

type addPayload struct {
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

type itemView struct {
	ItemID          string  `json:"itemId"`
	ProductID       string  `json:"productId"`
	Name            string  `json:"name"`
	Description     string  `json:"description,omitempty"`
	ImageURL        string  `json:"imageUrl,omitempty"`
	UnitPrice       float64 `json:"unitPrice"`
	DiscountPercent float64 `json:"discountPercent"`
	EffectivePrice  float64 `json:"effectivePrice"`
	Quantity        int     `json:"quantity"`
	LineTotal       float64 `json:"lineTotal"`
	PendingRemoval  bool    `json:"pendingRemoval,omitempty"`
}

type cartView struct {
	CartID   string     `json:"cartId,omitempty"`
	Items    []itemView `json:"items"`
	Subtotal float64    `json:"subtotal"`
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/cart", h.Get)
	r.Post("/cart/refresh", h.Refresh)
	r.Post("/cart/items", h.Add)
	r.Post("/cart/items/{itemID}/increase", h.Increase)
	r.Post("/cart/items/{itemID}/decrease", h.Decrease)
	r.Delete("/cart/items/{itemID}", h.Remove)
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	eng, ok := h.acquire(w, r)
	if !ok {
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": viewOf(eng)})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	eng, ok := h.acquire(w, r)
	if !ok {
		return
	}
	if err := eng.Refresh(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": viewOf(eng)})
}

func (h *Handler) Add(w http.ResponseWriter, r *http.Request) {
	eng, ok := h.acquire(w, r)
	if !ok {
		return
	}
	var payload addPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := eng.Add(r.Context(), payload.ProductID, payload.Quantity); err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": viewOf(eng)})
}

func (h *Handler) Increase(w http.ResponseWriter, r *http.Request) {
	h.lineOp(w, r, func(eng *Engine, itemID string) error {
		return eng.Increase(r.Context(), itemID)
	})
}

func (h *Handler) Decrease(w http.ResponseWriter, r *http.Request) {
	h.lineOp(w, r, func(eng *Engine, itemID string) error {
		return eng.Decrease(r.Context(), itemID)
	})
}

func (h *Handler) Remove(w http.ResponseWriter, r *http.Request) {
	h.lineOp(w, r, func(eng *Engine, itemID string) error {
		return eng.Remove(r.Context(), itemID)
	})
}

func (h *Handler) lineOp(w http.ResponseWriter, r *http.Request, op func(*Engine, string) error) {
	eng, ok := h.acquire(w, r)
	if !ok {
		return
	}
	itemID := chi.URLParam(r, "itemID")
	if itemID == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "item id is required", nil)
		return
	}
	if err := op(eng, itemID); err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": viewOf(eng)})
}

func (h *Handler) acquire(w http.ResponseWriter, r *http.Request) (*Engine, bool) {
	device, ok := common.DeviceID(r.Context())
	if !ok || device == "" {
		common.JSONError(w, http.StatusBadRequest, "DEVICE_REQUIRED", "device id header is required", nil)
		return nil, false
	}
	eng, err := h.Reg.Acquire(r.Context(), device)
	if err != nil {
		writeError(w, err)
		return nil, false
	}
	return eng, true
}

func viewOf(eng *Engine) cartView {
	lines := eng.Lines()
	items := make([]itemView, 0, len(lines))
	pls := make([]pricing.Line, 0, len(lines))
	for _, line := range lines {
		pl := line.PricingLine()
		items = append(items, itemView{
			ItemID:          line.ItemID,
			ProductID:       line.ProductID,
			Name:            line.Name,
			Description:     line.Description,
			ImageURL:        line.ImageURL,
			UnitPrice:       line.UnitPrice,
			DiscountPercent: line.DiscountPercent,
			EffectivePrice:  pricing.Round2(pricing.EffectivePrice(pl)),
			Quantity:        line.Quantity,
			LineTotal:       pricing.Round2(pricing.LineTotal(pl)),
			PendingRemoval:  line.PendingRemoval,
		})
		if !line.PendingRemoval {
			pls = append(pls, pl)
		}
	}
	return cartView{
		CartID:   eng.CartID(),
		Items:    items,
		Subtotal: pricing.Round2(pricing.Subtotal(pls)),
	}
}

// writeError maps engine and upstream failures onto the canonical error
// body. Local rejections stay 4xx; upstream trouble is 502/503 so the
// client can tell "you sent something wrong" from "try again".
func writeError(w http.ResponseWriter, err error) {
	common.RenderError(w, apiError(err))
}

func apiError(err error) *common.AppError {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return common.NewAppError("INVALID_INPUT", err.Error(), http.StatusBadRequest, err)
	case errors.Is(err, ErrUnknownItem):
		return common.NewAppError("ITEM_NOT_FOUND", "cart item not found", http.StatusNotFound, err)
	case errors.Is(err, ErrMutationInFlight):
		return common.NewAppError("MUTATION_IN_FLIGHT", "another update for this item is in progress, retry shortly", http.StatusConflict, err)
	case upstream.IsNetwork(err):
		return common.NewAppError("UPSTREAM_UNAVAILABLE", "store is unreachable, changes were not saved", http.StatusServiceUnavailable, err)
	case upstream.IsStale(err):
		return common.NewAppError("CART_EXPIRED", "cart no longer exists", http.StatusNotFound, err)
	}
	var srv *upstream.ServerError
	if errors.As(err, &srv) {
		return common.NewAppError("UPSTREAM_ERROR", srv.Message, http.StatusBadGateway, err)
	}
	return common.NewAppError("INTERNAL", "unexpected error", http.StatusInternalServerError, err)
}
