package checkout

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/crumbworks/storefront/internal/common"
	"github.com/crumbworks/storefront/internal/locations"
	"github.com/crumbworks/storefront/internal/pricing"
	"github.com/crumbworks/storefront/internal/upstream"
)

// Handler exposes the checkout flow over HTTP.
type Handler struct {
	Ctl      *Controller
	Validate *validator.Validate
}

type beginPayload struct {
	Guest bool `json:"guest"`
}

type locationPayload struct {
	City string `json:"city" validate:"required"`
}

type confirmPayload struct {
	ReceiverName  string `json:"receiverName" validate:"required"`
	Phone         string `json:"phone" validate:"required"`
	AddressLine   string `json:"addressLine" validate:"required"`
	PaymentMethod string `json:"paymentMethod" validate:"required,oneof=cod bkash card"`
	Notes         string `json:"notes" validate:"max=500"`
}

type stateView struct {
	Step       int     `json:"step"`
	StepName   string  `json:"stepName"`
	City       string  `json:"city,omitempty"`
	Shipping   float64 `json:"shipping"`
	Subtotal   float64 `json:"subtotal"`
	GrandTotal float64 `json:"grandTotal"`
	OrderID    string  `json:"orderId,omitempty"`
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/checkout", h.State)
	r.Post("/checkout/begin", h.Begin)
	r.Post("/checkout/location", h.SelectLocation)
	r.Post("/checkout/confirm", h.Confirm)
	r.Post("/checkout/cancel", h.Cancel)
}

func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	device, ok := h.device(w, r)
	if !ok {
		return
	}
	st, err := h.Ctl.State(r.Context(), device)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": viewOf(st)})
}

func (h *Handler) Begin(w http.ResponseWriter, r *http.Request) {
	device, ok := h.device(w, r)
	if !ok {
		return
	}
	var payload beginPayload
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
			return
		}
	}
	st, err := h.Ctl.Begin(r.Context(), device, payload.Guest)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": viewOf(st)})
}

func (h *Handler) SelectLocation(w http.ResponseWriter, r *http.Request) {
	device, ok := h.device(w, r)
	if !ok {
		return
	}
	var payload locationPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := h.Validate.Struct(payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION", "city is required", nil)
		return
	}
	st, err := h.Ctl.SelectLocation(r.Context(), device, payload.City)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": viewOf(st)})
}

func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	device, ok := h.device(w, r)
	if !ok {
		return
	}
	var payload confirmPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid payload", nil)
		return
	}
	if err := h.Validate.Struct(payload); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION", "missing or invalid order details", nil)
		return
	}
	st, err := h.Ctl.Confirm(r.Context(), device, Contact{
		ReceiverName:  payload.ReceiverName,
		Phone:         payload.Phone,
		AddressLine:   payload.AddressLine,
		PaymentMethod: payload.PaymentMethod,
		Notes:         payload.Notes,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": viewOf(st)})
}

func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	device, ok := h.device(w, r)
	if !ok {
		return
	}
	st, err := h.Ctl.Cancel(device)
	if err != nil {
		writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": viewOf(st)})
}

func (h *Handler) device(w http.ResponseWriter, r *http.Request) (string, bool) {
	device, ok := common.DeviceID(r.Context())
	if !ok || device == "" {
		common.JSONError(w, http.StatusBadRequest, "DEVICE_REQUIRED", "device id header is required", nil)
		return "", false
	}
	return device, true
}

func viewOf(st State) stateView {
	return stateView{
		Step:       int(st.Step),
		StepName:   st.Step.String(),
		City:       st.City,
		Shipping:   pricing.Round2(st.Summary.Shipping),
		Subtotal:   pricing.Round2(st.Summary.Subtotal),
		GrandTotal: pricing.Round2(st.Summary.GrandTotal),
		OrderID:    st.OrderID,
	}
}

func writeError(w http.ResponseWriter, err error) {
	common.RenderError(w, apiError(err))
}

func apiError(err error) *common.AppError {
	switch {
	case errors.Is(err, ErrEmptyCart):
		return common.NewAppError("EMPTY_CART", "cart is empty", http.StatusUnprocessableEntity, err)
	case errors.Is(err, ErrAuthRequired):
		app := common.NewAppError("AUTH_REQUIRED", "log in or continue as guest", http.StatusUnauthorized, err)
		app.Details = map[string]any{"guestAllowed": true}
		return app
	case errors.Is(err, ErrWrongStep):
		return common.NewAppError("WRONG_STEP", err.Error(), http.StatusConflict, err)
	case errors.Is(err, ErrNoLocation):
		return common.NewAppError("NO_LOCATION", "select a delivery location first", http.StatusUnprocessableEntity, err)
	case errors.Is(err, ErrInvalidContact):
		return common.NewAppError("INVALID_CONTACT", "receiver name, phone and address are required", http.StatusBadRequest, err)
	case errors.Is(err, locations.ErrUnknownCity):
		return common.NewAppError("UNKNOWN_CITY", "city is not deliverable", http.StatusUnprocessableEntity, err)
	case upstream.IsNetwork(err):
		return common.NewAppError("UPSTREAM_UNAVAILABLE", "store is unreachable, please retry", http.StatusServiceUnavailable, err)
	case upstream.IsStale(err):
		return common.NewAppError("CART_EXPIRED", "cart no longer exists", http.StatusNotFound, err)
	}
	var srv *upstream.ServerError
	if errors.As(err, &srv) {
		return common.NewAppError("UPSTREAM_ERROR", srv.Message, http.StatusBadGateway, err)
	}
	return common.NewAppError("INTERNAL", "unexpected error", http.StatusInternalServerError, err)
}
