package auth

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/crumbworks/storefront/internal/common"
	"github.com/crumbworks/storefront/internal/upstream"
)

// Handler exposes the session guard over HTTP.
type Handler struct {
	Guard *Guard
}

type loginPayload struct {
	Token string `json:"token"`
}

type sessionView struct {
	Authenticated   bool            `json:"authenticated"`
	Degraded        bool            `json:"degraded,omitempty"`
	User            json.RawMessage `json:"user,omitempty"`
	LastValidatedAt string          `json:"lastValidatedAt,omitempty"`
}

func (h *Handler) Routes(r chi.Router) {
	r.Post("/auth/login", h.Login)
	r.Post("/auth/logout", h.Logout)
	r.Get("/auth/session", h.Session)
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	device, ok := h.device(w, r)
	if !ok {
		return
	}
	var payload loginPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil || payload.Token == "" {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "token is required", nil)
		return
	}
	st, err := h.Guard.Login(r.Context(), device, payload.Token)
	if err != nil {
		h.writeError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": viewOf(st)})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	device, ok := h.device(w, r)
	if !ok {
		return
	}
	if err := h.Guard.Logout(r.Context(), device); err != nil {
		common.JSONError(w, http.StatusInternalServerError, "INTERNAL", "logout failed", nil)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": sessionView{}})
}

func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	device, ok := h.device(w, r)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"
	st, err := h.Guard.Validate(r.Context(), device, force)
	if err != nil {
		h.writeError(w, err)
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

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	common.RenderError(w, apiError(err))
}

func apiError(err error) *common.AppError {
	switch {
	case errors.Is(err, ErrTokenRejected):
		return common.NewAppError("TOKEN_REJECTED", "token is invalid or expired", http.StatusUnauthorized, err)
	case upstream.IsNetwork(err):
		return common.NewAppError("UPSTREAM_UNAVAILABLE", "identity provider is unreachable", http.StatusServiceUnavailable, err)
	}
	if status := upstream.StatusOf(err); status == http.StatusUnauthorized || status == http.StatusForbidden {
		return common.NewAppError("TOKEN_REJECTED", "token is invalid or expired", http.StatusUnauthorized, err)
	}
	return common.NewAppError("INTERNAL", "unexpected error", http.StatusInternalServerError, err)
}

func viewOf(st Status) sessionView {
	v := sessionView{Authenticated: st.Authenticated, Degraded: st.Degraded, User: st.User}
	if !st.LastValidatedAt.IsZero() {
		v.LastValidatedAt = st.LastValidatedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return v
}
