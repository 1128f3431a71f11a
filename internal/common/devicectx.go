package common

import (
	"context"
	"net/http"
	"strings"
)

type deviceIDKey struct{}

// DeviceHeader names the header carrying the client installation identifier.
const DeviceHeader = "X-Device-ID"

// WithDeviceID stores the device identifier in the context.
func WithDeviceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, deviceIDKey{}, id)
}

// DeviceID extracts the device identifier from the context.
func DeviceID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(deviceIDKey{}).(string)
	if !ok || strings.TrimSpace(id) == "" {
		return "", false
	}
	return id, true
}

// RequireDevice rejects requests that do not carry a device identifier.
// Every cart, auth and checkout session is keyed by this value.
func RequireDevice(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(DeviceHeader))
		if id == "" {
			JSONError(w, http.StatusBadRequest, "DEVICE_REQUIRED", "missing "+DeviceHeader+" header", nil)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithDeviceID(r.Context(), id)))
	})
}
