package session

import (
	"net/http"

	"github.com/crumbworks/storefront/internal/common"
)

// TouchMiddleware refreshes the device's session TTLs on every request, so
// an active device never watches its cart expire mid-session. Best effort:
// a failed touch never blocks the request.
func (s *Store) TouchMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if device, ok := common.DeviceID(r.Context()); ok {
			_ = s.Touch(r.Context(), device)
		}
		next.ServeHTTP(w, r)
	})
}
