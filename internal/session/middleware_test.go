package session_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crumbworks/storefront/internal/common"
)

func TestTouchMiddlewareKeepsActiveSessionsAlive(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()
	require.NoError(t, store.SetCartID(ctx, "device-1", "cart-a"))

	h := store.TouchMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	// Without the touch the identity would expire 15 minutes from now.
	mr.FastForward(45 * time.Minute)
	req := httptest.NewRequest(http.MethodGet, "/cart", nil)
	req = req.WithContext(common.WithDeviceID(req.Context(), "device-1"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	mr.FastForward(45 * time.Minute)
	cartID, ok, err := store.CartID(ctx, "device-1")
	require.NoError(t, err)
	require.True(t, ok, "an active device must not lose its cart to the TTL")
	assert.Equal(t, "cart-a", cartID)
}

func TestTouchMiddlewareRegistersDevice(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	h := store.TouchMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	req := httptest.NewRequest(http.MethodGet, "/cart", nil)
	req = req.WithContext(common.WithDeviceID(req.Context(), "device-2"))
	h.ServeHTTP(httptest.NewRecorder(), req)

	devices, err := store.Devices(ctx)
	require.NoError(t, err)
	assert.Contains(t, devices, "device-2")
}

func TestTouchMiddlewarePassesThroughWithoutDevice(t *testing.T) {
	store, _ := newStore(t)

	called := false
	h := store.TouchMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health/live", nil))

	assert.True(t, called)
	devices, err := store.Devices(context.Background())
	require.NoError(t, err)
	assert.Empty(t, devices)
}
