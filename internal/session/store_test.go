package session_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/crumbworks/storefront/internal/session"
)

func newStore(t *testing.T) (*session.Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return &session.Store{R: client, TTL: time.Hour}, mr
}

func TestCartIDRoundTrip(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()

	_, ok, err := store.CartID(ctx, "device-1")
	require.NoError(t, err)
	require.False(t, ok, "no cart yet must not be an error")

	require.NoError(t, store.SetCartID(ctx, "device-1", "cart-abc"))

	// Simulate a restart: a fresh store against the same Redis must read
	// back the identical identifier.
	restarted := &session.Store{R: redis.NewClient(&redis.Options{Addr: mr.Addr()}), TTL: time.Hour}
	id, ok, err := restarted.CartID(ctx, "device-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "cart-abc", id)
}

func TestSnapshotAdvisory(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	_, ok, err := store.Snapshot(ctx, "device-1")
	require.NoError(t, err)
	require.False(t, ok)

	items := []session.SnapshotItem{
		{ItemID: "line-1", ProductID: "prod-1", Name: "Sourdough", UnitPrice: 12.5, Quantity: 2},
	}
	require.NoError(t, store.SetSnapshot(ctx, "device-1", items))

	got, ok, err := store.Snapshot(ctx, "device-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, items, got)

	require.NoError(t, store.ClearSnapshot(ctx, "device-1"))
	_, ok, err = store.Snapshot(ctx, "device-1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCorruptSnapshotDropped(t *testing.T) {
	store, mr := newStore(t)
	ctx := context.Background()

	require.NoError(t, mr.Set("sf:device:device-1:cart_snapshot", "{not json"))
	_, ok, err := store.Snapshot(ctx, "device-1")
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, mr.Exists("sf:device:device-1:cart_snapshot"))
}

func TestAuthStateRoundTrip(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	_, ok, err := store.AuthState(ctx, "device-1")
	require.NoError(t, err)
	require.False(t, ok)

	at := time.Now().UTC().Truncate(time.Millisecond)
	user := json.RawMessage(`{"name":"Dana"}`)
	require.NoError(t, store.SetAuthState(ctx, "device-1", session.AuthState{
		Token:           "tok-123",
		User:            user,
		LastValidatedAt: at,
	}))

	state, ok, err := store.AuthState(ctx, "device-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "tok-123", state.Token)
	require.JSONEq(t, string(user), string(state.User))
	require.True(t, state.LastValidatedAt.Equal(at))
}

func TestClearAuthKeepsCartIdentity(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetCartID(ctx, "device-1", "cart-abc"))
	require.NoError(t, store.SetAuthState(ctx, "device-1", session.AuthState{Token: "tok-123"}))

	require.NoError(t, store.ClearAuth(ctx, "device-1"))

	_, ok, err := store.AuthState(ctx, "device-1")
	require.NoError(t, err)
	require.False(t, ok, "auth state should be gone")

	id, ok, err := store.CartID(ctx, "device-1")
	require.NoError(t, err)
	require.True(t, ok, "cart identity must survive logout")
	require.Equal(t, "cart-abc", id)
}

func TestRecentSearchesDedupAndTrim(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	for _, term := range []string{"brownie", "cake", "brownie", "cookies"} {
		require.NoError(t, store.PushRecentSearch(ctx, "device-1", term, 3))
	}
	terms, err := store.RecentSearches(ctx, "device-1")
	require.NoError(t, err)
	require.Equal(t, []string{"cookies", "brownie", "cake"}, terms)

	require.NoError(t, store.PushRecentSearch(ctx, "device-1", "tart", 3))
	terms, err = store.RecentSearches(ctx, "device-1")
	require.NoError(t, err)
	require.Equal(t, []string{"tart", "cookies", "brownie"}, terms)
}

func TestDevicesRegistry(t *testing.T) {
	store, _ := newStore(t)
	ctx := context.Background()

	require.NoError(t, store.SetCartID(ctx, "device-1", "cart-a"))
	require.NoError(t, store.SetCartID(ctx, "device-2", "cart-b"))

	devices, err := store.Devices(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"device-1", "device-2"}, devices)

	require.NoError(t, store.Forget(ctx, "device-1"))
	devices, err = store.Devices(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"device-2"}, devices)
}
