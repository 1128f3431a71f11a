package cart

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crumbworks/storefront/internal/session"
	"github.com/crumbworks/storefront/internal/upstream"
)

type fakeGateway struct {
	mu sync.Mutex

	addCartID string
	addErr    error
	addCalls  int

	updateErr   error
	updateCalls int
	blockUpdate chan struct{}

	removeErr   error
	removeCalls int

	items    []upstream.LineItem
	getErr   error
	blockGet chan struct{}
}

func (f *fakeGateway) AddItem(_ context.Context, _, productID string, quantity int) (string, upstream.LineItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls++
	if f.addErr != nil {
		return "", upstream.LineItem{}, f.addErr
	}
	return f.addCartID, upstream.LineItem{
		ItemID:    "item-" + productID,
		ProductID: productID,
		Name:      "Product " + productID,
		UnitPrice: 1000,
		Quantity:  quantity,
	}, nil
}

func (f *fakeGateway) GetCart(_ context.Context, _ string) ([]upstream.LineItem, error) {
	f.mu.Lock()
	block := f.blockGet
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	out := make([]upstream.LineItem, len(f.items))
	copy(out, f.items)
	return out, nil
}

func (f *fakeGateway) UpdateQuantity(_ context.Context, _, _ string, _ int) error {
	f.mu.Lock()
	block := f.blockUpdate
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updateCalls++
	return f.updateErr
}

func (f *fakeGateway) RemoveItem(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeCalls++
	return f.removeErr
}

func newTestEngine(t *testing.T) (*Engine, *fakeGateway, *session.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := &session.Store{R: client, TTL: time.Hour}
	gw := &fakeGateway{addCartID: "cart-1"}
	eng := NewEngine("device-1", gw, store, zerolog.Nop())
	return eng, gw, store
}

func TestAddCreatesLineAndPersistsIdentity(t *testing.T) {
	eng, _, store := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Add(ctx, "p1", 2))

	lines := eng.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, "p1", lines[0].ProductID)
	assert.Equal(t, 2, lines[0].Quantity)
	assert.Equal(t, "cart-1", eng.CartID())

	cartID, ok, err := store.CartID(ctx, "device-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "cart-1", cartID)

	snapshot, found, err := store.Snapshot(ctx, "device-1")
	require.NoError(t, err)
	require.True(t, found)
	require.Len(t, snapshot, 1)
	assert.Equal(t, "p1", snapshot[0].ProductID)
}

func TestAddSameProductMergesQuantity(t *testing.T) {
	eng, gw, _ := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Add(ctx, "p1", 1))
	require.NoError(t, eng.Add(ctx, "p1", 2))

	lines := eng.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, 3, lines[0].Quantity)
	assert.Equal(t, 1, gw.addCalls, "second add must become a quantity update")
	assert.Equal(t, 1, gw.updateCalls)
}

func TestAddRejectsInvalidInput(t *testing.T) {
	eng, gw, _ := newTestEngine(t)
	ctx := context.Background()

	assert.ErrorIs(t, eng.Add(ctx, "", 1), ErrInvalidInput)
	assert.ErrorIs(t, eng.Add(ctx, "p1", 0), ErrInvalidInput)
	assert.ErrorIs(t, eng.Add(ctx, "p1", -4), ErrInvalidInput)
	assert.Zero(t, gw.addCalls, "invalid input must not reach the upstream")
}

func TestAddFailureLeavesCartUntouched(t *testing.T) {
	eng, gw, store := newTestEngine(t)
	ctx := context.Background()
	gw.addErr = &upstream.NetworkError{Err: errors.New("dial tcp: refused")}

	err := eng.Add(ctx, "p1", 1)
	require.Error(t, err)
	assert.True(t, upstream.IsNetwork(err))
	assert.Empty(t, eng.Lines())
	assert.Empty(t, eng.CartID())

	_, ok, err := store.CartID(ctx, "device-1")
	require.NoError(t, err)
	assert.False(t, ok, "no identity may be minted for a failed add")
}

func TestIncreaseRollsBackOnFailure(t *testing.T) {
	eng, gw, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, eng.Add(ctx, "p1", 2))

	gw.updateErr = &upstream.ServerError{Status: 500, Message: "boom"}
	err := eng.Increase(ctx, "item-p1")
	require.Error(t, err)

	lines := eng.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, 2, lines[0].Quantity, "failed increase must restore the previous quantity")
}

func TestDecreaseAtOneRemovesLine(t *testing.T) {
	eng, gw, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, eng.Add(ctx, "p1", 1))

	require.NoError(t, eng.Decrease(ctx, "item-p1"))

	assert.Empty(t, eng.Lines(), "quantity zero lines are never kept")
	assert.Equal(t, 1, gw.removeCalls)
	assert.Zero(t, gw.updateCalls)
}

func TestRemoveFailureClearsPendingFlag(t *testing.T) {
	eng, gw, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, eng.Add(ctx, "p1", 1))

	gw.removeErr = &upstream.NetworkError{Err: errors.New("timeout")}
	err := eng.Remove(ctx, "item-p1")
	require.Error(t, err)

	lines := eng.Lines()
	require.Len(t, lines, 1)
	assert.False(t, lines[0].PendingRemoval, "rollback must clear the removing state")
}

func TestSecondMutationOnBusyItemIsRejected(t *testing.T) {
	eng, gw, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, eng.Add(ctx, "p1", 1))

	block := make(chan struct{})
	gw.mu.Lock()
	gw.blockUpdate = block
	gw.mu.Unlock()

	first := make(chan error, 1)
	go func() { first <- eng.Increase(ctx, "item-p1") }()

	// Wait until the first mutation holds the in-flight slot.
	require.Eventually(t, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return len(eng.inflight) == 1
	}, time.Second, 5*time.Millisecond)

	assert.ErrorIs(t, eng.Increase(ctx, "item-p1"), ErrMutationInFlight)

	close(block)
	require.NoError(t, <-first)
	require.Len(t, eng.Lines(), 1)
	assert.Equal(t, 2, eng.Lines()[0].Quantity)
}

func TestIncreaseStartedDuringRollbackAddsExactlyOne(t *testing.T) {
	eng, gw, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, eng.Add(ctx, "p1", 1))

	block := make(chan struct{})
	gw.mu.Lock()
	gw.blockUpdate = block
	gw.updateErr = &upstream.NetworkError{Err: errors.New("timeout")}
	gw.mu.Unlock()

	first := make(chan error, 1)
	go func() { first <- eng.Increase(ctx, "item-p1") }()
	require.Eventually(t, func() bool {
		eng.mu.Lock()
		defer eng.mu.Unlock()
		return len(eng.inflight) == 1
	}, time.Second, 5*time.Millisecond)

	// A second press built while the optimistic quantity reads 2. The
	// first press is about to fail and roll back to 1; the second must
	// land on 2, not on a target captured from the inflated state.
	second := &quantityCommand{engine: eng, itemID: "item-p1", delta: 1}

	gw.mu.Lock()
	gw.blockUpdate = nil
	gw.mu.Unlock()
	close(block)
	require.Error(t, <-first)

	gw.mu.Lock()
	gw.updateErr = nil
	gw.mu.Unlock()

	require.NoError(t, eng.run(ctx, "increase", "item:item-p1", second))
	lines := eng.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, 2, lines[0].Quantity)
}

func TestRefreshDiscardedWhenMutationLandsFirst(t *testing.T) {
	eng, gw, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, eng.Add(ctx, "p1", 1))

	// The poll response reports quantity 1, but an increase to 2 will land
	// while the poll is in flight. The stale response must be discarded.
	gw.mu.Lock()
	gw.items = []upstream.LineItem{{ItemID: "item-p1", ProductID: "p1", UnitPrice: 1000, Quantity: 1}}
	block := make(chan struct{})
	gw.blockGet = block
	gw.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- eng.Refresh(ctx) }()

	// Let the refresh capture its generation before mutating.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, eng.Increase(ctx, "item-p1"))

	close(block)
	require.NoError(t, <-done)

	lines := eng.Lines()
	require.Len(t, lines, 1)
	assert.Equal(t, 2, lines[0].Quantity, "slow poll must not clobber the optimistic update")
}

func TestRefreshAppliesUpstreamCart(t *testing.T) {
	eng, gw, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, eng.Add(ctx, "p1", 1))

	gw.mu.Lock()
	gw.items = []upstream.LineItem{
		{ItemID: "item-p1", ProductID: "p1", UnitPrice: 1000, Quantity: 4},
		{ItemID: "item-p2", ProductID: "p2", UnitPrice: 500, Quantity: 1},
	}
	gw.mu.Unlock()

	require.NoError(t, eng.Refresh(ctx))
	lines := eng.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, 4, lines[0].Quantity)
}

func TestStaleCartSelfHeals(t *testing.T) {
	eng, gw, store := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, eng.Add(ctx, "p1", 1))

	gw.mu.Lock()
	gw.getErr = &upstream.StaleReferenceError{Resource: "cart", ID: "cart-1"}
	gw.mu.Unlock()

	require.NoError(t, eng.Refresh(ctx), "a stale cart reads as empty, not as an error")
	assert.Empty(t, eng.Lines())
	assert.Empty(t, eng.CartID())

	_, ok, err := store.CartID(ctx, "device-1")
	require.NoError(t, err)
	assert.False(t, ok, "stored identity must be dropped so the next add mints a fresh cart")

	// The next add starts a brand new cart.
	gw.mu.Lock()
	gw.getErr = nil
	gw.addCartID = "cart-2"
	gw.mu.Unlock()
	require.NoError(t, eng.Add(ctx, "p2", 1))
	assert.Equal(t, "cart-2", eng.CartID())
}

func TestLoadServesSnapshotWhileUpstreamDown(t *testing.T) {
	_, gw, store := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, store.SetCartID(ctx, "device-1", "cart-1"))
	require.NoError(t, store.SetSnapshot(ctx, "device-1", []session.SnapshotItem{
		{ItemID: "item-p1", ProductID: "p1", Name: "Sourdough", UnitPrice: 1200, Quantity: 2},
	}))

	gw.mu.Lock()
	gw.getErr = &upstream.NetworkError{Err: errors.New("down")}
	gw.mu.Unlock()

	eng := NewEngine("device-1", gw, store, zerolog.Nop())
	err := eng.Load(ctx)
	require.Error(t, err)
	assert.True(t, upstream.IsNetwork(err))

	lines := eng.Lines()
	require.Len(t, lines, 1, "snapshot gives a first paint before the upstream answers")
	assert.Equal(t, "Sourdough", lines[0].Name)
	assert.Equal(t, "cart-1", eng.CartID())
}

func TestSubtotalSkipsPendingRemovals(t *testing.T) {
	eng, gw, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, eng.Add(ctx, "p1", 2)) // 2 x 1000
	require.NoError(t, eng.Add(ctx, "p2", 1)) // 1 x 1000

	assert.InDelta(t, 3000, eng.Subtotal(), 1e-9)

	gw.mu.Lock()
	gw.removeErr = &upstream.NetworkError{Err: errors.New("slow")}
	gw.mu.Unlock()
	_ = eng.Remove(ctx, "item-p2")

	// Rollback restored the line, subtotal unchanged.
	assert.InDelta(t, 3000, eng.Subtotal(), 1e-9)
}

func TestRegistryReusesEngines(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := &session.Store{R: client, TTL: time.Hour}
	gw := &fakeGateway{addCartID: "cart-1"}
	reg := NewRegistry(gw, store, zerolog.Nop(), RegistryConfig{
		RefreshInterval: time.Hour,
		IdleAfter:       time.Hour,
	})
	t.Cleanup(reg.Close)
	ctx := context.Background()

	a, err := reg.Acquire(ctx, "device-a")
	require.NoError(t, err)
	b, err := reg.Acquire(ctx, "device-a")
	require.NoError(t, err)
	assert.Same(t, a, b)

	other, err := reg.Acquire(ctx, "device-b")
	require.NoError(t, err)
	assert.NotSame(t, a, other)
}

func TestRegistryEvictsIdleEngines(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := &session.Store{R: client, TTL: time.Hour}
	reg := NewRegistry(&fakeGateway{addCartID: "cart-1"}, store, zerolog.Nop(), RegistryConfig{
		RefreshInterval: time.Hour,
		IdleAfter:       time.Nanosecond,
	})
	t.Cleanup(reg.Close)

	_, err := reg.Acquire(context.Background(), "device-a")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)

	assert.Equal(t, 1, reg.EvictIdle())
	_, ok := reg.Peek("device-a")
	assert.False(t, ok)
}
