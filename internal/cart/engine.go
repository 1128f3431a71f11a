package cart

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crumbworks/storefront/internal/obs"
	"github.com/crumbworks/storefront/internal/pricing"
	"github.com/crumbworks/storefront/internal/session"
	"github.com/crumbworks/storefront/internal/upstream"
)

// ErrInvalidInput is returned when a mutation is rejected locally, before
// any network call.
var ErrInvalidInput = errors.New("cart: invalid input")

// ErrMutationInFlight is returned when a second mutation targets a line
// that already has one pending. The caller retries; updates are never
// silently dropped.
var ErrMutationInFlight = errors.New("cart: mutation already in flight for this item")

// ErrUnknownItem is returned when the referenced line is not in the cart.
var ErrUnknownItem = errors.New("cart: item not found")

// Line is one in-memory cart line plus UI-facing mutation state.
type Line struct {
	upstream.LineItem
	PendingRemoval bool
}

// PricingLine converts to the calculator's input shape.
func (l Line) PricingLine() pricing.Line {
	return pricing.Line{
		UnitPrice:       l.UnitPrice,
		DiscountPercent: l.DiscountPercent,
		Quantity:        l.Quantity,
	}
}

// Gateway is the slice of the upstream client the engine depends on.
type Gateway interface {
	AddItem(ctx context.Context, cartID, productID string, quantity int) (string, upstream.LineItem, error)
	GetCart(ctx context.Context, cartID string) ([]upstream.LineItem, error)
	UpdateQuantity(ctx context.Context, cartID, itemID string, quantity int) error
	RemoveItem(ctx context.Context, cartID, itemID string) error
}

// state is the mutable cart data commands operate on. It is only ever
// touched while the engine lock is held.
type state struct {
	cartID string
	lines  []Line
}

func (s *state) lineByItemID(itemID string) *Line {
	for i := range s.lines {
		if s.lines[i].ItemID == itemID {
			return &s.lines[i]
		}
	}
	return nil
}

func (s *state) lineByProductID(productID string) *Line {
	for i := range s.lines {
		if s.lines[i].ProductID == productID && !s.lines[i].PendingRemoval {
			return &s.lines[i]
		}
	}
	return nil
}

func (s *state) dropItem(itemID string) {
	for i := range s.lines {
		if s.lines[i].ItemID == itemID {
			s.lines = append(s.lines[:i], s.lines[i+1:]...)
			return
		}
	}
}

// Engine orchestrates cart mutations for one device. Local state is applied
// optimistically, the upstream is the source of truth, and every optimistic
// change carries a rollback. One mutation may be in flight per line at a
// time.
type Engine struct {
	device string
	gw     Gateway
	store  *session.Store
	logger zerolog.Logger

	mu       sync.Mutex
	st       state
	inflight map[string]struct{}
	// generation is bumped on every local state change. A refresh that
	// started before the latest change discards its response on arrival.
	generation uint64
	loaded     bool
}

// NewEngine constructs an engine for the device. Call Load before use.
func NewEngine(device string, gw Gateway, store *session.Store, logger zerolog.Logger) *Engine {
	return &Engine{
		device:   device,
		gw:       gw,
		store:    store,
		logger:   logger.With().Str("device_id", device).Logger(),
		inflight: map[string]struct{}{},
	}
}

// Load primes the engine: cart identity from the durable store, the
// advisory snapshot for instant first paint, then the authoritative
// upstream cart when the identity resolves.
func (e *Engine) Load(ctx context.Context) error {
	cartID, ok, err := e.store.CartID(ctx, e.device)
	if err != nil {
		return err
	}
	e.mu.Lock()
	if e.loaded {
		e.mu.Unlock()
		return nil
	}
	e.loaded = true
	if ok {
		e.st.cartID = cartID
	}
	e.mu.Unlock()

	if snapshot, found, err := e.store.Snapshot(ctx, e.device); err == nil && found {
		e.mu.Lock()
		if len(e.st.lines) == 0 {
			e.st.lines = snapshotToLines(snapshot)
		}
		e.mu.Unlock()
	}

	if !ok {
		return nil
	}
	return e.Refresh(ctx)
}

// Add puts a product in the cart. When the product already has a line the
// call is an increase on that line instead; two back-to-back adds of the
// same product therefore yield one line with the summed quantity, never a
// duplicate line.
func (e *Engine) Add(ctx context.Context, productID string, quantity int) error {
	if strings.TrimSpace(productID) == "" {
		return fmt.Errorf("product id is required: %w", ErrInvalidInput)
	}
	if quantity < 1 {
		return fmt.Errorf("quantity must be >= 1: %w", ErrInvalidInput)
	}

	e.mu.Lock()
	existing := e.st.lineByProductID(productID)
	if existing != nil {
		itemID := existing.ItemID
		e.mu.Unlock()
		return e.adjustQuantity(ctx, "add", itemID, quantity)
	}
	e.mu.Unlock()

	cmd := &addCommand{engine: e, productID: productID, quantity: quantity}
	return e.run(ctx, "add", "product:"+productID, cmd)
}

// Increase bumps the line quantity by one, optimistically.
func (e *Engine) Increase(ctx context.Context, itemID string) error {
	return e.adjustQuantity(ctx, "increase", itemID, 1)
}

// Decrease lowers the line quantity by one. A quantity-1 line is removed:
// zero-quantity lines are never stored.
func (e *Engine) Decrease(ctx context.Context, itemID string) error {
	e.mu.Lock()
	line := e.st.lineByItemID(itemID)
	if line == nil || line.PendingRemoval {
		e.mu.Unlock()
		return ErrUnknownItem
	}
	if line.Quantity <= 1 {
		e.mu.Unlock()
		return e.Remove(ctx, itemID)
	}
	e.mu.Unlock()
	return e.adjustQuantity(ctx, "decrease", itemID, -1)
}

// Remove deletes the line. The line stays visible with PendingRemoval set
// until the upstream confirms, so the UI can render the removing state.
func (e *Engine) Remove(ctx context.Context, itemID string) error {
	cmd := &removeCommand{engine: e, itemID: itemID}
	return e.run(ctx, "remove", "item:"+itemID, cmd)
}

// adjustQuantity runs a delta mutation on a line. The absolute target is
// resolved inside the command's Apply, never here: between this call and
// Apply another mutation may commit or roll back, and a precomputed target
// would replay its effect on top.
func (e *Engine) adjustQuantity(ctx context.Context, op, itemID string, delta int) error {
	cmd := &quantityCommand{engine: e, itemID: itemID, delta: delta}
	return e.run(ctx, op, "item:"+itemID, cmd)
}

// run executes one mutation under the single-flight rule: apply the
// optimistic change, commit upstream, then complete or roll back.
func (e *Engine) run(ctx context.Context, op, key string, m mutation) error {
	e.mu.Lock()
	if _, busy := e.inflight[key]; busy {
		e.mu.Unlock()
		e.countMutation(op, "busy")
		return ErrMutationInFlight
	}
	if err := m.Apply(&e.st); err != nil {
		e.mu.Unlock()
		e.countMutation(op, "rejected")
		return err
	}
	e.inflight[key] = struct{}{}
	e.generation++
	e.mu.Unlock()

	err := m.Commit(ctx)

	e.mu.Lock()
	delete(e.inflight, key)
	if err != nil {
		m.Rollback(&e.st)
	} else {
		m.Complete(ctx, &e.st)
	}
	e.generation++
	e.mu.Unlock()

	if err != nil {
		e.countMutation(op, "failed")
		if m.Optimistic() && obs.CartRollbackTotal != nil {
			obs.CartRollbackTotal.WithLabelValues(op).Inc()
		}
		e.logger.Warn().Err(err).Str("op", op).Msg("cart_mutation_failed")
		return err
	}
	e.countMutation(op, "ok")
	e.persistSnapshot(ctx)
	return nil
}

// Refresh pulls the authoritative cart from the upstream. The response is
// discarded when a mutation landed (or is still in flight) after the fetch
// started, so a slow poll can never clobber fresher optimistic state. A
// stale identity is self-healing: the cart reads as empty and the stored
// identity is dropped so the next add mints a fresh one.
func (e *Engine) Refresh(ctx context.Context) error {
	e.mu.Lock()
	cartID := e.st.cartID
	startGen := e.generation
	e.mu.Unlock()
	if cartID == "" {
		return nil
	}

	items, err := e.gw.GetCart(ctx, cartID)
	if err != nil {
		if upstream.IsStale(err) {
			e.mu.Lock()
			if e.generation == startGen {
				e.st = state{}
				e.generation++
			}
			e.mu.Unlock()
			_ = e.store.ClearCartID(ctx, e.device)
			return nil
		}
		return err
	}

	e.mu.Lock()
	if e.generation != startGen || len(e.inflight) > 0 {
		// Superseded by a mutation; the poll result is stale.
		e.mu.Unlock()
		return nil
	}
	lines := make([]Line, 0, len(items))
	for _, item := range items {
		lines = append(lines, Line{LineItem: item})
	}
	e.st.lines = lines
	e.mu.Unlock()

	e.persistSnapshot(ctx)
	return nil
}

// StartRefreshLoop polls the upstream cart until ctx is cancelled. The
// loop dies with its owning session; no timer outlives teardown.
func (e *Engine) StartRefreshLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 9 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.Refresh(ctx); err != nil && !errors.Is(err, context.Canceled) {
					e.logger.Debug().Err(err).Msg("cart_refresh_failed")
				}
			}
		}
	}()
}

// Reset drops the cart entirely, in memory and in the durable store. Used
// after a confirmed order consumes the cart upstream; the next add mints a
// fresh identity.
func (e *Engine) Reset(ctx context.Context) error {
	e.mu.Lock()
	e.st = state{}
	e.inflight = map[string]struct{}{}
	e.generation++
	e.mu.Unlock()
	if err := e.store.ClearCartID(ctx, e.device); err != nil {
		return err
	}
	return e.store.ClearSnapshot(ctx, e.device)
}

// Lines returns a copy of the current cart lines, pending flags included.
func (e *Engine) Lines() []Line {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Line, len(e.st.lines))
	copy(out, e.st.lines)
	return out
}

// ActiveLines returns the lines that are not pending removal.
func (e *Engine) ActiveLines() []Line {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Line, 0, len(e.st.lines))
	for _, line := range e.st.lines {
		if !line.PendingRemoval {
			out = append(out, line)
		}
	}
	return out
}

// CartID returns the current cart identity, empty when no cart exists yet.
func (e *Engine) CartID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.st.cartID
}

// Subtotal computes the running subtotal over active lines.
func (e *Engine) Subtotal() float64 {
	lines := e.ActiveLines()
	pls := make([]pricing.Line, 0, len(lines))
	for _, line := range lines {
		pls = append(pls, line.PricingLine())
	}
	return pricing.Subtotal(pls)
}

func (e *Engine) countMutation(op, result string) {
	if obs.CartMutationTotal != nil {
		obs.CartMutationTotal.WithLabelValues(op, result).Inc()
	}
}

func (e *Engine) persistSnapshot(ctx context.Context) {
	lines := e.ActiveLines()
	items := make([]session.SnapshotItem, 0, len(lines))
	for _, line := range lines {
		items = append(items, session.SnapshotItem{
			ItemID:          line.ItemID,
			ProductID:       line.ProductID,
			Name:            line.Name,
			Description:     line.Description,
			ImageURL:        line.ImageURL,
			UnitPrice:       line.UnitPrice,
			DiscountPercent: line.DiscountPercent,
			Quantity:        line.Quantity,
		})
	}
	if err := e.store.SetSnapshot(ctx, e.device, items); err != nil {
		e.logger.Debug().Err(err).Msg("persist_snapshot_failed")
	}
}

func snapshotToLines(items []session.SnapshotItem) []Line {
	lines := make([]Line, 0, len(items))
	for _, item := range items {
		if item.Quantity < 1 {
			continue
		}
		lines = append(lines, Line{LineItem: upstream.LineItem{
			ItemID:          item.ItemID,
			ProductID:       item.ProductID,
			Name:            item.Name,
			Description:     item.Description,
			ImageURL:        item.ImageURL,
			UnitPrice:       item.UnitPrice,
			DiscountPercent: item.DiscountPercent,
			Quantity:        item.Quantity,
		}})
	}
	return lines
}
