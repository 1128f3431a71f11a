package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/crumbworks/storefront/internal/cart"
	"github.com/crumbworks/storefront/internal/locations"
	"github.com/crumbworks/storefront/internal/obs"
	"github.com/crumbworks/storefront/internal/pricing"
	"github.com/crumbworks/storefront/internal/upstream"
)

// Step is the checkout position. Values are wire-stable.
type Step int

const (
	StepCart      Step = 1
	StepDelivery  Step = 2
	StepConfirmed Step = 3
)

func (s Step) String() string {
	switch s {
	case StepCart:
		return "cart"
	case StepDelivery:
		return "delivery"
	case StepConfirmed:
		return "confirmed"
	}
	return "unknown"
}

var (
	// ErrEmptyCart guards the cart→delivery transition.
	ErrEmptyCart = errors.New("checkout: cart is empty")
	// ErrAuthRequired is returned when an unauthenticated device begins
	// checkout without opting into guest mode.
	ErrAuthRequired = errors.New("checkout: authentication required")
	// ErrWrongStep is returned for an operation illegal at the current step.
	ErrWrongStep = errors.New("checkout: operation not allowed at this step")
	// ErrNoLocation guards confirmation before a delivery city was picked.
	ErrNoLocation = errors.New("checkout: delivery location not selected")
	// ErrInvalidContact is returned for missing receiver details.
	ErrInvalidContact = errors.New("checkout: invalid contact details")
)

// AuthProbe answers whether the device has a live authenticated session.
// The guard's fail-open/fail-closed policy is its own concern; the
// controller only consumes the verdict.
type AuthProbe interface {
	Authenticated(ctx context.Context, device string) bool
}

// OrderGateway submits the confirmed order upstream.
type OrderGateway interface {
	SubmitOrder(ctx context.Context, in upstream.OrderInput, idempotencyKey string) (upstream.OrderRef, error)
}

// Contact is the receiver information collected at the delivery step.
type Contact struct {
	ReceiverName  string
	Phone         string
	AddressLine   string
	PaymentMethod string
	Notes         string
}

// State is a snapshot of one device's checkout position.
type State struct {
	Step     Step
	City     string
	Shipping float64
	Summary  pricing.Summary
	OrderID  string
}

type flow struct {
	step     Step
	city     string
	shipping float64
	orderID  string
	// idemKey is minted when the flow enters delivery and reused across
	// confirmation retries, so an ambiguous failure cannot double-order.
	idemKey  string
	lastSeen time.Time
}

// Controller drives the checkout state machine, one flow per device.
// Steps only move forward except for the explicit delivery→cart cancel;
// a confirmed flow never goes back.
type Controller struct {
	Carts     *cart.Registry
	Locations *locations.Service
	Orders    OrderGateway
	Auth      AuthProbe
	Logger    zerolog.Logger

	mu    sync.Mutex
	flows map[string]*flow
}

// NewController builds a controller with no live flows.
func NewController(carts *cart.Registry, locs *locations.Service, orders OrderGateway, auth AuthProbe, logger zerolog.Logger) *Controller {
	return &Controller{
		Carts:     carts,
		Locations: locs,
		Orders:    orders,
		Auth:      auth,
		Logger:    logger,
		flows:     map[string]*flow{},
	}
}

func (c *Controller) flowFor(device string) *flow {
	f, ok := c.flows[device]
	if !ok {
		f = &flow{step: StepCart}
		c.flows[device] = f
	}
	f.lastSeen = time.Now()
	return f
}

// EvictIdle drops flows untouched for idleFor or longer and reports how
// many were removed. An evicted device restarts at the cart step, which is
// the safe default. Mirrors the cart registry's engine eviction.
func (c *Controller) EvictIdle(idleFor time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	evicted := 0
	for device, f := range c.flows {
		if time.Since(f.lastSeen) >= idleFor {
			delete(c.flows, device)
			evicted++
		}
	}
	return evicted
}

// StartEvictionLoop evicts idle flows until ctx is cancelled.
func (c *Controller) StartEvictionLoop(ctx context.Context, every, idleFor time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	if idleFor <= 0 {
		idleFor = 30 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := c.EvictIdle(idleFor); n > 0 {
					c.Logger.Debug().Int("evicted", n).Msg("checkout_flows_evicted")
				}
			}
		}
	}()
}

// State reports the current step with the pricing summary for the device.
func (c *Controller) State(ctx context.Context, device string) (State, error) {
	eng, err := c.Carts.Acquire(ctx, device)
	if err != nil {
		return State{}, err
	}
	c.mu.Lock()
	f := c.flowFor(device)
	st := State{Step: f.step, City: f.city, Shipping: f.shipping, OrderID: f.orderID}
	c.mu.Unlock()
	st.Summary = summarize(eng, st.Shipping)
	return st, nil
}

// Begin moves cart→delivery. The cart must be non-empty; an unauthenticated
// device is turned away unless it explicitly continues as guest.
func (c *Controller) Begin(ctx context.Context, device string, asGuest bool) (State, error) {
	eng, err := c.Carts.Acquire(ctx, device)
	if err != nil {
		return State{}, err
	}
	if len(eng.ActiveLines()) == 0 {
		c.countTransition(StepCart, StepDelivery, "rejected")
		return State{}, ErrEmptyCart
	}
	if !asGuest && c.Auth != nil && !c.Auth.Authenticated(ctx, device) {
		c.countTransition(StepCart, StepDelivery, "auth_required")
		return State{}, ErrAuthRequired
	}

	c.mu.Lock()
	f := c.flowFor(device)
	if f.step == StepDelivery {
		// Begin is idempotent while already in delivery.
		st := State{Step: f.step, City: f.city, Shipping: f.shipping}
		c.mu.Unlock()
		st.Summary = summarize(eng, st.Shipping)
		return st, nil
	}
	// A confirmed flow is finished; beginning again starts a fresh one.
	*f = flow{step: StepDelivery, idemKey: uuid.NewString(), lastSeen: time.Now()}
	c.mu.Unlock()

	c.countTransition(StepCart, StepDelivery, "ok")
	return State{Step: StepDelivery, Summary: summarize(eng, 0)}, nil
}

// SelectLocation picks the delivery city and locks in its shipping charge.
func (c *Controller) SelectLocation(ctx context.Context, device, city string) (State, error) {
	c.mu.Lock()
	f := c.flowFor(device)
	if f.step != StepDelivery {
		c.mu.Unlock()
		return State{}, fmt.Errorf("select location at step %s: %w", f.step, ErrWrongStep)
	}
	c.mu.Unlock()

	charge, err := c.Locations.ResolveShipping(ctx, city)
	if err != nil {
		return State{}, err
	}
	eng, err := c.Carts.Acquire(ctx, device)
	if err != nil {
		return State{}, err
	}

	c.mu.Lock()
	f = c.flowFor(device)
	if f.step != StepDelivery {
		c.mu.Unlock()
		return State{}, fmt.Errorf("select location at step %s: %w", f.step, ErrWrongStep)
	}
	f.city = strings.TrimSpace(city)
	f.shipping = charge
	st := State{Step: f.step, City: f.city, Shipping: f.shipping}
	c.mu.Unlock()

	st.Summary = summarize(eng, st.Shipping)
	return st, nil
}

// Confirm submits the order and, only on success, advances to confirmed.
// Any failure leaves the flow in delivery so the shopper can retry.
func (c *Controller) Confirm(ctx context.Context, device string, contact Contact) (State, error) {
	if strings.TrimSpace(contact.ReceiverName) == "" ||
		strings.TrimSpace(contact.Phone) == "" ||
		strings.TrimSpace(contact.AddressLine) == "" {
		return State{}, ErrInvalidContact
	}

	eng, err := c.Carts.Acquire(ctx, device)
	if err != nil {
		return State{}, err
	}

	c.mu.Lock()
	f := c.flowFor(device)
	if f.step != StepDelivery {
		c.mu.Unlock()
		return State{}, fmt.Errorf("confirm at step %s: %w", f.step, ErrWrongStep)
	}
	if f.city == "" {
		c.mu.Unlock()
		return State{}, ErrNoLocation
	}
	city, shipping, idemKey := f.city, f.shipping, f.idemKey
	c.mu.Unlock()

	cartID := eng.CartID()
	if cartID == "" || len(eng.ActiveLines()) == 0 {
		return State{}, ErrEmptyCart
	}

	ref, err := c.Orders.SubmitOrder(ctx, upstream.OrderInput{
		CartID:         cartID,
		City:           city,
		ShippingCharge: shipping,
		PaymentMethod:  contact.PaymentMethod,
		ReceiverName:   contact.ReceiverName,
		Phone:          contact.Phone,
		AddressLine:    contact.AddressLine,
		Notes:          contact.Notes,
	}, idemKey)
	if err != nil {
		c.countTransition(StepDelivery, StepConfirmed, "failed")
		c.Logger.Warn().Err(err).Str("device_id", device).Msg("order_submit_failed")
		return State{}, err
	}

	summary := summarize(eng, shipping)
	if resetErr := eng.Reset(ctx); resetErr != nil {
		c.Logger.Warn().Err(resetErr).Str("device_id", device).Msg("cart_reset_failed")
	}

	c.mu.Lock()
	f = c.flowFor(device)
	f.step = StepConfirmed
	f.orderID = ref.OrderID
	st := State{Step: f.step, City: f.city, Shipping: f.shipping, OrderID: f.orderID, Summary: summary}
	c.mu.Unlock()

	c.countTransition(StepDelivery, StepConfirmed, "ok")
	return st, nil
}

// Cancel backs out of the delivery step. A confirmed flow cannot be
// cancelled.
func (c *Controller) Cancel(device string) (State, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f := c.flowFor(device)
	if f.step != StepDelivery {
		return State{}, fmt.Errorf("cancel at step %s: %w", f.step, ErrWrongStep)
	}
	*f = flow{step: StepCart, lastSeen: time.Now()}
	c.countTransition(StepDelivery, StepCart, "ok")
	return State{Step: StepCart}, nil
}

func (c *Controller) countTransition(from, to Step, result string) {
	if obs.CheckoutTransitionTotal != nil {
		obs.CheckoutTransitionTotal.WithLabelValues(from.String(), to.String(), result).Inc()
	}
}

func summarize(eng *cart.Engine, shipping float64) pricing.Summary {
	lines := eng.ActiveLines()
	pls := make([]pricing.Line, 0, len(lines))
	for _, line := range lines {
		pls = append(pls, line.PricingLine())
	}
	return pricing.Compute(pls, shipping)
}
