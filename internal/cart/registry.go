package cart

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crumbworks/storefront/internal/session"
	"github.com/crumbworks/storefront/internal/upstream"
)

// RegistryConfig tunes per-device engine lifecycle.
type RegistryConfig struct {
	// RefreshInterval is the cart poll period for each live engine.
	RefreshInterval time.Duration
	// IdleAfter is how long a device can go unseen before its engine is
	// torn down. Durable state survives eviction; only the in-memory
	// engine and its poll loop are dropped.
	IdleAfter time.Duration
}

type entry struct {
	engine   *Engine
	cancel   context.CancelFunc
	lastSeen time.Time
}

// Registry hands out one Engine per device and owns their poll loops.
// Engines are created lazily on first request and evicted when idle.
type Registry struct {
	gw     Gateway
	store  *session.Store
	logger zerolog.Logger
	cfg    RegistryConfig

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// NewRegistry builds an empty registry.
func NewRegistry(gw Gateway, store *session.Store, logger zerolog.Logger, cfg RegistryConfig) *Registry {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = 9 * time.Second
	}
	if cfg.IdleAfter <= 0 {
		cfg.IdleAfter = 30 * time.Minute
	}
	return &Registry{
		gw:      gw,
		store:   store,
		logger:  logger,
		cfg:     cfg,
		entries: map[string]*entry{},
	}
}

// Acquire returns the engine for the device, creating and priming it on
// first use. A priming failure caused by the upstream being unreachable is
// not fatal: the engine serves the advisory snapshot until a poll succeeds.
func (r *Registry) Acquire(ctx context.Context, device string) (*Engine, error) {
	r.mu.Lock()
	if ent, ok := r.entries[device]; ok {
		ent.lastSeen = time.Now()
		r.mu.Unlock()
		return ent.engine, nil
	}
	r.mu.Unlock()

	eng := NewEngine(device, r.gw, r.store, r.logger)
	if err := eng.Load(ctx); err != nil {
		if !upstream.IsNetwork(err) {
			return nil, err
		}
		r.logger.Warn().Err(err).Str("device_id", device).Msg("cart_prime_degraded")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return eng, nil
	}
	if ent, ok := r.entries[device]; ok {
		// Lost the creation race; the loop for the winner is already up.
		ent.lastSeen = time.Now()
		return ent.engine, nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	eng.StartRefreshLoop(loopCtx, r.cfg.RefreshInterval)
	r.entries[device] = &entry{engine: eng, cancel: cancel, lastSeen: time.Now()}
	return eng, nil
}

// Peek returns the live engine for the device without creating one.
func (r *Registry) Peek(device string) (*Engine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ent, ok := r.entries[device]
	if !ok {
		return nil, false
	}
	return ent.engine, true
}

// EvictIdle drops engines unseen for longer than the configured idle
// window and stops their poll loops.
func (r *Registry) EvictIdle() int {
	cutoff := time.Now().Add(-r.cfg.IdleAfter)
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for device, ent := range r.entries {
		if ent.lastSeen.Before(cutoff) {
			ent.cancel()
			delete(r.entries, device)
			evicted++
		}
	}
	return evicted
}

// StartEvictionLoop sweeps idle engines until ctx is cancelled.
func (r *Registry) StartEvictionLoop(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := r.EvictIdle(); n > 0 {
					r.logger.Debug().Int("count", n).Msg("cart_engines_evicted")
				}
			}
		}
	}()
}

// Close stops every poll loop. Further Acquire calls still work but their
// engines get no background refresh.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for device, ent := range r.entries {
		ent.cancel()
		delete(r.entries, device)
	}
}
