package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"

	"github.com/crumbworks/storefront/internal/obs"
	"github.com/crumbworks/storefront/internal/session"
	"github.com/crumbworks/storefront/internal/upstream"
)

// ErrTokenRejected is returned when the upstream (or the token's own
// expiry) says the session is no longer valid.
var ErrTokenRejected = errors.New("auth: token rejected")

// Verifier is the slice of the upstream client the guard needs.
type Verifier interface {
	Verify(ctx context.Context, token string) (upstream.VerifyResult, error)
}

// Status is the guard's verdict for a device session.
type Status struct {
	Authenticated   bool
	Degraded        bool // true when the verdict was reached fail-open
	User            json.RawMessage
	LastValidatedAt time.Time
}

// Guard owns the auth session lifecycle for devices. Validation is lazy
// with a revalidation window; inside the window the stored verdict is
// trusted without a network call. A transport failure keeps the session
// alive (fail open), an explicit 401/403 ends it (fail closed). Logout
// clears only auth state, never the cart identity.
type Guard struct {
	Gw     Verifier
	Store  *session.Store
	Window time.Duration
	Logger zerolog.Logger

	// Now is overridable in tests.
	Now func() time.Time
}

func (g *Guard) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func (g *Guard) window() time.Duration {
	if g.Window <= 0 {
		return 30 * time.Minute
	}
	return g.Window
}

// Login verifies the token upstream and, on success, persists the session.
// A bad token never half-logs-in: nothing is stored unless the upstream
// said yes.
func (g *Guard) Login(ctx context.Context, device, token string) (Status, error) {
	if token == "" {
		return Status{}, ErrTokenRejected
	}
	if g.locallyExpired(token) {
		g.count("rejected")
		return Status{}, ErrTokenRejected
	}
	res, err := g.Gw.Verify(ctx, token)
	if err != nil {
		// Login is the one path that cannot fail open: without a stored
		// verdict there is nothing to fall back on.
		g.count("error")
		return Status{}, err
	}
	if !res.Authenticated {
		g.count("rejected")
		return Status{}, ErrTokenRejected
	}
	now := g.now()
	if err := g.Store.SetAuthState(ctx, device, session.AuthState{
		Token:           token,
		User:            res.User,
		LastValidatedAt: now,
	}); err != nil {
		return Status{}, err
	}
	g.count("ok")
	return Status{Authenticated: true, User: res.User, LastValidatedAt: now}, nil
}

// Logout drops the auth session. The cart identity survives: an
// anonymous cart outliving a login/logout cycle is deliberate.
func (g *Guard) Logout(ctx context.Context, device string) error {
	return g.Store.ClearAuth(ctx, device)
}

// Validate returns the session verdict. Unless force is set, a verdict
// newer than the revalidation window is returned without touching the
// network.
func (g *Guard) Validate(ctx context.Context, device string, force bool) (Status, error) {
	st, ok, err := g.Store.AuthState(ctx, device)
	if err != nil {
		return Status{}, err
	}
	if !ok || st.Token == "" {
		return Status{}, nil
	}

	if g.locallyExpired(st.Token) {
		// An expired token is an authoritative rejection; no network call
		// and no fail-open.
		g.count("rejected")
		if err := g.Store.ClearAuth(ctx, device); err != nil {
			g.Logger.Debug().Err(err).Msg("auth_clear_failed")
		}
		return Status{}, nil
	}

	now := g.now()
	if !force && now.Sub(st.LastValidatedAt) < g.window() {
		g.count("skipped")
		return Status{Authenticated: true, User: st.User, LastValidatedAt: st.LastValidatedAt}, nil
	}

	res, err := g.Gw.Verify(ctx, st.Token)
	if err != nil {
		if status := upstream.StatusOf(err); status == http.StatusUnauthorized || status == http.StatusForbidden {
			g.count("rejected")
			if clearErr := g.Store.ClearAuth(ctx, device); clearErr != nil {
				g.Logger.Debug().Err(clearErr).Msg("auth_clear_failed")
			}
			return Status{}, nil
		}
		// Transport trouble or upstream 5xx: the stored verdict stands
		// until the next successful check.
		g.count("fail_open")
		g.Logger.Warn().Err(err).Str("device_id", device).Msg("auth_validation_degraded")
		return Status{Authenticated: true, Degraded: true, User: st.User, LastValidatedAt: st.LastValidatedAt}, nil
	}
	if !res.Authenticated {
		g.count("rejected")
		if err := g.Store.ClearAuth(ctx, device); err != nil {
			g.Logger.Debug().Err(err).Msg("auth_clear_failed")
		}
		return Status{}, nil
	}

	if err := g.Store.SetAuthState(ctx, device, session.AuthState{
		Token:           st.Token,
		User:            res.User,
		LastValidatedAt: now,
	}); err != nil {
		g.Logger.Debug().Err(err).Msg("auth_state_write_failed")
	}
	g.count("ok")
	return Status{Authenticated: true, User: res.User, LastValidatedAt: now}, nil
}

// Authenticated is the boolean view used by checkout's begin guard.
func (g *Guard) Authenticated(ctx context.Context, device string) bool {
	st, err := g.Validate(ctx, device, false)
	if err != nil {
		return false
	}
	return st.Authenticated
}

// locallyExpired reports whether the token is a JWT whose exp already
// passed. Opaque tokens fall through to the network check.
func (g *Guard) locallyExpired(token string) bool {
	tok, err := jwt.Parse([]byte(token), jwt.WithVerify(false), jwt.WithValidate(false))
	if err != nil {
		return false
	}
	exp := tok.Expiration()
	if exp.IsZero() {
		return false
	}
	return exp.Before(g.now())
}

func (g *Guard) count(result string) {
	if obs.AuthValidationTotal != nil {
		obs.AuthValidationTotal.WithLabelValues(result).Inc()
	}
}
