package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Store persists per-device session state in Redis. Key names are stable
// across releases: a value written before a restart must be readable after
// it. The cart identity is independent of auth state; ClearAuth never
// touches the cart keys.
type Store struct {
	R   *redis.Client
	TTL time.Duration
}

// SnapshotItem is the denormalized cart line kept for instant first paint.
// It is advisory only: the upstream cart fetch always overwrites it.
type SnapshotItem struct {
	ItemID          string  `json:"itemId"`
	ProductID       string  `json:"productId"`
	Name            string  `json:"name"`
	Description     string  `json:"description,omitempty"`
	ImageURL        string  `json:"imageUrl,omitempty"`
	UnitPrice       float64 `json:"unitPrice"`
	DiscountPercent float64 `json:"discountPercent"`
	Quantity        int     `json:"quantity"`
}

const (
	keyCartID      = "cart_id"
	keySnapshot    = "cart_snapshot"
	keyAuthToken   = "auth_token"
	keyAuthUser    = "auth_user"
	keyValidatedAt = "auth_validated_at"
	keySearches    = "recent_searches"

	devicesSetKey = "sf:devices"
)

func deviceKey(device, field string) string {
	return fmt.Sprintf("sf:device:%s:%s", device, field)
}

func (s *Store) ttl() time.Duration {
	if s == nil || s.TTL <= 0 {
		return 30 * 24 * time.Hour
	}
	return s.TTL
}

func (s *Store) ready(device string) error {
	if s == nil || s.R == nil {
		return errors.New("session: store not configured")
	}
	if strings.TrimSpace(device) == "" {
		return errors.New("session: device id is required")
	}
	return nil
}

// Touch registers the device in the known-devices set and refreshes key TTLs.
func (s *Store) Touch(ctx context.Context, device string) error {
	if err := s.ready(device); err != nil {
		return err
	}
	pipe := s.R.Pipeline()
	pipe.SAdd(ctx, devicesSetKey, device)
	for _, field := range []string{keyCartID, keySnapshot, keyAuthToken, keyAuthUser, keyValidatedAt, keySearches} {
		pipe.Expire(ctx, deviceKey(device, field), s.ttl())
	}
	_, err := pipe.Exec(ctx)
	return err
}

// CartID returns the persisted cart identity. Absence is not an error: it
// means no cart has been created for this device yet.
func (s *Store) CartID(ctx context.Context, device string) (string, bool, error) {
	if err := s.ready(device); err != nil {
		return "", false, err
	}
	id, err := s.R.Get(ctx, deviceKey(device, keyCartID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return id, id != "", nil
}

// SetCartID persists the cart identity durably.
func (s *Store) SetCartID(ctx context.Context, device, cartID string) error {
	if err := s.ready(device); err != nil {
		return err
	}
	if strings.TrimSpace(cartID) == "" {
		return errors.New("session: cart id is required")
	}
	if err := s.R.Set(ctx, deviceKey(device, keyCartID), cartID, s.ttl()).Err(); err != nil {
		return err
	}
	return s.R.SAdd(ctx, devicesSetKey, device).Err()
}

// ClearCartID removes the cart identity and its snapshot.
func (s *Store) ClearCartID(ctx context.Context, device string) error {
	if err := s.ready(device); err != nil {
		return err
	}
	return s.R.Del(ctx, deviceKey(device, keyCartID), deviceKey(device, keySnapshot)).Err()
}

// Snapshot loads the advisory item snapshot.
func (s *Store) Snapshot(ctx context.Context, device string) ([]SnapshotItem, bool, error) {
	if err := s.ready(device); err != nil {
		return nil, false, err
	}
	data, err := s.R.Get(ctx, deviceKey(device, keySnapshot)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, err
	}
	var items []SnapshotItem
	if err := json.Unmarshal(data, &items); err != nil {
		// A corrupt snapshot is advisory data; drop it rather than fail.
		_ = s.R.Del(ctx, deviceKey(device, keySnapshot)).Err()
		return nil, false, nil
	}
	return items, true, nil
}

// SetSnapshot stores the denormalized cart lines.
func (s *Store) SetSnapshot(ctx context.Context, device string, items []SnapshotItem) error {
	if err := s.ready(device); err != nil {
		return err
	}
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	return s.R.Set(ctx, deviceKey(device, keySnapshot), data, s.ttl()).Err()
}

// ClearSnapshot drops the advisory snapshot, keeping the cart identity.
func (s *Store) ClearSnapshot(ctx context.Context, device string) error {
	if err := s.ready(device); err != nil {
		return err
	}
	return s.R.Del(ctx, deviceKey(device, keySnapshot)).Err()
}

// AuthState bundles the durable parts of an auth session.
type AuthState struct {
	Token           string
	User            json.RawMessage
	LastValidatedAt time.Time
}

// AuthState loads the persisted auth session. A missing token yields ok=false.
func (s *Store) AuthState(ctx context.Context, device string) (AuthState, bool, error) {
	if err := s.ready(device); err != nil {
		return AuthState{}, false, err
	}
	vals, err := s.R.MGet(ctx,
		deviceKey(device, keyAuthToken),
		deviceKey(device, keyAuthUser),
		deviceKey(device, keyValidatedAt),
	).Result()
	if err != nil {
		return AuthState{}, false, err
	}
	state := AuthState{}
	if token, ok := vals[0].(string); ok {
		state.Token = token
	}
	if state.Token == "" {
		return AuthState{}, false, nil
	}
	if user, ok := vals[1].(string); ok && user != "" {
		state.User = json.RawMessage(user)
	}
	if ts, ok := vals[2].(string); ok && ts != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			state.LastValidatedAt = parsed
		}
	}
	return state, true, nil
}

// SetAuthState persists the auth session durably.
func (s *Store) SetAuthState(ctx context.Context, device string, state AuthState) error {
	if err := s.ready(device); err != nil {
		return err
	}
	if strings.TrimSpace(state.Token) == "" {
		return errors.New("session: auth token is required")
	}
	pipe := s.R.Pipeline()
	pipe.Set(ctx, deviceKey(device, keyAuthToken), state.Token, s.ttl())
	if len(state.User) > 0 {
		pipe.Set(ctx, deviceKey(device, keyAuthUser), string(state.User), s.ttl())
	}
	if !state.LastValidatedAt.IsZero() {
		pipe.Set(ctx, deviceKey(device, keyValidatedAt), state.LastValidatedAt.Format(time.RFC3339Nano), s.ttl())
	}
	pipe.SAdd(ctx, devicesSetKey, device)
	_, err := pipe.Exec(ctx)
	return err
}

// ClearAuth removes the durable auth state. The cart identity is deliberately
// left alone: guest carts do not belong to the auth session.
func (s *Store) ClearAuth(ctx context.Context, device string) error {
	if err := s.ready(device); err != nil {
		return err
	}
	return s.R.Del(ctx,
		deviceKey(device, keyAuthToken),
		deviceKey(device, keyAuthUser),
		deviceKey(device, keyValidatedAt),
	).Err()
}

// PushRecentSearch prepends a search term, deduplicating and trimming to limit.
func (s *Store) PushRecentSearch(ctx context.Context, device, term string, limit int) error {
	if err := s.ready(device); err != nil {
		return err
	}
	term = strings.TrimSpace(term)
	if term == "" {
		return nil
	}
	if limit <= 0 {
		limit = 10
	}
	key := deviceKey(device, keySearches)
	pipe := s.R.TxPipeline()
	pipe.LRem(ctx, key, 0, term)
	pipe.LPush(ctx, key, term)
	pipe.LTrim(ctx, key, 0, int64(limit-1))
	pipe.Expire(ctx, key, s.ttl())
	_, err := pipe.Exec(ctx)
	return err
}

// RecentSearches returns the most recent search terms, newest first.
func (s *Store) RecentSearches(ctx context.Context, device string) ([]string, error) {
	if err := s.ready(device); err != nil {
		return nil, err
	}
	terms, err := s.R.LRange(ctx, deviceKey(device, keySearches), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	return terms, nil
}

// Devices lists the known device ids for background reconciliation.
func (s *Store) Devices(ctx context.Context) ([]string, error) {
	if s == nil || s.R == nil {
		return nil, errors.New("session: store not configured")
	}
	var (
		cursor  uint64
		devices []string
	)
	for {
		batch, next, err := s.R.SScan(ctx, devicesSetKey, cursor, "", 200).Result()
		if err != nil {
			return nil, err
		}
		devices = append(devices, batch...)
		if next == 0 {
			return devices, nil
		}
		cursor = next
	}
}

// Forget removes a device from the known-devices set.
func (s *Store) Forget(ctx context.Context, device string) error {
	if err := s.ready(device); err != nil {
		return err
	}
	return s.R.SRem(ctx, devicesSetKey, device).Err()
}
