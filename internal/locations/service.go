package locations

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/crumbworks/storefront/internal/upstream"
)

// ErrUnknownCity is returned when the city is not a deliverable location.
var ErrUnknownCity = errors.New("locations: unknown or inactive city")

const cacheKey = "sf:locations"

// Gateway is the slice of the upstream client this service needs.
type Gateway interface {
	Locations(ctx context.Context) ([]upstream.Location, error)
}

// Service serves deliverable cities through a read-through Redis cache.
// The list changes rarely; a short TTL keeps checkout snappy without a
// per-request upstream round trip.
type Service struct {
	Gw     Gateway
	R      *redis.Client
	TTL    time.Duration
	Logger zerolog.Logger
}

// Active returns deliverable cities, inactive ones filtered out.
func (s *Service) Active(ctx context.Context) ([]upstream.Location, error) {
	all, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	active := make([]upstream.Location, 0, len(all))
	for _, loc := range all {
		if loc.IsActive {
			active = append(active, loc)
		}
	}
	return active, nil
}

// ResolveShipping maps a city to its shipping charge. Matching is
// case-insensitive; inactive cities do not resolve.
func (s *Service) ResolveShipping(ctx context.Context, city string) (float64, error) {
	want := strings.ToLower(strings.TrimSpace(city))
	if want == "" {
		return 0, ErrUnknownCity
	}
	all, err := s.load(ctx)
	if err != nil {
		return 0, err
	}
	for _, loc := range all {
		if loc.IsActive && strings.ToLower(loc.City) == want {
			return loc.ShippingCharge, nil
		}
	}
	return 0, ErrUnknownCity
}

func (s *Service) load(ctx context.Context) ([]upstream.Location, error) {
	if s.R != nil {
		raw, err := s.R.Get(ctx, cacheKey).Bytes()
		if err == nil {
			var cached []upstream.Location
			if jsonErr := json.Unmarshal(raw, &cached); jsonErr == nil {
				return cached, nil
			}
			// Corrupt cache entry, fall through to the upstream.
			_ = s.R.Del(ctx, cacheKey).Err()
		} else if !errors.Is(err, redis.Nil) {
			s.Logger.Debug().Err(err).Msg("locations_cache_read_failed")
		}
	}

	fresh, err := s.Gw.Locations(ctx)
	if err != nil {
		return nil, err
	}
	if s.R != nil {
		if raw, jsonErr := json.Marshal(fresh); jsonErr == nil {
			ttl := s.TTL
			if ttl <= 0 {
				ttl = 10 * time.Minute
			}
			if setErr := s.R.Set(ctx, cacheKey, raw, ttl).Err(); setErr != nil {
				s.Logger.Debug().Err(setErr).Msg("locations_cache_write_failed")
			}
		}
	}
	return fresh, nil
}
