package search

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/crumbworks/storefront/internal/session"
	"github.com/crumbworks/storefront/internal/upstream"
)

// ErrSuperseded is returned to a search whose in-flight request was
// cancelled because the same device issued a newer query.
var ErrSuperseded = errors.New("search: superseded by a newer query")

// Searcher is the slice of the upstream client this service needs.
type Searcher interface {
	SearchProducts(ctx context.Context, query string) ([]upstream.Product, error)
}

// Service forwards product searches to the upstream. Ranking is the
// upstream's concern; this layer only guarantees that at most one search
// per device is in flight, the newest one. It also keeps the per-device
// recent-search list.
type Service struct {
	Gw          Searcher
	Store       *session.Store
	RecentLimit int
	Logger      zerolog.Logger

	mu       sync.Mutex
	inflight map[string]*flight
}

type flight struct {
	cancel context.CancelFunc
}

// Search runs the query for the device, cancelling any older in-flight
// search first. Only a completed search lands in the recent list.
func (s *Service) Search(ctx context.Context, device, query string) ([]upstream.Product, error) {
	term := strings.TrimSpace(query)

	callCtx, cancel := context.WithCancel(ctx)
	f := &flight{cancel: cancel}
	s.mu.Lock()
	if s.inflight == nil {
		s.inflight = map[string]*flight{}
	}
	if prev, ok := s.inflight[device]; ok {
		prev.cancel()
	}
	s.inflight[device] = f
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		// Only forget the slot if a newer query has not replaced it.
		if s.inflight[device] == f {
			delete(s.inflight, device)
		}
		s.mu.Unlock()
		cancel()
	}()

	products, err := s.Gw.SearchProducts(callCtx, term)
	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			return nil, ErrSuperseded
		}
		return nil, err
	}

	if term != "" && s.Store != nil {
		limit := s.RecentLimit
		if limit <= 0 {
			limit = 10
		}
		if pushErr := s.Store.PushRecentSearch(ctx, device, term, limit); pushErr != nil {
			s.Logger.Debug().Err(pushErr).Msg("recent_search_write_failed")
		}
	}
	return products, nil
}

// Recent returns the device's recent searches, newest first.
func (s *Service) Recent(ctx context.Context, device string) ([]string, error) {
	return s.Store.RecentSearches(ctx, device)
}
