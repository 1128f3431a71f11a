package health

import (
	"context"
	"errors"
	"net/http"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// Probe checks the service's two dependencies: the session store and the
// upstream storefront API.
type Probe struct {
	Redis       *redis.Client
	UpstreamURL string
	HTTPClient  *http.Client
}

func (p Probe) PingRedis(ctx context.Context, timeout time.Duration) error {
	if p.Redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.Redis.Ping(ctx).Err()
}

// PingUpstream issues a HEAD against the upstream base URL. Any response,
// including 4xx, proves reachability.
func (p Probe) PingUpstream(ctx context.Context, timeout time.Duration) error {
	if p.UpstreamURL == "" {
		return errors.New("upstream not configured")
	}
	client := p.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.UpstreamURL, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}
