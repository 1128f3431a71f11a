package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	validator "github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/crumbworks/storefront/internal/obs"
	"github.com/crumbworks/storefront/internal/resilience"
)

// Config controls upstream client construction.
type Config struct {
	BaseURL     string
	APIKey      string
	Timeout     time.Duration
	RetryBase   time.Duration
	MaxAttempts int
	Jitter      float64
	Breaker     *resilience.Breaker
	Logger      zerolog.Logger
}

// Client is a typed wrapper over the upstream commerce REST API. Responses
// are parsed and validated once at this edge; the rest of the application
// only ever sees the typed entities, never raw response shapes.
type Client struct {
	baseURL  string
	apiKey   string
	http     *resilience.HTTPClient
	validate *validator.Validate
	logger   zerolog.Logger
}

// New constructs the upstream client with tracing and resilience wired in.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("upstream: base url is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	logger := cfg.Logger
	wrapper := &resilience.HTTPClient{
		Client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		Breaker:     cfg.Breaker,
		BaseBackoff: cfg.RetryBase,
		MaxAttempts: cfg.MaxAttempts,
		Jitter:      cfg.Jitter,
		Timeout:     timeout,
		Target:      "upstream-api",
		Logger:      &logger,
	}
	return &Client{
		baseURL:  base,
		apiKey:   strings.TrimSpace(cfg.APIKey),
		http:     wrapper,
		validate: validator.New(),
		logger:   logger,
	}, nil
}

// do executes one upstream call and decodes the response into out (when
// non-nil). Error classification: transport failures become NetworkError,
// 404 becomes StaleReferenceError for cart/item resources, other non-2xx
// statuses become ServerError with the body message when one is present.
func (c *Client) do(ctx context.Context, method, path string, body any, out any, opts callOptions) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("upstream: encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("upstream: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if opts.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+opts.bearer)
	}
	if opts.idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", opts.idempotencyKey)
	}

	start := time.Now()
	resp, err := c.http.Do(ctx, req)
	c.observe(opts.endpoint, start, resp, err)
	if err != nil {
		var statusErr *resilience.RetriableStatusError
		if errors.As(err, &statusErr) {
			return &ServerError{Status: statusErr.Status}
		}
		if errors.Is(err, resilience.ErrOpenCircuit) {
			return &NetworkError{Err: err}
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return &NetworkError{Err: err}
		}
		return &NetworkError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		if resp.StatusCode == http.StatusNotFound && opts.staleResource != "" {
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
			return &StaleReferenceError{Resource: opts.staleResource, ID: opts.staleID}
		}
		return &ServerError{Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ServerError{Status: resp.StatusCode, Message: fmt.Sprintf("malformed response body: %v", err)}
	}
	if err := c.validate.Struct(out); err != nil {
		c.logger.Warn().Err(err).Str("endpoint", opts.endpoint).Msg("upstream_response_shape_mismatch")
		return &ServerError{Status: resp.StatusCode, Message: "response failed schema validation"}
	}
	return nil
}

type callOptions struct {
	endpoint       string
	bearer         string
	idempotencyKey string
	staleResource  string
	staleID        string
}

func (c *Client) observe(endpoint string, start time.Time, resp *http.Response, err error) {
	result := "ok"
	switch {
	case err != nil:
		result = "error"
	case resp != nil && resp.StatusCode >= 500:
		result = "5xx"
	case resp != nil && resp.StatusCode >= 400:
		result = "4xx"
	}
	if obs.UpstreamRequestTotal != nil {
		obs.UpstreamRequestTotal.WithLabelValues(endpoint, result).Inc()
	}
	if obs.UpstreamRequestLatency != nil {
		obs.UpstreamRequestLatency.WithLabelValues(endpoint).Observe(obs.DurationMillis(time.Since(start)))
	}
}

// readErrorMessage probes the canonical error shapes the upstream emits.
func readErrorMessage(body io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(body, 16<<10))
	if err != nil || len(data) == 0 {
		return ""
	}
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return ""
	}
	if msg := strings.TrimSpace(envelope.Error.Message); msg != "" {
		return msg
	}
	return strings.TrimSpace(envelope.Message)
}
