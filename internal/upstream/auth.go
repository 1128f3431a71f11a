package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
)

// VerifyResult is the identity provider's answer for a bearer token.
type VerifyResult struct {
	Authenticated bool
	User          json.RawMessage
}

type verifyResponse struct {
	Authenticated bool            `json:"authenticated"`
	User          json.RawMessage `json:"user,omitempty"`
}

// Verify asks the upstream whether the bearer token is still valid. The
// caller decides how to treat transport errors (fail open) versus 401/403
// (fail closed); this method only classifies them.
func (c *Client) Verify(ctx context.Context, token string) (VerifyResult, error) {
	if token == "" {
		return VerifyResult{}, errors.New("upstream: token is required")
	}
	var out verifyResponse
	err := c.do(ctx, http.MethodGet, "/verify", nil, &out, callOptions{
		endpoint: "verify",
		bearer:   token,
	})
	if err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{Authenticated: out.Authenticated, User: out.User}, nil
}
