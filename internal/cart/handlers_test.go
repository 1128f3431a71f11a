package cart

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crumbworks/storefront/internal/common"
	"github.com/crumbworks/storefront/internal/upstream"
)

func TestWriteErrorMapsDomainFailures(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"invalid input", fmt.Errorf("quantity: %w", ErrInvalidInput), http.StatusBadRequest, "INVALID_INPUT"},
		{"unknown item", ErrUnknownItem, http.StatusNotFound, "ITEM_NOT_FOUND"},
		{"busy item", ErrMutationInFlight, http.StatusConflict, "MUTATION_IN_FLIGHT"},
		{"network", &upstream.NetworkError{Err: errors.New("timeout")}, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE"},
		{"stale cart", &upstream.StaleReferenceError{Resource: "cart", ID: "c1"}, http.StatusNotFound, "CART_EXPIRED"},
		{"upstream 5xx", &upstream.ServerError{Status: 500, Message: "oven on fire"}, http.StatusBadGateway, "UPSTREAM_ERROR"},
		{"unexpected", errors.New("boom"), http.StatusInternalServerError, "INTERNAL"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.True(t, common.IsAppError(apiError(tc.err)))

			rec := httptest.NewRecorder()
			writeError(rec, tc.err)
			require.Equal(t, tc.status, rec.Code)
			var body struct {
				Error common.ErrorBody `json:"error"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tc.code, body.Error.Code)
		})
	}
}
