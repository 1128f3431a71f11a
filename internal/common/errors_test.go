package common

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderErrorWritesCanonicalBody(t *testing.T) {
	rec := httptest.NewRecorder()
	RenderError(rec, &AppError{
		Code:       "EMPTY_CART",
		Message:    "cart is empty",
		HTTPStatus: http.StatusUnprocessableEntity,
		Details:    map[string]any{"guestAllowed": true},
	})

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var body struct {
		Error ErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "EMPTY_CART", body.Error.Code)
	assert.Equal(t, "cart is empty", body.Error.Message)
	assert.Equal(t, map[string]any{"guestAllowed": true}, body.Error.Details)
}

func TestRenderErrorFallsBackToInternal(t *testing.T) {
	rec := httptest.NewRecorder()
	RenderError(rec, errors.New("boom"))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "INTERNAL")
}

func TestRenderErrorUnwrapsWrappedAppError(t *testing.T) {
	app := NewAppError("WRONG_STEP", "not allowed here", http.StatusConflict, errors.New("cause"))
	wrapped := fmt.Errorf("confirm: %w", app)
	require.True(t, IsAppError(wrapped))

	rec := httptest.NewRecorder()
	RenderError(rec, wrapped)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "WRONG_STEP")
}

func TestAppErrorErrorAndUnwrap(t *testing.T) {
	cause := errors.New("redis down")
	app := NewAppError("INTERNAL", "unexpected error", http.StatusInternalServerError, cause)
	assert.Equal(t, "redis down", app.Error())
	assert.True(t, errors.Is(app, cause))

	noCause := &AppError{Code: "X", Message: "just a message"}
	assert.Equal(t, "just a message", noCause.Error())
	assert.False(t, IsAppError(errors.New("plain")))
}
