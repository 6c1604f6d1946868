package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/worklets/internal/errors"
	"github.com/3leaps/worklets/pkg/session"
)

func TestSetHTTPErrorResponder_InterceptsSceneErrors(t *testing.T) {
	t.Cleanup(ResetHTTPErrorResponder)

	var captured error
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		captured = err
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	NewScene(&stubSource{err: session.ErrClosed}).
		Worklets(rec, httptest.NewRequest(http.MethodGet, "/v1/worklets", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	appErr, ok := captured.(*apperrors.AppError)
	require.True(t, ok, "scene errors reach the responder as AppError, got %T", captured)
	assert.Equal(t, apperrors.CodeServiceUnavailable, appErr.Code)
}

func TestSetHTTPErrorResponder_NilRestoresDefault(t *testing.T) {
	t.Cleanup(ResetHTTPErrorResponder)

	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		w.WriteHeader(http.StatusTeapot)
	})
	SetHTTPErrorResponder(nil)

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), apperrors.NewNotFoundError("frame 9 not found"))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, apperrors.CodeNotFound, body.Error.Code)
	assert.Equal(t, "frame 9 not found", body.Error.Message)
}

func TestResetHTTPErrorResponder(t *testing.T) {
	called := false
	SetHTTPErrorResponder(func(w http.ResponseWriter, r *http.Request, err error) {
		called = true
	})
	ResetHTTPErrorResponder()

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), assert.AnError)

	assert.False(t, called)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error(), "internal causes stay hidden")
}
