package errors

import (
	"encoding/json"
	"net/http"

	gferrors "github.com/fulmenhq/gofulmen/errors"
)

// HTTPError is the body of an error response.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse wraps HTTPError as {"error": {...}}.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// Envelope converts err into a gofulmen envelope and its HTTP status.
// Internal errors hide the wrapped cause.
func Envelope(r *http.Request, err error) (*gferrors.ErrorEnvelope, int) {
	appErr := AsAppError(r.Context(), err)

	msg := appErr.Message
	if appErr.Code != CodeInternal && appErr.Err != nil {
		msg = appErr.Error()
	}

	env := gferrors.NewErrorEnvelope(appErr.Code, msg)
	if len(appErr.Details) > 0 {
		if withCtx, ctxErr := env.WithContext(appErr.Details); ctxErr == nil {
			env = withCtx
		}
	}

	requestID := appErr.RequestID
	if requestID == "" {
		requestID = RequestIDFromContext(r.Context())
	}
	if requestID != "" {
		env = env.WithCorrelationID(requestID)
	}

	status := appErr.Status
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return env, status
}

// WriteEnvelope writes env as a JSON error response.
func WriteEnvelope(w http.ResponseWriter, env *gferrors.ErrorEnvelope, status int) {
	body := HTTPErrorResponse{
		Error: HTTPError{
			Code:      env.Code,
			Message:   env.Message,
			Details:   env.Context,
			RequestID: env.CorrelationID,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// RespondWithError renders err as an error envelope.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	env, status := Envelope(r, err)
	WriteEnvelope(w, env, status)
}
