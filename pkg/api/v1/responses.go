// Package v1 contains the HTTP handlers for the keygate API.
package v1

import (
	"encoding/json"
	stderrors "errors"
	"net/http"

	"github.com/keygate-io/keygate/pkg/errors"
	"github.com/keygate-io/keygate/pkg/logger"
)

// statusResponse is the envelope returned by mutating endpoints that
// have no resource body, and by every error response.
type statusResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// respondJSON writes v as the response body with the given status code.
func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Errorf("Failed to encode response: %v", err)
	}
}

// respondSuccess writes the bare success envelope.
func respondSuccess(w http.ResponseWriter, status int) {
	respondJSON(w, status, statusResponse{Status: "success"})
}

// respondError maps err onto the wire error envelope. Internal errors
// are masked so backend details never reach the client.
func respondError(w http.ResponseWriter, err error) {
	status := errors.HTTPStatus(err)
	message := "internal error"
	var e *errors.Error
	if stderrors.As(err, &e) && status != http.StatusInternalServerError {
		message = e.Message
	}
	if status >= http.StatusInternalServerError {
		logger.Errorf("Request failed: %v", err)
	}
	respondJSON(w, status, statusResponse{Status: "error", Message: message})
}

// decodeJSON decodes the request body into v, translating malformed
// payloads into validation errors.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.NewValidationError("invalid request body", err)
	}
	return nil
}
