// Package handlers provides HTTP handlers for the knowledge platform API.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/spherical-ai/knowledge-platform/internal/apperr"
	"github.com/spherical-ai/knowledge-platform/internal/observability"
)

// errorBody is the JSON error envelope returned by every handler.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps classified errors to their HTTP status and hides internal
// details for everything else.
func writeError(logger *observability.Logger, w http.ResponseWriter, err error) {
	status := apperr.StatusOf(err)
	code := apperr.CodeOf(err)

	message := err.Error()
	if status >= http.StatusInternalServerError {
		logger.Error().Err(err).Str("code", code).Msg("request failed")
		message = "internal error"
	}
	writeJSON(w, status, errorBody{Error: message, Code: code})
}
