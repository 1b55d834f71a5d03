// Package api implements the admin jobs HTTP surface: queue counts, recent
// JobRun listing, and manual retry. Authentication and rate limiting are
// handled upstream of this service; the handlers assume the caller is an
// already-authorized operator.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"trailpulse/internal/types"
)

// APIResponse is the envelope for successful responses.
type APIResponse struct {
	Data any `json:"data,omitempty"`
}

// APIErrorResponse is the envelope for error responses.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the structured error information returned to clients.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// JSON writes a JSON response with the given status code and data.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIResponse{Data: data})
}

// Error writes an error response. An error chain carrying a *types.AppError
// maps to its code's HTTP status; anything else becomes a generic 500.
// Wrapped internal detail is never exposed to the client.
func Error(w http.ResponseWriter, err error) {
	code := types.ErrCodeInternalUnexpected
	message := "internal error"

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		code = appErr.Code
		message = appErr.Message
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code.HTTPStatus())
	_ = json.NewEncoder(w).Encode(APIErrorResponse{
		Error: ErrorDetail{
			Code:    string(code),
			Message: message,
		},
	})
}
