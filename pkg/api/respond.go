// Package api is the HTTP facade over the gateway subsystems: session and
// API key authentication, key lifecycle, and policy evaluation, with
// per-identity rate limiting on every route.
package api

import (
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"net/http"

	"github.com/sark-gateway/sark/pkg/errors"
)

// errorBody is the uniform error response shape.
type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// statusFor maps the application error taxonomy to HTTP status codes.
func statusFor(errType string) int {
	switch errType {
	case errors.ErrInvalidCredential, errors.ErrTokenInvalid, errors.ErrTokenExpired,
		errors.ErrSessionCompromised:
		return http.StatusUnauthorized
	case errors.ErrInsufficientScope:
		return http.StatusForbidden
	case errors.ErrRateLimited:
		return http.StatusTooManyRequests
	case errors.ErrUpstreamUnavailable, errors.ErrCircuitOpen:
		return http.StatusServiceUnavailable
	case errors.ErrInvalidInput:
		return http.StatusBadRequest
	case errors.ErrNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders an application error. Internal causes are logged, not
// surfaced; the client sees only the type and the user-safe message.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	errType := errors.TypeOf(err)
	status := statusFor(errType)
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "error", err)
	}

	message := "internal error"
	var appErr *errors.Error
	if stderrors.As(err, &appErr) {
		message = appErr.Message
	}
	writeJSON(w, status, errorBody{Error: errType, Message: message})
}
