package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/vyvo/appbuild/backend/pkg/auth"
	"github.com/vyvo/appbuild/backend/pkg/builder"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError maps err onto a status code. Unknown errors are logged and
// reported without detail.
func writeError(w http.ResponseWriter, logger *zerolog.Logger, err error) {
	status, code := classify(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error().Err(err).Msg("request failed")
		msg = "internal server error"
	}
	respondJSON(w, ErrorResponse{Error: code, Message: capitalize(msg)}, status)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, builder.ErrValidation):
		return http.StatusBadRequest, "invalid_request"
	case errors.Is(err, builder.ErrUnauthenticated),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrInvalidPrefix),
		errors.Is(err, auth.ErrMissingToken):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, builder.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, builder.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, builder.ErrQuotaExceeded):
		return http.StatusPaymentRequired, "quota_exceeded"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
