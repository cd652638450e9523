package api

import (
	"net/http"

	jsoniter "github.com/json-iterator/go"

	apperrors "github.com/wallet-dashboard/internal/errors"
	"github.com/wallet-dashboard/internal/logging"
	"github.com/wallet-dashboard/internal/types"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	_ = json.NewEncoder(w).Encode(response)
}

// respondServiceError maps err onto its category and sends it. Internal
// causes are logged, never returned to the client.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.GetHTTPStatusCode(err)
	logger := logging.FromContext(r.Context())

	if apperrors.IsSystemError(err) {
		logger.WithError(err).Error("Request failed")
		respondError(w, status, ErrCodeInternalError, "An internal error occurred", nil)
		return
	}
	if apperrors.IsUserError(err) {
		logger.Debugf("Rejected %s %s: %v", r.Method, r.URL.Path, err)
	}

	svcErr := apperrors.Categorize(err).ToServiceError()
	respondError(w, status, svcErr.Code, svcErr.Message, svcErr.Details)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// Common error codes
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternalError     = "INTERNAL_ERROR"
	ErrCodeTimeout           = "REQUEST_TIMEOUT"
	ErrCodeMethodNotAllowed  = "METHOD_NOT_ALLOWED"
)
