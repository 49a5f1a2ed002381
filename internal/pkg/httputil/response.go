package httputil

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/sunbeam/leadflow/internal/domain"
	"github.com/sunbeam/leadflow/internal/pkg/logger"
)

// ErrorResponse is the standard error envelope for all API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
	Details   any    `json:"details,omitempty"`
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log := logger.Component("httputil")
		log.Error().Err(err).Msg("JSON encode error")
	}
}

// OK writes a 200 response with the given data.
func OK(w http.ResponseWriter, data any) {
	JSON(w, http.StatusOK, data)
}

// Accepted writes a 202 response with the given data.
func Accepted(w http.ResponseWriter, data any) {
	JSON(w, http.StatusAccepted, data)
}

// NoContent writes a 204 response with no body.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// Error writes a JSON error response. Use for client errors (4xx).
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorResponse{Error: message})
}

// BadRequest writes a 400 error.
func BadRequest(w http.ResponseWriter, message string) {
	Error(w, http.StatusBadRequest, message)
}

// NotFound writes a 404 error.
func NotFound(w http.ResponseWriter, message string) {
	Error(w, http.StatusNotFound, message)
}

// TooManyRequests writes a 429 with a Retry-After header in seconds.
func TooManyRequests(w http.ResponseWriter, retryAfterSecs int, message string) {
	w.Header().Set("Retry-After", itoa(retryAfterSecs))
	JSON(w, http.StatusTooManyRequests, ErrorResponse{Error: message, Code: string(domain.CodeCapacityExhausted), Retryable: true})
}

// InternalError writes a 500 error. Logs the real error but returns a
// generic message to the client (never leak internals).
func InternalError(w http.ResponseWriter, err error) {
	log := logger.Component("httputil")
	log.Error().Err(err).Msg("internal error")
	Error(w, http.StatusInternalServerError, "internal server error")
}

// FromError maps a pipeline error onto the wire: input errors become 400,
// capacity errors 429, dependency errors 503, everything else 500. The
// stable error code and retryable flag ride along in the envelope.
func FromError(w http.ResponseWriter, err error) {
	code := domain.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case domain.CodeInvalidInput:
		status = http.StatusBadRequest
	case domain.CodeCapacityExhausted:
		status = http.StatusTooManyRequests
	case domain.CodeNoEligiblePlatform:
		status = http.StatusUnprocessableEntity
	case domain.CodeDependency:
		status = http.StatusServiceUnavailable
	}
	msg := "internal server error"
	if status != http.StatusInternalServerError {
		msg = err.Error()
	} else {
		log := logger.Component("httputil")
		log.Error().Err(err).Msg("internal error")
	}
	JSON(w, status, ErrorResponse{Error: msg, Code: string(code), Retryable: domain.IsRetryable(err)})
}

// Decode reads JSON from the request body into dst.
// Returns false and writes a 400 response if parsing fails.
// Unknown fields are ignored, per the ingress contract.
func Decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		BadRequest(w, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func itoa(n int) string {
	if n <= 0 {
		n = 1
	}
	return strconv.Itoa(n)
}
