package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/greenroute/tripledger/internal/record"
)

// Error codes in the "error" field of error bodies.
const (
	codeNotFound           = "not_found"
	codeInvalidArgument    = "invalid_argument"
	codeConflict           = "conflict"
	codeInvariantViolation = "invariant_violation"
	codeTimeout            = "timeout"
	codeInternal           = "internal"
)

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

// statusFor maps the error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, record.ErrNotFound):
		return http.StatusNotFound, codeNotFound
	case errors.Is(err, record.ErrInvalidArgument):
		return http.StatusBadRequest, codeInvalidArgument
	case errors.Is(err, record.ErrConflict):
		return http.StatusConflict, codeConflict
	case errors.Is(err, record.ErrInvariantViolation):
		return http.StatusUnprocessableEntity, codeInvariantViolation
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, codeTimeout
	default:
		return http.StatusInternalServerError, codeInternal
	}
}

// writeError sends err as a JSON error body with its mapped status.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	if status >= 500 {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, errorBody{Error: code, Detail: err.Error()})
}

// writeJSON sends a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(data)
}
