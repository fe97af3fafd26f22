package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/reporthub/reporthub/pkg/types"
)

// statusFor maps the error taxonomy onto an HTTP status code and a
// machine-readable kind tag. Clients branch on the kind, not on message
// text.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, types.ErrInputMalformed):
		return http.StatusBadRequest, "input_malformed"
	case errors.Is(err, types.ErrUnauthenticated):
		return http.StatusUnauthorized, "unauthenticated"
	case errors.Is(err, types.ErrUnauthorized):
		return http.StatusForbidden, "unauthorized"
	case errors.Is(err, types.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, types.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, types.ErrBackpressure):
		return http.StatusTooManyRequests, "backpressure"
	case errors.Is(err, types.ErrShuttingDown):
		return http.StatusServiceUnavailable, "shutting_down"
	}
	return http.StatusInternalServerError, "internal"
}

type errorBody struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// writeError renders an error as a JSON body with its mapped status
func writeError(w http.ResponseWriter, err error) {
	status, kind := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		// Do not leak internals on unexpected failures.
		msg = "internal server error"
	}
	writeJSON(w, status, errorBody{Kind: kind, Message: msg})
}

// writeJSON renders v as a JSON response
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

// decodeJSON reads a request body into v, mapping decode failures to the
// malformed-input kind.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return types.ErrInputMalformed
	}
	return nil
}
