// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ManuGH/streamrec/internal/recorder"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a generic error response
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
}

// writeNotFound writes a 404 Not Found response
func writeNotFound(w http.ResponseWriter) {
	writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
}

// writeServiceUnavailable writes a 503 Service Unavailable response
func writeServiceUnavailable(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
}

// writeInternal writes a 500 response without leaking err to the client.
func writeInternal(w http.ResponseWriter) {
	writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

// writeRecorderError maps registry errors to HTTP status codes.
func writeRecorderError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, recorder.ErrUnknownStream):
		writeNotFound(w)
	case errors.Is(err, recorder.ErrLeaseHeld):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		writeServiceUnavailable(w, err)
	}
}
