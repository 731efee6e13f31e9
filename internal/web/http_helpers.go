package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/inercia/relay/internal/session"
)

// maxBodySize bounds REST request bodies.
const maxBodySize = 1 << 20

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeJSONOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, data)
}

func writeJSONCreated(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusCreated, data)
}

// writeErrorJSON writes {"error": code, "message": message}.
func writeErrorJSON(w http.ResponseWriter, status int, errorCode, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errorCode,
		"message": message,
	})
}

func writeNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// writeStoreError maps session store and stream manager errors to responses.
func writeStoreError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if errors.Is(err, session.ErrSessionNotFound) {
		writeErrorJSON(w, http.StatusNotFound, "not_found", "session not found")
		return
	}
	if logger != nil {
		logger.Error("request failed", "error", err)
	}
	writeErrorJSON(w, http.StatusInternalServerError, "internal", err.Error())
}

// parseJSONBody decodes the request body into v. On failure it writes a 400
// response and returns false.
func parseJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeErrorJSON(w, http.StatusBadRequest, "bad_request", "invalid request body: "+err.Error())
		return false
	}
	return true
}
