// Package middleware holds the HTTP middleware for the voicebridge API.
package middleware

import (
	"encoding/json"
	"net/http"
)

// errorEnvelope is the JSON error body shared by middleware responses.
type errorEnvelope struct {
	Error string `json:"error"`
}

func writeMiddlewareError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorEnvelope{Error: msg}) //nolint:errcheck
}
