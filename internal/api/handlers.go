package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/voicebridge/voicebridge/internal/api/middleware"
	"github.com/voicebridge/voicebridge/internal/voip"
)

// handleHealth reports liveness.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// tokenRequest is the body of POST /api/v1/auth/token.
type tokenRequest struct {
	AccessToken string `json:"access_token"`
}

// tokenResponse carries the issued JWT.
type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// handleToken exchanges the configured access token for a short-lived JWT.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if !s.checkAccessToken(req.AccessToken) {
		s.logger.Warn("token exchange with bad access token", "remote_addr", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "invalid access token")
		return
	}

	token, expiresAt, err := middleware.GenerateToken(s.jwtSecret, "api-client")
	if err != nil {
		s.logger.Error("issuing token failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, tokenResponse{Token: token, ExpiresAt: expiresAt})
}

// handleCalls returns the active call list.
func (s *Server) handleCalls(w http.ResponseWriter, r *http.Request) {
	calls := s.calls.ActiveCalls()
	if calls == nil {
		calls = []voip.ActiveCall{}
	}
	writeJSON(w, http.StatusOK, calls)
}

// handleCDRs returns recent call records, newest first. Optional ?limit=N.
func (s *Server) handleCDRs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 1000 {
			writeError(w, http.StatusBadRequest, "limit must be 1-1000")
			return
		}
		limit = n
	}

	records, err := s.cdrs.List(r.Context(), limit)
	if err != nil {
		s.logger.Error("listing cdrs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list call records")
		return
	}
	writeJSON(w, http.StatusOK, records)
}
