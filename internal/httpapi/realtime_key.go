package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/ent0n29/lingo/internal/credential"
)

type keyResponse struct {
	ClientSecret string     `json:"clientSecret"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
}

// keyError mirrors the browser client's expected error body.
type keyError struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Details string `json:"details,omitempty"`
}

func (s *Server) handleRealtimeKey(w http.ResponseWriter, r *http.Request) {
	var req credential.Request
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondJSON(w, http.StatusBadRequest, keyError{Error: "Invalid request body", Message: err.Error()})
		return
	}
	if s.minter == nil {
		respondJSON(w, http.StatusInternalServerError, keyError{
			Error:   "OpenAI API key not configured",
			Message: "Please set OPENAI_API_KEY in your .env file",
		})
		return
	}

	cred, err := s.minter.Mint(r.Context(), req)
	if err != nil {
		status, body := keyErrorFor(err)
		s.logger.Warn("realtime key request failed", "status", status, "error", err)
		respondJSON(w, status, body)
		return
	}
	res := keyResponse{ClientSecret: cred.Value}
	if !cred.ExpiresAt.IsZero() {
		res.ExpiresAt = &cred.ExpiresAt
	}
	w.Header().Set("Cache-Control", "no-store")
	respondJSON(w, http.StatusOK, res)
}

func keyErrorFor(err error) (int, keyError) {
	var upstream *credential.UpstreamError
	switch {
	case errors.Is(err, credential.ErrNotConfigured):
		return http.StatusInternalServerError, keyError{
			Error:   "OpenAI API key not configured",
			Message: "Please set OPENAI_API_KEY in your .env file",
		}
	case errors.Is(err, credential.ErrRejectedContent):
		return http.StatusBadRequest, keyError{Error: "Practice content rejected", Message: err.Error()}
	case errors.As(err, &upstream):
		return upstream.Status, keyError{Error: "Failed to create realtime session", Details: upstream.Detail}
	case errors.Is(err, credential.ErrInvalidResponse):
		return http.StatusInternalServerError, keyError{Error: "Invalid response from OpenAI API"}
	default:
		return http.StatusInternalServerError, keyError{Error: "Internal server error", Message: err.Error()}
	}
}

func (s *Server) handleRealtimeOptions(w http.ResponseWriter, _ *http.Request) {
	if s.minter == nil {
		respondError(w, http.StatusServiceUnavailable, "unavailable", "credential minter not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.minter.Renderer().Options())
}
