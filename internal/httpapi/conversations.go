package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/lingo/internal/transcript"
)

type saveConversationResponse struct {
	Conversation transcript.Conversation `json:"conversation"`
	Dropped      []string                `json:"dropped,omitempty"`
}

func (s *Server) handleSaveConversation(w http.ResponseWriter, r *http.Request) {
	if !s.transcriptsReady(w) {
		return
	}
	var req transcript.SaveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "body must be a conversation with messages")
		return
	}
	result, err := s.transcripts.Save(r.Context(), req)
	if err != nil {
		s.respondTranscriptError(w, err)
		return
	}
	res := saveConversationResponse{Conversation: result.Conversation}
	for _, d := range result.Dropped {
		res.Dropped = append(res.Dropped, d.Error())
	}
	respondJSON(w, http.StatusCreated, res)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	if !s.transcriptsReady(w) {
		return
	}
	limit, err := queryInt(r, "limit", transcript.DefaultListLimit)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_limit", err.Error())
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_offset", err.Error())
		return
	}
	items, err := s.transcripts.List(r.Context(), transcript.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		s.respondTranscriptError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversations": items,
		"limit":         limit,
		"offset":        offset,
	})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	if !s.transcriptsReady(w) {
		return
	}
	c, err := s.transcripts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.respondTranscriptError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if !s.transcriptsReady(w) {
		return
	}
	if err := s.transcripts.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.respondTranscriptError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type updateTitleRequest struct {
	Title string `json:"title"`
}

func (s *Server) handleUpdateConversationTitle(w http.ResponseWriter, r *http.Request) {
	if !s.transcriptsReady(w) {
		return
	}
	var req updateTitleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "body must be {\"title\": ...}")
		return
	}
	c, err := s.transcripts.UpdateTitle(r.Context(), chi.URLParam(r, "id"), req.Title)
	if err != nil {
		s.respondTranscriptError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func (s *Server) transcriptsReady(w http.ResponseWriter) bool {
	if s.transcripts == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "transcript store not configured")
		return false
	}
	return true
}

func (s *Server) respondTranscriptError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, transcript.ErrNotFound):
		respondError(w, http.StatusNotFound, "conversation_not_found", err.Error())
	case errors.Is(err, transcript.ErrNoValidTurns):
		respondError(w, http.StatusUnprocessableEntity, "no_valid_turns", err.Error())
	case errors.Is(err, transcript.ErrInvalidTitle):
		respondError(w, http.StatusBadRequest, "invalid_title", err.Error())
	case errors.Is(err, transcript.ErrUnauthenticated):
		respondError(w, http.StatusUnauthorized, "unauthenticated", err.Error())
	default:
		s.logger.Error("transcript store failure", "error", err)
		respondError(w, http.StatusInternalServerError, "store_error", "conversation store failure")
	}
}

func queryInt(r *http.Request, key string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}
