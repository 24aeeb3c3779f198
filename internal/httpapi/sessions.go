package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/lingo/internal/credential"
	"github.com/ent0n29/lingo/internal/policy"
	"github.com/ent0n29/lingo/internal/realtime"
	"github.com/ent0n29/lingo/internal/session"
	"github.com/ent0n29/lingo/internal/transcript"
)

const (
	connectTimeout = 20 * time.Second
	// mockCredential stands in for a minted secret when the local mock
	// provider serves sessions without an OpenAI key.
	mockCredential = "ek_local_mock"
)

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	p := principal(r)
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if s.provider == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "realtime provider not configured")
		return
	}
	if _, busy := s.sessions.ActiveFor(p.UserID); busy {
		respondError(w, http.StatusConflict, "session_active", session.ErrAlreadyActive.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), connectTimeout)
	defer cancel()

	secret, err := s.sessionCredential(ctx, req)
	if err != nil {
		status, body := keyErrorFor(err)
		msg := body.Error
		if body.Details != "" {
			msg += ": " + body.Details
		}
		respondError(w, status, "credential_failed", msg)
		return
	}

	client := realtime.NewClient(s.provider, realtime.Options{
		Logger:           s.logger,
		Metrics:          s.metrics,
		CoalesceWindow:   s.cfg.CoalesceWindow,
		CloseTimeout:     s.cfg.CloseTimeout,
		ActivityCapacity: s.cfg.ActivityCapacity,
	})
	meta := session.Meta{
		Language:        realtime.ResolveLanguage(req.Language),
		Level:           strings.TrimSpace(req.Level),
		PracticeMode:    strings.TrimSpace(req.PracticeMode),
		PracticeContent: strings.TrimSpace(req.PracticeContent),
	}
	sess, err := s.sessions.Create(p.UserID, client, meta)
	if errors.Is(err, session.ErrAlreadyActive) {
		respondError(w, http.StatusConflict, "session_active", err.Error())
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, "session_create_failed", err.Error())
		return
	}
	s.watch(sess.ID, client)

	if err := client.Connect(ctx, secret, meta.Language); err != nil {
		s.sessions.Remove(sess.ID)
		s.metrics.ObserveSessionEvent("connect_failed")
		respondError(w, http.StatusBadGateway, "connect_failed", err.Error())
		return
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("created")

	respondJSON(w, http.StatusCreated, session.CreateResponse{
		SessionID:       sess.ID,
		UserID:          sess.UserID,
		Status:          sess.Status,
		Language:        meta.Language,
		Level:           meta.Level,
		PracticeMode:    meta.PracticeMode,
		StartedAt:       sess.StartedAt,
		LastActivityAt:  sess.LastActivityAt,
		InactivityTTLMS: s.sessions.InactivityTimeout().Milliseconds(),
		WebSocketPath:   "/v1/conversation/sessions/ws?session_id=" + sess.ID,
	})
}

func (s *Server) sessionCredential(ctx context.Context, req session.CreateRequest) (string, error) {
	if (s.minter == nil || !s.minter.Configured()) && s.provider.Name() == "mock" {
		return mockCredential, nil
	}
	if s.minter == nil {
		return "", credential.ErrNotConfigured
	}
	cred, err := s.minter.Mint(ctx, credential.Request{
		Language:                 req.Language,
		Level:                    req.Level,
		PracticeMode:             req.PracticeMode,
		PracticeContent:          req.PracticeContent,
		TutorPersonality:         req.TutorPersonality,
		CorrectionStyle:          req.CorrectionStyle,
		ResponseLength:           req.ResponseLength,
		FeedbackStyle:            req.FeedbackStyle,
		IncludeKoreanTranslation: req.IncludeKoreanTranslation,
	})
	if err != nil {
		return "", err
	}
	return cred.Value, nil
}

// watch keeps the registry in step with the client: transcript activity
// refreshes the inactivity deadline and any teardown ends the session.
func (s *Server) watch(sessionID string, client *realtime.Client) {
	client.Subscribe(realtime.Observer{
		OnTranscript: func(realtime.TranscriptUpdate) {
			_ = s.sessions.Touch(sessionID)
		},
		OnDisconnected: func(report realtime.TeardownReport) {
			if _, err := s.sessions.End(sessionID); err == nil {
				s.metrics.SetActiveSessions(s.sessions.ActiveCount())
			}
			if !report.Verified {
				s.logger.Error("conversation teardown left resources behind",
					"session_id", sessionID,
					"failed_checks", report.FailedChecks,
				)
			}
		},
	})
}

func (s *Server) lookupSession(w http.ResponseWriter, r *http.Request) (*session.Session, *realtime.Client, bool) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_session_id", "missing session id")
		return nil, nil, false
	}
	sess, client, err := s.sessions.Lookup(principal(r).UserID, id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return nil, nil, false
	}
	return sess, client, true
}

type historyResponse struct {
	SessionID        string                   `json:"session_id"`
	Status           session.Status           `json:"status"`
	State            realtime.ConnectionState `json:"state"`
	LastDisconnectAt time.Time                `json:"last_disconnect_at,omitzero"`
	History          []realtime.Turn          `json:"history"`
}

func (s *Server) handleSessionHistory(w http.ResponseWriter, r *http.Request) {
	sess, client, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, historyResponse{
		SessionID:        sess.ID,
		Status:           sess.Status,
		State:            client.State(),
		LastDisconnectAt: client.LastDisconnectAt(),
		History:          client.History(),
	})
}

func (s *Server) handleSessionActivity(w http.ResponseWriter, r *http.Request) {
	_, client, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, client.NetworkActivity())
}

type messageRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSessionMessage(w http.ResponseWriter, r *http.Request) {
	sess, client, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	var req messageRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "body must be {\"text\": ...}")
		return
	}
	text := strings.TrimSpace(req.Text)
	if text == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	s.logger.Debug("learner message", "session_id", sess.ID, "text", policy.LogPreview(text, 40))
	if err := client.SendText(r.Context(), text); err != nil {
		if errors.Is(err, realtime.ErrNotConnected) {
			respondError(w, http.StatusConflict, "not_connected", err.Error())
			return
		}
		respondError(w, http.StatusBadGateway, "send_failed", err.Error())
		return
	}
	_ = s.sessions.Touch(sess.ID)
	respondJSON(w, http.StatusAccepted, map[string]any{"status": "sent"})
}

type endResponse struct {
	Session        *session.Session        `json:"session"`
	Report         realtime.TeardownReport `json:"report"`
	ConversationID string                  `json:"conversation_id,omitempty"`
	SaveError      string                  `json:"save_error,omitempty"`
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	sess, client, ok := s.lookupSession(w, r)
	if !ok {
		return
	}
	var req session.EndRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	// The report carries the transcript as teardown found it, so a save
	// works even when this call joined a teardown that cleared history.
	report := client.Disconnect(r.Context(), realtime.DisconnectOptions{KeepHistory: req.KeepHistory})

	ended, err := s.sessions.End(sess.ID)
	if err != nil {
		ended = sess
	}
	s.metrics.SetActiveSessions(s.sessions.ActiveCount())
	s.metrics.ObserveSessionEvent("ended")

	res := endResponse{Session: ended, Report: report}
	if req.Save {
		res.ConversationID, res.SaveError = s.saveEnded(r.Context(), sess, req, report.History)
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) saveEnded(ctx context.Context, sess *session.Session, req session.EndRequest, history []realtime.Turn) (string, string) {
	if s.transcripts == nil {
		return "", "transcript store not configured"
	}
	result, err := s.transcripts.Save(ctx, transcript.SaveRequest{
		Messages:        history,
		Title:           req.Title,
		Language:        sess.Meta.Language,
		Level:           firstNonEmpty(req.Level, sess.Meta.Level),
		PracticeMode:    firstNonEmpty(req.PracticeMode, sess.Meta.PracticeMode),
		PracticeContent: firstNonEmpty(req.PracticeContent, sess.Meta.PracticeContent),
	})
	switch {
	case errors.Is(err, transcript.ErrNoValidTurns):
		return "", "no_valid_turns"
	case err != nil:
		s.logger.Error("save ended conversation failed", "session_id", sess.ID, "error", err)
		return "", "save_failed"
	}
	return result.Conversation.ID, ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
