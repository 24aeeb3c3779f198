package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/lingo/internal/auth"
	"github.com/ent0n29/lingo/internal/config"
	"github.com/ent0n29/lingo/internal/credential"
	"github.com/ent0n29/lingo/internal/observability"
	"github.com/ent0n29/lingo/internal/protocol"
	"github.com/ent0n29/lingo/internal/realtime"
	"github.com/ent0n29/lingo/internal/session"
	"github.com/ent0n29/lingo/internal/transcript"
)

// Deps are the components the HTTP surface drives. Verifier may be nil, in
// which case every request runs as auth.Anonymous.
type Deps struct {
	Sessions    *session.Manager
	Minter      *credential.Minter
	Transcripts *transcript.Service
	Verifier    *auth.Verifier
	Provider    realtime.Provider
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

type Server struct {
	cfg         config.Config
	sessions    *session.Manager
	minter      *credential.Minter
	transcripts *transcript.Service
	verifier    *auth.Verifier
	provider    realtime.Provider
	metrics     *observability.Metrics
	logger      *slog.Logger
	upgrader    websocket.Upgrader
}

func New(cfg config.Config, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:         cfg,
		sessions:    deps.Sessions,
		minter:      deps.Minter,
		transcripts: deps.Transcripts,
		verifier:    deps.Verifier,
		provider:    deps.Provider,
		metrics:     deps.Metrics,
		logger:      logger.With("component", "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				// Only same-origin browsers may drive a learner's session.
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser clients often omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/latency", s.handlePerfLatency)
	r.Get("/v1/onboarding/status", s.handleOnboardingStatus)

	r.Post("/v1/realtime/key", s.handleRealtimeKey)
	r.Get("/v1/realtime/options", s.handleRealtimeOptions)

	r.Group(func(r chi.Router) {
		r.Use(s.requireUser)

		r.Post("/v1/conversation/sessions", s.handleCreateSession)
		r.Get("/v1/conversation/sessions/ws", s.handleSessionWS)
		r.Get("/v1/conversation/sessions/{id}/history", s.handleSessionHistory)
		r.Get("/v1/conversation/sessions/{id}/activity", s.handleSessionActivity)
		r.Post("/v1/conversation/sessions/{id}/messages", s.handleSessionMessage)
		r.Post("/v1/conversation/sessions/{id}/end", s.handleEndSession)

		r.Post("/v1/conversations", s.handleSaveConversation)
		r.Get("/v1/conversations", s.handleListConversations)
		r.Get("/v1/conversations/{id}", s.handleGetConversation)
		r.Delete("/v1/conversations/{id}", s.handleDeleteConversation)
		r.Patch("/v1/conversations/{id}", s.handleUpdateConversationTitle)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"provider":        s.providerName(),
		"active_sessions": s.sessions.ActiveCount(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.transcripts != nil {
		if err := s.transcripts.Ready(r.Context()); err != nil {
			respondError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"provider": s.providerName(),
	})
}

func (s *Server) providerName() string {
	if s.provider == nil {
		return "none"
	}
	return s.provider.Name()
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 4<<20))
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func messageTypeOf(v any) (protocol.MessageType, bool) {
	switch m := v.(type) {
	case protocol.ClientAudioChunk:
		return m.Type, true
	case protocol.ClientText:
		return m.Type, true
	case protocol.ClientControl:
		return m.Type, true
	case protocol.Connected:
		return m.Type, true
	case protocol.TranscriptUpdated:
		return m.Type, true
	case protocol.Disconnected:
		return m.Type, true
	case protocol.SystemEvent:
		return m.Type, true
	case protocol.ErrorEvent:
		return m.Type, true
	default:
		return "", false
	}
}
