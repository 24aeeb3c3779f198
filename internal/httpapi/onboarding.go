package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"
)

type onboardingCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type onboardingStatusResponse struct {
	Provider  string            `json:"provider"`
	AuthMode  string            `json:"auth_mode"`
	StoreMode string            `json:"store_mode"`
	Checks    []onboardingCheck `json:"checks"`
}

// handleOnboardingStatus reports what an operator still has to configure
// before learners can hold billed realtime conversations.
func (s *Server) handleOnboardingStatus(w http.ResponseWriter, r *http.Request) {
	provider := s.providerName()
	checks := make([]onboardingCheck, 0, 6)

	switch provider {
	case "openai":
		checks = append(checks, onboardingCheck{
			ID:     "realtime_provider",
			Status: "ok",
			Label:  "Realtime provider",
			Detail: "openai",
		})
	case "mock":
		checks = append(checks, onboardingCheck{
			ID:     "realtime_provider",
			Status: "warn",
			Label:  "Realtime provider is mock",
			Detail: "Sessions echo text locally; no tutor audio is produced.",
			Fix:    "Set OPENAI_API_KEY (and REALTIME_PROVIDER=auto or openai).",
		})
	default:
		checks = append(checks, onboardingCheck{
			ID:     "realtime_provider",
			Status: "error",
			Label:  "Realtime provider",
			Detail: "not configured",
		})
	}

	if s.minter != nil && s.minter.Configured() {
		checks = append(checks, onboardingCheck{
			ID:     "openai_key",
			Status: "ok",
			Label:  "OpenAI API key",
			Detail: "present",
		})
	} else {
		checks = append(checks, onboardingCheck{
			ID:     "openai_key",
			Status: "error",
			Label:  "OpenAI API key",
			Detail: "OPENAI_API_KEY is not set",
			Fix:    "Set OPENAI_API_KEY in your .env file.",
		})
	}

	authMode := strings.TrimSpace(s.cfg.AuthMode)
	if s.verifier == nil {
		authMode = "disabled"
		checks = append(checks, onboardingCheck{
			ID:     "auth",
			Status: "warn",
			Label:  "Authentication disabled",
			Detail: "every caller shares the anonymous user",
			Fix:    "Set AUTH_MODE=jwt and AUTH_JWT_SECRET to your auth provider's signing secret.",
		})
	} else {
		checks = append(checks, onboardingCheck{
			ID:     "auth",
			Status: "ok",
			Label:  "Authentication",
			Detail: "jwt",
		})
	}

	storeMode := "disabled"
	if s.transcripts != nil {
		storeMode = "in-memory"
		if strings.TrimSpace(s.cfg.DatabaseURL) != "" {
			storeMode = "postgres"
		}
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := s.transcripts.Ready(ctx)
		cancel()
		switch {
		case err != nil:
			checks = append(checks, onboardingCheck{
				ID:     "transcript_store",
				Status: "error",
				Label:  "Conversation history",
				Detail: err.Error(),
				Fix:    "Check DATABASE_URL and that PostgreSQL is reachable.",
			})
		case storeMode == "in-memory":
			checks = append(checks, onboardingCheck{
				ID:     "transcript_store",
				Status: "warn",
				Label:  "Conversation history",
				Detail: "in-memory only",
				Fix:    "Set DATABASE_URL to persist conversations across restarts.",
			})
		default:
			checks = append(checks, onboardingCheck{
				ID:     "transcript_store",
				Status: "ok",
				Label:  "Conversation history",
				Detail: storeMode,
			})
		}
	}

	respondJSON(w, http.StatusOK, onboardingStatusResponse{
		Provider:  provider,
		AuthMode:  authMode,
		StoreMode: storeMode,
		Checks:    checks,
	})
}
