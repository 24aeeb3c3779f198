package httpapi

import (
	"net/http"

	"github.com/ent0n29/lingo/internal/observability"
)

type lifecycleResponse struct {
	observability.LifecycleSnapshot
	Provider       string `json:"provider"`
	ActiveSessions int    `json:"active_sessions"`
	FirstTextSLOMS int64  `json:"first_text_slo_ms,omitempty"`
}

// handlePerfLatency reports rolling lifecycle latencies next to the load
// they were measured under.
func (s *Server) handlePerfLatency(w http.ResponseWriter, _ *http.Request) {
	res := lifecycleResponse{
		LifecycleSnapshot: s.metrics.Lifecycle(),
		FirstTextSLOMS:    s.metrics.FirstTextSLO().Milliseconds(),
	}
	if s.provider != nil {
		res.Provider = s.provider.Name()
	}
	if s.sessions != nil {
		res.ActiveSessions = s.sessions.ActiveCount()
	}
	respondJSON(w, http.StatusOK, res)
}
