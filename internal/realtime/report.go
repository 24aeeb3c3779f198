package realtime

import "time"

// TeardownChecks are the post-teardown release assertions.
type TeardownChecks struct {
	ConnectionInactive bool `json:"connection_inactive"`
	SessionReleased    bool `json:"session_released"`
	AgentReleased      bool `json:"agent_released"`
	NoPendingTimers    bool `json:"no_pending_timers"`
	NetworkInactive    bool `json:"network_inactive"`
}

func (c TeardownChecks) failed() []string {
	var out []string
	if !c.ConnectionInactive {
		out = append(out, "connection_inactive")
	}
	if !c.SessionReleased {
		out = append(out, "session_released")
	}
	if !c.AgentReleased {
		out = append(out, "agent_released")
	}
	if !c.NoPendingTimers {
		out = append(out, "no_pending_timers")
	}
	if !c.NetworkInactive {
		out = append(out, "network_inactive")
	}
	return out
}

// TeardownReport is produced once per teardown. Verified is true only when
// every check holds; otherwise FailedChecks names the ones that did not.
// Callers should treat an unverified report as a possible leak of a billed
// provider session.
type TeardownReport struct {
	Verified       bool           `json:"verified"`
	Checks         TeardownChecks `json:"checks"`
	FailedChecks   []string       `json:"failed_checks,omitempty"`
	StepErrors     []string       `json:"step_errors,omitempty"`
	CloseTimedOut  bool           `json:"close_timed_out"`
	TracksStopped  int            `json:"tracks_stopped"`
	HistoryCleared bool           `json:"history_cleared"`
	DisconnectedAt time.Time      `json:"disconnected_at"`
	Duration       time.Duration  `json:"duration_ns"`

	// History is the transcript as it stood when teardown released the
	// session, whether or not the client kept it afterwards.
	History []Turn `json:"-"`
}

func newTeardownReport(checks TeardownChecks, stepErrs []string, at time.Time, took time.Duration) TeardownReport {
	failed := checks.failed()
	return TeardownReport{
		Verified:       len(failed) == 0,
		Checks:         checks,
		FailedChecks:   failed,
		StepErrors:     append([]string(nil), stepErrs...),
		DisconnectedAt: at,
		Duration:       took,
	}
}

// Clone returns a copy that shares no slices with r.
func (r TeardownReport) Clone() TeardownReport {
	c := r
	c.FailedChecks = append([]string(nil), r.FailedChecks...)
	c.StepErrors = append([]string(nil), r.StepErrors...)
	c.History = cloneTurns(r.History)
	return c
}
