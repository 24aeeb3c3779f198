package realtime

import (
	"errors"
	"fmt"
)

var (
	// ErrAlreadyActive is returned by Connect when a session is connecting,
	// connected, or being torn down.
	ErrAlreadyActive   = errors.New("realtime session already active")
	ErrNotConnected    = errors.New("realtime session not connected")
	ErrEmptyCredential = errors.New("realtime credential is empty")
	ErrMediaStopped    = errors.New("media track stopped")
)

// ConnectionError reports a failed Connect: rejected credential, unreachable
// provider, or a session that could not be constructed.
type ConnectionError struct {
	Stage string
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("realtime connect failed at %s: %v", e.Stage, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProviderError is a mid-session error event sent by the provider. It does
// not end the session.
type ProviderError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	EventID string `json:"event_id,omitempty"`
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("realtime provider error %s: %s", e.Code, e.Message)
	}
	return "realtime provider error: " + e.Message
}
