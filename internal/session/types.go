package session

import "time"

// CreateRequest defines the payload for starting a server-hosted conversation.
type CreateRequest struct {
	Language                 string `json:"language"`
	Level                    string `json:"level"`
	PracticeMode             string `json:"practice_mode"`
	PracticeContent          string `json:"practice_content"`
	TutorPersonality         string `json:"tutor_personality"`
	CorrectionStyle          string `json:"correction_style"`
	ResponseLength           string `json:"response_length"`
	FeedbackStyle            string `json:"feedback_style"`
	IncludeKoreanTranslation *bool  `json:"include_korean_translation,omitempty"`
}

// CreateResponse returns created session metadata.
type CreateResponse struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	Language        string    `json:"language"`
	Level           string    `json:"level"`
	PracticeMode    string    `json:"practice_mode"`
	StartedAt       time.Time `json:"started_at"`
	LastActivityAt  time.Time `json:"last_activity_at"`
	InactivityTTLMS int64     `json:"inactivity_ttl_ms"`
	WebSocketPath   string    `json:"ws_path"`
}

// EndRequest controls how a conversation ends and whether it is saved.
type EndRequest struct {
	KeepHistory     bool   `json:"keep_history"`
	Save            bool   `json:"save"`
	Title           string `json:"title,omitempty"`
	Level           string `json:"level,omitempty"`
	PracticeMode    string `json:"practice_mode,omitempty"`
	PracticeContent string `json:"practice_content,omitempty"`
}
