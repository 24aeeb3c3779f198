package realtime

import (
	"strings"
	"time"
)

// ConnectionState is the lifecycle position of a Client.
type ConnectionState string

const (
	StateIdle          ConnectionState = "idle"
	StateConnecting    ConnectionState = "connecting"
	StateConnected     ConnectionState = "connected"
	StateDisconnecting ConnectionState = "disconnecting"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

type BlockType string

const (
	BlockText  BlockType = "text"
	BlockAudio BlockType = "audio"
)

// ContentBlock is either inline text or a reference to an audio message.
// Audio blocks may carry the provider's transcript of the audio.
type ContentBlock struct {
	Type       BlockType `json:"type"`
	Text       string    `json:"text,omitempty"`
	AudioRef   string    `json:"audio_ref,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
}

// Turn is one completed message in the conversation transcript.
type Turn struct {
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
}

// Text concatenates the text blocks of the turn.
func (t Turn) Text() string {
	var b strings.Builder
	for _, block := range t.Content {
		if block.Type == BlockText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

func (t Turn) clone() Turn {
	c := t
	c.Content = append([]ContentBlock(nil), t.Content...)
	return c
}

func cloneTurns(turns []Turn) []Turn {
	out := make([]Turn, len(turns))
	for i, t := range turns {
		out[i] = t.clone()
	}
	return out
}

// TranscriptUpdate is delivered to transcript observers. History is a copy
// the observer may keep or mutate. Streaming holds the text of an assistant
// turn that has not finished yet; it is never part of History.
type TranscriptUpdate struct {
	History   []Turn
	Streaming string
}
