package realtime

import "time"

type EventType string

const (
	EventSessionCreated  EventType = "session.created"
	EventItemAdded       EventType = "conversation.item.added"
	EventItemDone        EventType = "conversation.item.done"
	EventOutputTextDelta EventType = "response.output_text.delta"
	EventAudioDelta      EventType = "response.output_audio.delta"
	EventError           EventType = "error"

	// EventInputTranscript carries the transcription of a user audio item,
	// which arrives after the item itself.
	EventInputTranscript EventType = "conversation.item.input_audio_transcription.completed"
)

// Item is the provider's conversation item envelope.
type Item struct {
	ID      string
	Type    string
	Role    Role
	Content []ContentBlock
}

// Event is a decoded provider server event.
type Event struct {
	Type       EventType
	Item       *Item
	Delta      string
	Audio      []byte
	ItemID     string
	Transcript string
	Err        *ProviderError
	ReceivedAt time.Time
}

// EventHandler receives provider events. A Session invokes it from a single
// goroutine, one event at a time, in arrival order.
type EventHandler func(Event)
