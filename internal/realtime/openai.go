package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	nanoid "github.com/matoous/go-nanoid/v2"
)

const (
	defaultOpenAIRealtimeURL = "wss://api.openai.com/v1/realtime"
	defaultOpenAIModel       = "gpt-realtime"
)

type OpenAIConfig struct {
	WSURL            string
	Model            string
	HandshakeTimeout time.Duration
	// OutputBuffer is the number of assistant audio chunks buffered for
	// playback before new chunks are dropped.
	OutputBuffer int
	Logger       *slog.Logger
}

// OpenAIProvider opens sessions against the OpenAI Realtime API over
// WebSocket, authenticated with an ephemeral client secret.
type OpenAIProvider struct {
	cfg    OpenAIConfig
	dialer *websocket.Dialer
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	if strings.TrimSpace(cfg.WSURL) == "" {
		cfg.WSURL = defaultOpenAIRealtimeURL
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &OpenAIProvider{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) NewSession(agent *Agent) (Session, error) {
	if agent == nil {
		return nil, errors.New("agent is required")
	}
	u, err := url.Parse(p.cfg.WSURL)
	if err != nil {
		return nil, fmt.Errorf("parse realtime url: %w", err)
	}
	q := u.Query()
	q.Set("model", p.cfg.Model)
	u.RawQuery = q.Encode()

	return &openAISession{
		url:     u.String(),
		dialer:  p.dialer,
		agent:   agent,
		outBuf:  p.cfg.OutputBuffer,
		logger:  p.cfg.Logger.With("component", "openai_realtime", "agent", agent.Name),
		arena:   NewMediaArena(),
		handler: func(Event) {},
	}, nil
}

type openAISession struct {
	url    string
	dialer *websocket.Dialer
	agent  *Agent
	outBuf int
	logger *slog.Logger
	arena  *MediaArena

	handler EventHandler

	mu       sync.Mutex
	conn     *websocket.Conn
	input    *InputTrack
	output   *OutputTrack
	readDone chan struct{}
	closing  bool

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func (s *openAISession) OnEvent(h EventHandler) {
	if h == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *openAISession) Connect(ctx context.Context, credential string) error {
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+credential)

	conn, resp, err := s.dialer.DialContext(ctx, s.url, headers)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial realtime websocket: status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial realtime websocket: %w", err)
	}

	input := NewInputTrack("mic-"+shortID(), s.sendAudio)
	output := NewOutputTrack("playback-"+shortID(), s.outBuf)
	if err := s.arena.Acquire(input); err != nil {
		_ = conn.Close()
		return err
	}
	if err := s.arena.Acquire(output); err != nil {
		_ = conn.Close()
		return err
	}

	s.mu.Lock()
	s.conn = conn
	s.input = input
	s.output = output
	s.readDone = make(chan struct{})
	handler := s.handler
	done := s.readDone
	s.mu.Unlock()

	go s.readLoop(conn, handler, output, done)
	return nil
}

// Output exposes the assistant playback track.
func (s *openAISession) Output() *OutputTrack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.output
}

func (s *openAISession) SendText(_ context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return errors.New("text is required")
	}
	if err := s.writeEvent("conversation.item.create", map[string]any{
		"item": map[string]any{
			"type": "message",
			"role": "user",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	}); err != nil {
		return err
	}
	return s.writeEvent("response.create", nil)
}

func (s *openAISession) AppendAudio(pcm []byte) error {
	s.mu.Lock()
	input := s.input
	s.mu.Unlock()
	if input == nil {
		return ErrNotConnected
	}
	return input.Write(pcm)
}

func (s *openAISession) sendAudio(pcm []byte) error {
	return s.writeEvent("input_audio_buffer.append", map[string]any{
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

func (s *openAISession) StopAllMedia() (MediaStopResult, error) {
	return s.arena.StopAll()
}

// Disconnect sends a normal close frame, waits for the provider to
// acknowledge it (bounded by ctx), then closes the socket.
func (s *openAISession) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	done := s.readDone
	s.closing = true
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	var retErr error
	s.closeOnce.Do(func() {
		deadline := time.Now().Add(time.Second)
		if d, ok := ctx.Deadline(); ok {
			deadline = d
		}
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect")
		s.writeMu.Lock()
		err := conn.WriteControl(websocket.CloseMessage, msg, deadline)
		s.writeMu.Unlock()
		if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
			s.logger.Debug("write close frame failed", "error", err)
		}

		select {
		case <-done:
		case <-ctx.Done():
			retErr = ctx.Err()
		}
		if err := conn.Close(); err != nil && retErr == nil && !isClosedConnErr(err) {
			retErr = err
		}
	})
	return retErr
}

func (s *openAISession) writeEvent(eventType string, fields map[string]any) error {
	s.mu.Lock()
	conn := s.conn
	closing := s.closing
	s.mu.Unlock()
	if conn == nil || closing {
		return ErrNotConnected
	}

	eventID, err := nanoid.New()
	if err != nil {
		return fmt.Errorf("generate event id: %w", err)
	}
	payload := map[string]any{
		"type":     eventType,
		"event_id": "evt_" + eventID,
	}
	for k, v := range fields {
		payload[k] = v
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(payload)
}

type wireContent struct {
	Type       string `json:"type"`
	Text       string `json:"text,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Audio      string `json:"audio,omitempty"`
}

type wireItem struct {
	ID      string        `json:"id"`
	Type    string        `json:"type"`
	Role    string        `json:"role"`
	Content []wireContent `json:"content"`
}

type wireServerEvent struct {
	Type    string         `json:"type"`
	EventID string         `json:"event_id"`
	Delta   string         `json:"delta"`
	Item    *wireItem      `json:"item"`
	Error   *ProviderError `json:"error"`

	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

func (s *openAISession) readLoop(conn *websocket.Conn, handler EventHandler, output *OutputTrack, done chan struct{}) {
	defer close(done)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if !closing && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				handler(Event{
					Type:       EventError,
					Err:        &ProviderError{Type: "transport_error", Message: err.Error()},
					ReceivedAt: time.Now(),
				})
			}
			return
		}
		ev, ok := decodeServerEvent(data)
		if !ok {
			s.logger.Debug("ignoring realtime server event", "bytes", len(data))
			continue
		}
		if ev.Type == EventAudioDelta && output != nil {
			output.Push(ev.Audio)
		}
		handler(ev)
	}
}

// decodeServerEvent maps a provider JSON frame to an Event. Frames that the
// client does not consume are reported as not ok.
func decodeServerEvent(data []byte) (Event, bool) {
	var raw wireServerEvent
	if err := json.Unmarshal(data, &raw); err != nil {
		return Event{}, false
	}
	ev := Event{ReceivedAt: time.Now()}
	switch raw.Type {
	case string(EventSessionCreated):
		ev.Type = EventSessionCreated
	case string(EventItemAdded), string(EventItemDone):
		ev.Type = EventType(raw.Type)
		if raw.Item != nil {
			ev.Item = convertItem(raw.Item)
		}
	case string(EventOutputTextDelta), "response.output_audio_transcript.delta":
		ev.Type = EventOutputTextDelta
		ev.Delta = raw.Delta
	case string(EventInputTranscript):
		ev.Type = EventInputTranscript
		ev.ItemID = raw.ItemID
		ev.Transcript = raw.Transcript
	case string(EventAudioDelta):
		ev.Type = EventAudioDelta
		audio, err := base64.StdEncoding.DecodeString(raw.Delta)
		if err != nil {
			return Event{}, false
		}
		ev.Audio = audio
	case string(EventError):
		ev.Type = EventError
		ev.Err = raw.Error
		if ev.Err == nil {
			ev.Err = &ProviderError{Message: "unspecified provider error"}
		}
		if ev.Err.EventID == "" {
			ev.Err.EventID = raw.EventID
		}
	default:
		return Event{}, false
	}
	return ev, true
}

func convertItem(w *wireItem) *Item {
	item := &Item{ID: w.ID, Type: w.Type, Role: Role(w.Role)}
	for _, c := range w.Content {
		switch c.Type {
		case "input_text", "output_text", "text":
			item.Content = append(item.Content, ContentBlock{Type: BlockText, Text: c.Text})
		case "input_audio", "output_audio", "audio":
			item.Content = append(item.Content, ContentBlock{Type: BlockAudio, AudioRef: w.ID, Transcript: c.Transcript})
		}
	}
	return item
}

func shortID() string {
	id, err := nanoid.Generate("abcdefghijklmnopqrstuvwxyz0123456789", 10)
	if err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return id
}

func isClosedConnErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "use of closed network connection")
}
