package realtime

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// MockConfig shapes the behaviour of MockProvider sessions.
type MockConfig struct {
	ConnectDelay time.Duration
	ConnectErr   error
	// CloseDelay holds Disconnect until it elapses or the caller's context
	// ends.
	CloseDelay   time.Duration
	StopMediaErr error
	// Reply builds the tutor's answer to a user message. Nil echoes the
	// message back.
	Reply        func(text string) string
	DeltaRunes   int
	DeltaSpacing time.Duration
}

// MockProvider is a local fallback provider used when OpenAI is not
// configured. Its sessions answer every text message with a streamed reply.
// It tracks only sessions that have not been disconnected, plus the most
// recent one.
type MockProvider struct {
	cfg MockConfig

	mu      sync.Mutex
	live    map[*MockSession]struct{}
	last    *MockSession
	created int
}

func NewMockProvider(cfg MockConfig) *MockProvider {
	if cfg.Reply == nil {
		cfg.Reply = func(text string) string { return "好的！你說：" + text }
	}
	if cfg.DeltaRunes <= 0 {
		cfg.DeltaRunes = 4
	}
	return &MockProvider{cfg: cfg, live: make(map[*MockSession]struct{})}
}

func (p *MockProvider) Name() string { return "mock" }

func (p *MockProvider) NewSession(agent *Agent) (Session, error) {
	s := &MockSession{
		cfg:     p.cfg,
		agent:   agent,
		arena:   NewMediaArena(),
		handler: func(Event) {},
		inbox:   make(chan mockDelivery),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	s.release = func() { p.forget(s) }
	p.mu.Lock()
	p.live[s] = struct{}{}
	p.last = s
	p.created++
	p.mu.Unlock()
	return s, nil
}

func (p *MockProvider) forget(s *MockSession) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live, s)
}

// Sessions returns the sessions that have not been disconnected yet.
func (p *MockProvider) Sessions() []*MockSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*MockSession, 0, len(p.live))
	for s := range p.live {
		out = append(out, s)
	}
	return out
}

// Created counts every session the provider has handed out.
func (p *MockProvider) Created() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created
}

// Last returns the most recently created session, even once disconnected.
func (p *MockProvider) Last() *MockSession {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

type mockDelivery struct {
	ev      Event
	handled chan struct{}
}

type MockSession struct {
	cfg   MockConfig
	agent *Agent
	arena *MediaArena

	handler EventHandler
	release func()
	inbox   chan mockDelivery
	quit    chan struct{}
	done    chan struct{}

	mu              sync.Mutex
	connected       bool
	closed          bool
	input           *InputTrack
	output          *OutputTrack
	texts           []string
	audioBytes      int
	stopMediaCalls  int
	disconnectCalls int
	quitOnce        sync.Once
}

func (s *MockSession) Agent() *Agent { return s.agent }

func (s *MockSession) OnEvent(h EventHandler) {
	if h != nil {
		s.handler = h
	}
}

func (s *MockSession) Connect(ctx context.Context, credential string) error {
	if s.cfg.ConnectDelay > 0 {
		select {
		case <-time.After(s.cfg.ConnectDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.cfg.ConnectErr != nil {
		return s.cfg.ConnectErr
	}
	if strings.TrimSpace(credential) == "" {
		return errors.New("mock: credential rejected")
	}

	input := NewInputTrack("mock-mic", func(pcm []byte) error {
		s.mu.Lock()
		s.audioBytes += len(pcm)
		s.mu.Unlock()
		return nil
	})
	output := NewOutputTrack("mock-playback", 16)
	if err := s.arena.Acquire(input); err != nil {
		return err
	}
	if err := s.arena.Acquire(output); err != nil {
		return err
	}

	s.mu.Lock()
	s.connected = true
	s.input = input
	s.output = output
	s.mu.Unlock()

	go s.loop()
	return s.Emit(Event{Type: EventSessionCreated})
}

// loop is the session's single event goroutine.
func (s *MockSession) loop() {
	defer close(s.done)
	for {
		select {
		case d := <-s.inbox:
			s.handler(d.ev)
			close(d.handled)
		case <-s.quit:
			return
		}
	}
}

// Emit delivers an event through the session's event goroutine and returns
// once the handler has processed it. It fails after Disconnect.
func (s *MockSession) Emit(ev Event) error {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	d := mockDelivery{ev: ev, handled: make(chan struct{})}
	select {
	case s.inbox <- d:
	case <-s.quit:
		return ErrNotConnected
	}
	select {
	case <-d.handled:
		return nil
	case <-s.quit:
		return ErrNotConnected
	}
}

func (s *MockSession) SendText(_ context.Context, text string) error {
	s.mu.Lock()
	if !s.connected || s.closed {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.texts = append(s.texts, text)
	s.mu.Unlock()

	go s.respond(text)
	return nil
}

func (s *MockSession) respond(text string) {
	steps := []Event{
		{Type: EventItemAdded, Item: &Item{Type: "message", Role: RoleUser, Content: []ContentBlock{{Type: BlockText, Text: text}}}},
		{Type: EventItemAdded, Item: &Item{Type: "message", Role: RoleAssistant}},
	}
	reply := []rune(s.cfg.Reply(text))
	for i := 0; i < len(reply); i += s.cfg.DeltaRunes {
		end := min(i+s.cfg.DeltaRunes, len(reply))
		steps = append(steps, Event{Type: EventOutputTextDelta, Delta: string(reply[i:end])})
	}
	steps = append(steps, Event{Type: EventItemDone, Item: &Item{Type: "message", Role: RoleAssistant}})

	for _, ev := range steps {
		if ev.Type == EventOutputTextDelta && s.cfg.DeltaSpacing > 0 {
			select {
			case <-time.After(s.cfg.DeltaSpacing):
			case <-s.quit:
				return
			}
		}
		if err := s.Emit(ev); err != nil {
			return
		}
	}
}

func (s *MockSession) AppendAudio(pcm []byte) error {
	s.mu.Lock()
	input := s.input
	s.mu.Unlock()
	if input == nil {
		return ErrNotConnected
	}
	return input.Write(pcm)
}

func (s *MockSession) StopAllMedia() (MediaStopResult, error) {
	s.mu.Lock()
	s.stopMediaCalls++
	s.mu.Unlock()
	res, err := s.arena.StopAll()
	if s.cfg.StopMediaErr != nil {
		return res, errors.Join(err, s.cfg.StopMediaErr)
	}
	return res, err
}

func (s *MockSession) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	s.disconnectCalls++
	wasConnected := s.connected
	s.closed = true
	s.connected = false
	s.mu.Unlock()

	s.quitOnce.Do(func() {
		close(s.quit)
		if s.release != nil {
			s.release()
		}
	})
	if wasConnected {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if s.cfg.CloseDelay > 0 {
		select {
		case <-time.After(s.cfg.CloseDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (s *MockSession) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *MockSession) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

func (s *MockSession) AudioBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.audioBytes
}

func (s *MockSession) StopMediaCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopMediaCalls
}

func (s *MockSession) DisconnectCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectCalls
}

// LiveTracks counts media tracks that have not been stopped.
func (s *MockSession) LiveTracks() int { return s.arena.Live() }
