package transcript

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ent0n29/lingo/internal/auth"
	"github.com/ent0n29/lingo/internal/realtime"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 100
	maxTitleRunes    = 200
)

// SaveRequest is a finished conversation as the client holds it.
type SaveRequest struct {
	Messages        []realtime.Turn `json:"messages"`
	Title           string          `json:"title,omitempty"`
	Language        string          `json:"language,omitempty"`
	Level           string          `json:"level,omitempty"`
	PracticeMode    string          `json:"practice_mode,omitempty"`
	PracticeContent string          `json:"practice_content,omitempty"`
}

// SaveResult reports the stored conversation and the turns left out of it.
type SaveResult struct {
	Conversation Conversation         `json:"conversation"`
	Dropped      []*ValidationWarning `json:"-"`
}

// Service applies validation and the caller's identity to a Store. The
// caller is read from the context via auth.PrincipalFrom.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewService(store Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, logger: logger.With("component", "transcript"), now: time.Now}
}

func (s *Service) Ready(ctx context.Context) error { return s.store.Ping(ctx) }

func (s *Service) Save(ctx context.Context, req SaveRequest) (SaveResult, error) {
	p, ok := auth.PrincipalFrom(ctx)
	if !ok {
		return SaveResult{}, ErrUnauthenticated
	}
	valid, dropped := Validate(req.Messages)
	for _, w := range dropped {
		s.logger.Warn("dropping invalid turn", "user_id", p.UserID, "index", w.Index, "reason", w.Reason)
	}
	if len(valid) == 0 {
		return SaveResult{Dropped: dropped}, ErrNoValidTurns
	}

	now := s.now().UTC()
	title := strings.TrimSpace(req.Title)
	if title == "" || utf8.RuneCountInString(title) > maxTitleRunes {
		title = DeriveTitle(valid, now)
	}
	c, err := s.store.Insert(ctx, Conversation{
		UserID:          p.UserID,
		Title:           title,
		Messages:        valid,
		Language:        req.Language,
		Level:           req.Level,
		PracticeMode:    req.PracticeMode,
		PracticeContent: req.PracticeContent,
		MessageCount:    len(valid),
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		return SaveResult{Dropped: dropped}, err
	}
	s.logger.Info("conversation saved", "user_id", p.UserID, "conversation_id", c.ID, "turns", len(valid), "dropped", len(dropped))
	return SaveResult{Conversation: c, Dropped: dropped}, nil
}

// List returns the caller's conversations newest first, without messages.
func (s *Service) List(ctx context.Context, opts ListOptions) ([]Conversation, error) {
	p, ok := auth.PrincipalFrom(ctx)
	if !ok {
		return nil, ErrUnauthenticated
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultListLimit
	}
	if opts.Limit > MaxListLimit {
		opts.Limit = MaxListLimit
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}
	return s.store.List(ctx, p.UserID, opts)
}

func (s *Service) Get(ctx context.Context, id string) (Conversation, error) {
	p, ok := auth.PrincipalFrom(ctx)
	if !ok {
		return Conversation{}, ErrUnauthenticated
	}
	return s.store.Get(ctx, p.UserID, id)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	p, ok := auth.PrincipalFrom(ctx)
	if !ok {
		return ErrUnauthenticated
	}
	if err := s.store.Delete(ctx, p.UserID, id); err != nil {
		return err
	}
	s.logger.Info("conversation deleted", "user_id", p.UserID, "conversation_id", id)
	return nil
}

func (s *Service) UpdateTitle(ctx context.Context, id, title string) (Conversation, error) {
	p, ok := auth.PrincipalFrom(ctx)
	if !ok {
		return Conversation{}, ErrUnauthenticated
	}
	title = strings.TrimSpace(title)
	if title == "" || utf8.RuneCountInString(title) > maxTitleRunes {
		return Conversation{}, ErrInvalidTitle
	}
	return s.store.UpdateTitle(ctx, p.UserID, id, title, s.now().UTC())
}
