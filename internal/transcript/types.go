package transcript

import (
	"context"
	"errors"
	"time"

	"github.com/ent0n29/lingo/internal/realtime"
)

var (
	ErrNotFound        = errors.New("conversation not found")
	ErrNoValidTurns    = errors.New("no valid turns to save")
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrInvalidTitle    = errors.New("title must be 1-200 characters")
)

// Conversation is a saved transcript. List results leave Messages nil and
// report the turn count in MessageCount.
type Conversation struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Title           string          `json:"title"`
	Messages        []realtime.Turn `json:"messages,omitempty"`
	Language        string          `json:"language,omitempty"`
	Level           string          `json:"level,omitempty"`
	PracticeMode    string          `json:"practice_mode,omitempty"`
	PracticeContent string          `json:"practice_content,omitempty"`
	MessageCount    int             `json:"message_count"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type ListOptions struct {
	Limit  int
	Offset int
}

// Store persists conversations. Every lookup is scoped by user id; a
// conversation owned by another user is reported as ErrNotFound.
type Store interface {
	Insert(ctx context.Context, c Conversation) (Conversation, error)
	List(ctx context.Context, userID string, opts ListOptions) ([]Conversation, error)
	Get(ctx context.Context, userID, id string) (Conversation, error)
	Delete(ctx context.Context, userID, id string) error
	UpdateTitle(ctx context.Context, userID, id, title string, at time.Time) (Conversation, error)
	Ping(ctx context.Context) error
	Close() error
}
