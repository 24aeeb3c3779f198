package transcript

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/lingo/internal/realtime"
)

// InMemoryStore is a simple in-process conversation store for local/dev use.
type InMemoryStore struct {
	mu    sync.RWMutex
	items map[string]Conversation
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{items: make(map[string]Conversation)}
}

func (s *InMemoryStore) Insert(_ context.Context, c Conversation) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	c.Messages = copyTurns(c.Messages)
	c.MessageCount = len(c.Messages)
	s.items[c.ID] = c
	return withCopiedTurns(c), nil
}

func (s *InMemoryStore) List(_ context.Context, userID string, opts ListOptions) ([]Conversation, error) {
	s.mu.RLock()
	out := make([]Conversation, 0)
	for _, c := range s.items {
		if c.UserID != userID {
			continue
		}
		c.Messages = nil
		out = append(out, c)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b Conversation) int {
		if cmp := b.CreatedAt.Compare(a.CreatedAt); cmp != 0 {
			return cmp
		}
		if a.ID > b.ID {
			return -1
		}
		if a.ID < b.ID {
			return 1
		}
		return 0
	})
	if opts.Offset >= len(out) {
		return []Conversation{}, nil
	}
	out = out[opts.Offset:]
	if opts.Limit > 0 && opts.Limit < len(out) {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *InMemoryStore) Get(_ context.Context, userID, id string) (Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.items[id]
	if !ok || c.UserID != userID {
		return Conversation{}, ErrNotFound
	}
	return withCopiedTurns(c), nil
}

func (s *InMemoryStore) Delete(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.items[id]
	if !ok || c.UserID != userID {
		return ErrNotFound
	}
	delete(s.items, id)
	return nil
}

func (s *InMemoryStore) UpdateTitle(_ context.Context, userID, id, title string, at time.Time) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.items[id]
	if !ok || c.UserID != userID {
		return Conversation{}, ErrNotFound
	}
	c.Title = title
	c.UpdatedAt = at
	s.items[id] = c
	return withCopiedTurns(c), nil
}

func (s *InMemoryStore) Ping(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }

func withCopiedTurns(c Conversation) Conversation {
	c.Messages = copyTurns(c.Messages)
	return c
}

func copyTurns(turns []realtime.Turn) []realtime.Turn {
	if turns == nil {
		return nil
	}
	out := make([]realtime.Turn, len(turns))
	for i, t := range turns {
		t.Content = slices.Clone(t.Content)
		out[i] = t
	}
	return out
}
