package transcript

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/ent0n29/lingo/internal/realtime"
)

// Runs against a real database when LINGO_TEST_DATABASE_URL is set.
func TestPostgresStoreRoundTrip(t *testing.T) {
	url := os.Getenv("LINGO_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("LINGO_TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := NewPostgresStore(ctx, url)
	if err != nil {
		t.Fatalf("NewPostgresStore error: %v", err)
	}
	defer store.Close()

	userID := "pg-test-" + time.Now().Format("150405.000000")
	c, err := store.Insert(ctx, Conversation{
		UserID:   userID,
		Title:    "round trip",
		Messages: []realtime.Turn{textTurn(realtime.RoleUser, "你好")},
		Level:    "beginner",
	})
	if err != nil {
		t.Fatalf("Insert error: %v", err)
	}
	t.Cleanup(func() { _ = store.Delete(context.Background(), userID, c.ID) })

	got, err := store.Get(ctx, userID, c.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Title != "round trip" || len(got.Messages) != 1 || got.Messages[0].Text() != "你好" {
		t.Fatalf("Get = %+v", got)
	}
	list, err := store.List(ctx, userID, ListOptions{Limit: 10})
	if err != nil || len(list) != 1 || list[0].MessageCount != 1 || list[0].Messages != nil {
		t.Fatalf("List = %+v, %v", list, err)
	}
	if _, err := store.Get(ctx, "someone-else", c.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign Get err = %v", err)
	}
	if _, err := store.Get(ctx, userID, "not-a-uuid"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("malformed id err = %v", err)
	}
	if _, err := store.UpdateTitle(ctx, userID, c.ID, "renamed", time.Now().UTC()); err != nil {
		t.Fatalf("UpdateTitle error: %v", err)
	}
}
