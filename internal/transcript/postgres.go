package transcript

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/ent0n29/lingo/internal/realtime"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// PostgresStore persists conversations in PostgreSQL with the turns kept as
// a JSONB array.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// migrate applies the embedded goose migrations through a database/sql
// handle borrowed from the pool.
func migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrations, err := fs.Sub(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	provider, err := goose.NewProvider(goose.DialectPostgres, db, migrations)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

const conversationColumns = `id::text, user_id, title, language, level, practice_mode, practice_content, message_count, created_at, updated_at`

func (s *PostgresStore) Insert(ctx context.Context, c Conversation) (Conversation, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	c.MessageCount = len(c.Messages)
	messages, err := json.Marshal(nonNilTurns(c.Messages))
	if err != nil {
		return Conversation{}, fmt.Errorf("marshal messages: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO conversations (id, user_id, title, messages, language, level, practice_mode, practice_content, message_count, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6, $7, $8, $9, $10, $11)`,
		c.ID,
		c.UserID,
		c.Title,
		string(messages),
		c.Language,
		c.Level,
		c.PracticeMode,
		c.PracticeContent,
		c.MessageCount,
		c.CreatedAt,
		c.UpdatedAt,
	)
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) List(ctx context.Context, userID string, opts ListOptions) ([]Conversation, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+conversationColumns+`
		 FROM conversations WHERE user_id=$1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2 OFFSET $3`,
		userID,
		opts.Limit,
		opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	out := make([]Conversation, 0, opts.Limit)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversation rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Get(ctx context.Context, userID, id string) (Conversation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Conversation{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+`, messages
		 FROM conversations WHERE id=$1 AND user_id=$2`,
		id,
		userID,
	)
	var (
		c   Conversation
		raw []byte
	)
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.Language, &c.Level, &c.PracticeMode, &c.PracticeContent,
		&c.MessageCount, &c.CreatedAt, &c.UpdatedAt, &raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	if err := json.Unmarshal(raw, &c.Messages); err != nil {
		return Conversation{}, fmt.Errorf("decode messages: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) Delete(ctx context.Context, userID, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM conversations WHERE id=$1 AND user_id=$2`, id, userID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateTitle(ctx context.Context, userID, id, title string, at time.Time) (Conversation, error) {
	if _, err := uuid.Parse(id); err != nil {
		return Conversation{}, ErrNotFound
	}
	row := s.pool.QueryRow(ctx,
		`UPDATE conversations SET title=$3, updated_at=$4
		 WHERE id=$1 AND user_id=$2
		 RETURNING `+conversationColumns,
		id,
		userID,
		title,
		at,
	)
	c, err := scanConversation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("update title: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanConversation(row pgx.Row) (Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.UserID, &c.Title, &c.Language, &c.Level, &c.PracticeMode, &c.PracticeContent,
		&c.MessageCount, &c.CreatedAt, &c.UpdatedAt)
	return c, err
}

func nonNilTurns(turns []realtime.Turn) []realtime.Turn {
	if turns == nil {
		return []realtime.Turn{}
	}
	return turns
}
