package transcript

import (
	"context"
	"log/slog"
	"strings"
)

// Backend names the storage behind a Store.
type Backend string

const (
	BackendMemory   Backend = "memory"
	BackendPostgres Backend = "postgres"
)

// OpenStore opens postgres when databaseURL is set. Without one it falls back
// to an in-memory store whose conversations do not survive a restart.
func OpenStore(ctx context.Context, databaseURL string, logger *slog.Logger) (Store, Backend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(databaseURL) == "" {
		logger.Warn("DATABASE_URL not set, saved conversations are kept in memory only")
		return NewInMemoryStore(), BackendMemory, nil
	}
	store, err := NewPostgresStore(ctx, databaseURL)
	if err != nil {
		return nil, "", err
	}
	logger.Info("transcript store ready", "backend", BackendPostgres)
	return store, BackendPostgres, nil
}
