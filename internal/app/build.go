package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/lingo/internal/auth"
	"github.com/ent0n29/lingo/internal/config"
	"github.com/ent0n29/lingo/internal/credential"
	"github.com/ent0n29/lingo/internal/httpapi"
	"github.com/ent0n29/lingo/internal/observability"
	"github.com/ent0n29/lingo/internal/realtime"
	"github.com/ent0n29/lingo/internal/session"
	"github.com/ent0n29/lingo/internal/transcript"
)

type BuildResult struct {
	Config         config.Config
	API            *httpapi.Server
	Sessions       *session.Manager
	Metrics        *observability.Metrics
	Logger         *slog.Logger
	ProviderDetail string
	StoreBackend   transcript.Backend

	// Cleanup should be called on shutdown: it disconnects live
	// conversations so no provider session keeps billing, then closes the
	// transcript store.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = slog.Default()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)
	metrics.SetFirstTextSLO(cfg.FirstTextSLO)

	store, backend, err := transcript.OpenStore(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return nil, fmt.Errorf("transcript store init failed: %w", err)
	}

	minter, err := credential.NewMinter(credential.Config{
		APIKey:      cfg.OpenAIAPIKey,
		BaseURL:     cfg.OpenAIBaseURL,
		Model:       cfg.RealtimeModel,
		Transcriber: cfg.TranscriptionModel,
		Timeout:     cfg.MintTimeout,
		MaxAttempts: cfg.MintMaxAttempts,
		Logger:      logger,
		Metrics:     metrics,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("credential minter init failed: %w", err)
	}

	setup, err := resolveRealtimeProvider(cfg, logger)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	var verifier *auth.Verifier
	if cfg.AuthMode == "jwt" {
		verifier, err = auth.NewVerifier(auth.Config{
			Secret:   []byte(cfg.AuthJWTSecret),
			Issuer:   cfg.AuthIssuer,
			Audience: cfg.AuthAudience,
			Leeway:   30 * time.Second,
		})
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("auth verifier init failed: %w", err)
		}
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session, client *realtime.Client) {
		metrics.ObserveSessionEvent("expired")
		report := client.Disconnect(context.Background(), realtime.DisconnectOptions{})
		metrics.SetActiveSessions(sessions.ActiveCount())
		logger.Info("conversation expired", "session_id", s.ID, "user_id", s.UserID, "verified", report.Verified)
	})

	api := httpapi.New(cfg, httpapi.Deps{
		Sessions:    sessions,
		Minter:      minter,
		Transcripts: transcript.NewService(store, logger),
		Verifier:    verifier,
		Provider:    setup.provider,
		Metrics:     metrics,
		Logger:      logger,
	})

	cleanup := func() error {
		var errs []string
		if unverified := disconnectAll(sessions, cfg.ShutdownTimeout); unverified > 0 {
			errs = append(errs, fmt.Sprintf("%d conversation teardowns unverified", unverified))
		}
		if err := store.Close(); err != nil {
			errs = append(errs, err.Error())
		}
		if len(errs) > 0 {
			return fmt.Errorf("%s", strings.Join(errs, "; "))
		}
		return nil
	}

	return &BuildResult{
		Config:         cfg,
		API:            api,
		Sessions:       sessions,
		Metrics:        metrics,
		Logger:         logger,
		ProviderDetail: setup.detail,
		StoreBackend:   backend,
		Cleanup:        cleanup,
	}, nil
}

// disconnectAll tears every live conversation down in parallel and returns
// how many reports came back unverified.
func disconnectAll(sessions *session.Manager, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		unverified int
	)
	for _, client := range sessions.EndAll() {
		wg.Add(1)
		go func(c *realtime.Client) {
			defer wg.Done()
			if report := c.Disconnect(ctx, realtime.DisconnectOptions{}); !report.Verified {
				mu.Lock()
				unverified++
				mu.Unlock()
			}
		}(client)
	}
	wg.Wait()
	return unverified
}
