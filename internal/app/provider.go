package app

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ent0n29/lingo/internal/config"
	"github.com/ent0n29/lingo/internal/realtime"
)

type providerSetup struct {
	provider realtime.Provider
	detail   string
}

func resolveRealtimeProvider(cfg config.Config, logger *slog.Logger) (providerSetup, error) {
	if cfg.RealtimeProvider == "openai" && cfg.OpenAIAPIKey == "" {
		return providerSetup{}, fmt.Errorf("REALTIME_PROVIDER=openai but OPENAI_API_KEY is not set")
	}
	if cfg.UseOpenAI() {
		return providerSetup{
			provider: realtime.NewOpenAIProvider(realtime.OpenAIConfig{
				WSURL:  cfg.OpenAIRealtimeURL,
				Model:  cfg.RealtimeModel,
				Logger: logger,
			}),
			detail: "openai realtime (" + cfg.RealtimeModel + ")",
		}, nil
	}

	detail := "mock"
	if cfg.RealtimeProvider == "auto" {
		detail = "mock (no OPENAI_API_KEY)"
	}
	return providerSetup{
		provider: realtime.NewMockProvider(realtime.MockConfig{DeltaSpacing: 40 * time.Millisecond}),
		detail:   detail,
	}, nil
}
