package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the language tutor service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	FirstTextSLO             time.Duration
	MetricsNamespace         string
	LogLevel                 string
	LogFormat                string

	AllowAnyOrigin bool

	// RealtimeProvider selects the lifecycle provider: auto, openai or mock.
	// auto uses openai when an API key is configured.
	RealtimeProvider string

	OpenAIAPIKey      string
	OpenAIBaseURL     string
	OpenAIRealtimeURL string
	RealtimeModel     string
	MintTimeout       time.Duration
	MintMaxAttempts   int

	// TranscriptionModel transcribes the learner's speech so spoken turns
	// carry text. "off" disables input transcription.
	TranscriptionModel string

	CoalesceWindow   time.Duration
	CloseTimeout     time.Duration
	ActivityCapacity int

	// AuthMode is jwt or disabled. Disabled serves every request as the
	// anonymous principal and is meant for local development.
	AuthMode      string
	AuthJWTSecret string
	AuthIssuer    string
	AuthAudience  string

	DatabaseURL string
}

// LoadEnvFile pre-loads variables from path without overriding ones already
// set. A missing file is not an error.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:          envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:  envOrDefault("APP_METRICS_NAMESPACE", "lingo"),
		LogLevel:          strings.ToLower(envOrDefault("APP_LOG_LEVEL", "info")),
		LogFormat:         strings.ToLower(envOrDefault("APP_LOG_FORMAT", "text")),
		AllowAnyOrigin:    false,
		RealtimeProvider:  strings.ToLower(envOrDefault("REALTIME_PROVIDER", "auto")),
		OpenAIAPIKey:      stringsTrimSpace("OPENAI_API_KEY"),
		OpenAIBaseURL:     envOrDefault("OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAIRealtimeURL: envOrDefault("OPENAI_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:     envOrDefault("REALTIME_MODEL", "gpt-realtime"),
		AuthMode:          strings.ToLower(envOrDefault("AUTH_MODE", "jwt")),
		AuthJWTSecret:     stringsTrimSpace("AUTH_JWT_SECRET"),
		AuthIssuer:        stringsTrimSpace("AUTH_ISSUER"),
		AuthAudience:      envOrDefault("AUTH_AUDIENCE", "authenticated"),
		DatabaseURL:       stringsTrimSpace("DATABASE_URL"),

		TranscriptionModel: envOrDefault("TRANSCRIPTION_MODEL", "gpt-4o-mini-transcribe"),

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 5 * time.Minute,
		FirstTextSLO:             1500 * time.Millisecond,
		MintTimeout:              15 * time.Second,
		MintMaxAttempts:          3,
		CoalesceWindow:           100 * time.Millisecond,
		CloseTimeout:             500 * time.Millisecond,
		ActivityCapacity:         100,
	}
	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SessionInactivityTimeout, err = durationFromEnv("APP_SESSION_INACTIVITY_TIMEOUT", cfg.SessionInactivityTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.FirstTextSLO, err = durationFromEnv("APP_FIRST_TEXT_SLO", cfg.FirstTextSLO)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.MintTimeout, err = durationFromEnv("REALTIME_MINT_TIMEOUT", cfg.MintTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.MintMaxAttempts, err = intFromEnv("REALTIME_MINT_MAX_ATTEMPTS", cfg.MintMaxAttempts)
	if err != nil {
		return Config{}, err
	}
	cfg.CoalesceWindow, err = durationFromEnv("REALTIME_COALESCE_WINDOW", cfg.CoalesceWindow)
	if err != nil {
		return Config{}, err
	}
	cfg.CloseTimeout, err = durationFromEnv("REALTIME_CLOSE_TIMEOUT", cfg.CloseTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.ActivityCapacity, err = intFromEnv("REALTIME_ACTIVITY_CAPACITY", cfg.ActivityCapacity)
	if err != nil {
		return Config{}, err
	}
	if strings.EqualFold(cfg.TranscriptionModel, "off") {
		cfg.TranscriptionModel = ""
	}

	if cfg.SessionInactivityTimeout < 5*time.Second {
		return Config{}, fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if cfg.MintMaxAttempts <= 0 || cfg.MintMaxAttempts > 10 {
		return Config{}, fmt.Errorf("REALTIME_MINT_MAX_ATTEMPTS must be between 1 and 10")
	}
	if cfg.CoalesceWindow <= 0 || cfg.CoalesceWindow > time.Second {
		return Config{}, fmt.Errorf("REALTIME_COALESCE_WINDOW must be in (0, 1s]")
	}
	if cfg.CloseTimeout <= 0 {
		return Config{}, fmt.Errorf("REALTIME_CLOSE_TIMEOUT must be positive")
	}
	if cfg.ActivityCapacity <= 0 {
		return Config{}, fmt.Errorf("REALTIME_ACTIVITY_CAPACITY must be positive")
	}
	switch cfg.RealtimeProvider {
	case "auto", "openai", "mock":
	default:
		return Config{}, fmt.Errorf("REALTIME_PROVIDER must be auto, openai or mock")
	}
	switch cfg.AuthMode {
	case "jwt":
		if len(cfg.AuthJWTSecret) < 32 {
			return Config{}, fmt.Errorf("AUTH_JWT_SECRET must be at least 32 bytes when AUTH_MODE=jwt")
		}
	case "disabled":
	default:
		return Config{}, fmt.Errorf("AUTH_MODE must be jwt or disabled")
	}
	switch cfg.LogFormat {
	case "text", "json":
	default:
		return Config{}, fmt.Errorf("APP_LOG_FORMAT must be text or json")
	}

	return cfg, nil
}

// UseOpenAI reports whether the realtime provider resolves to OpenAI.
func (c Config) UseOpenAI() bool {
	switch c.RealtimeProvider {
	case "openai":
		return true
	case "mock":
		return false
	default:
		return c.OpenAIAPIKey != ""
	}
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
