package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("AUTH_JWT_SECRET", testSecret)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" || cfg.MetricsNamespace != "lingo" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.CloseTimeout != 500*time.Millisecond || cfg.MintMaxAttempts != 3 {
		t.Fatalf("realtime defaults = %v / %d", cfg.CloseTimeout, cfg.MintMaxAttempts)
	}
	if cfg.UseOpenAI() {
		t.Fatalf("auto provider without API key should resolve to mock")
	}
	if cfg.TranscriptionModel != "gpt-4o-mini-transcribe" {
		t.Fatalf("TranscriptionModel = %q", cfg.TranscriptionModel)
	}
}

func TestLoadTranscriptionCanBeDisabled(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("AUTH_MODE", "disabled")
	t.Setenv("TRANSCRIPTION_MODEL", "OFF")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TranscriptionModel != "" {
		t.Fatalf("TranscriptionModel = %q, want disabled", cfg.TranscriptionModel)
	}
}

func TestLoadAutoProviderUsesOpenAIWithKey(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("AUTH_MODE", "disabled")
	t.Setenv("OPENAI_API_KEY", " sk-test ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OpenAIAPIKey != "sk-test" || !cfg.UseOpenAI() {
		t.Fatalf("OpenAIAPIKey = %q, UseOpenAI = %v", cfg.OpenAIAPIKey, cfg.UseOpenAI())
	}
}

func TestLoadValidation(t *testing.T) {
	cases := []struct {
		key, value, want string
	}{
		{"AUTH_MODE", "jwt", "AUTH_JWT_SECRET"},
		{"REALTIME_PROVIDER", "gemini", "REALTIME_PROVIDER"},
		{"REALTIME_COALESCE_WINDOW", "5s", "REALTIME_COALESCE_WINDOW"},
		{"REALTIME_MINT_MAX_ATTEMPTS", "0", "REALTIME_MINT_MAX_ATTEMPTS"},
		{"APP_SESSION_INACTIVITY_TIMEOUT", "1s", "APP_SESSION_INACTIVITY_TIMEOUT"},
		{"REALTIME_CLOSE_TIMEOUT", "soon", "REALTIME_CLOSE_TIMEOUT"},
		{"APP_ALLOW_ANY_ORIGIN", "maybe", "APP_ALLOW_ANY_ORIGIN"},
	}
	for _, tc := range cases {
		setCoreEnvEmpty(t)
		if tc.key != "AUTH_MODE" {
			t.Setenv("AUTH_MODE", "disabled")
		}
		t.Setenv(tc.key, tc.value)
		_, err := Load()
		if err == nil || !strings.Contains(err.Error(), tc.want) {
			t.Fatalf("%s=%s: err = %v, want mention of %s", tc.key, tc.value, err, tc.want)
		}
	}
}

func TestLoadEnvFile(t *testing.T) {
	setCoreEnvEmpty(t)
	// godotenv never overrides variables that are present, even when empty.
	os.Unsetenv("APP_BIND_ADDR")
	os.Unsetenv("AUTH_MODE")
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("APP_BIND_ADDR=:9191\nAUTH_MODE=disabled\n"), 0o600); err != nil {
		t.Fatalf("write env file: %v", err)
	}
	t.Setenv("APP_METRICS_NAMESPACE", "explicit")
	if err := LoadEnvFile(path); err != nil {
		t.Fatalf("LoadEnvFile() error = %v", err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":9191" || cfg.AuthMode != "disabled" || cfg.MetricsNamespace != "explicit" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if err := LoadEnvFile(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("missing env file should be ignored, err = %v", err)
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_FIRST_TEXT_SLO",
		"APP_METRICS_NAMESPACE",
		"APP_LOG_LEVEL",
		"APP_LOG_FORMAT",
		"APP_ALLOW_ANY_ORIGIN",
		"REALTIME_PROVIDER",
		"OPENAI_API_KEY",
		"OPENAI_BASE_URL",
		"OPENAI_REALTIME_URL",
		"REALTIME_MODEL",
		"TRANSCRIPTION_MODEL",
		"REALTIME_MINT_TIMEOUT",
		"REALTIME_MINT_MAX_ATTEMPTS",
		"REALTIME_COALESCE_WINDOW",
		"REALTIME_CLOSE_TIMEOUT",
		"REALTIME_ACTIVITY_CAPACITY",
		"AUTH_MODE",
		"AUTH_JWT_SECRET",
		"AUTH_ISSUER",
		"AUTH_AUDIENCE",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
