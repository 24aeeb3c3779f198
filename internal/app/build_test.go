package app

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/lingo/internal/config"
	"github.com/ent0n29/lingo/internal/realtime"
	"github.com/ent0n29/lingo/internal/session"
	"github.com/ent0n29/lingo/internal/transcript"
)

func testConfig() config.Config {
	return config.Config{
		MetricsNamespace:         fmt.Sprintf("test_app_%d", time.Now().UnixNano()),
		SessionInactivityTimeout: time.Minute,
		ShutdownTimeout:          time.Second,
		RealtimeProvider:         "auto",
		AuthMode:                 "disabled",
		MintMaxAttempts:          1,
		CoalesceWindow:           10 * time.Millisecond,
		CloseTimeout:             100 * time.Millisecond,
	}
}

func TestBuildFallsBackToMockProvider(t *testing.T) {
	res, err := Build(context.Background(), testConfig(), NewLogger(config.Config{}, io.Discard))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !strings.HasPrefix(res.ProviderDetail, "mock") {
		t.Fatalf("ProviderDetail = %q", res.ProviderDetail)
	}
	if res.StoreBackend != transcript.BackendMemory {
		t.Fatalf("StoreBackend = %q, want memory without DATABASE_URL", res.StoreBackend)
	}
	if err := res.Cleanup(); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
}

func TestBuildRejectsOpenAIWithoutKey(t *testing.T) {
	cfg := testConfig()
	cfg.RealtimeProvider = "openai"
	if _, err := Build(context.Background(), cfg, nil); err == nil || !strings.Contains(err.Error(), "OPENAI_API_KEY") {
		t.Fatalf("Build() err = %v", err)
	}
}

func TestCleanupDisconnectsLiveConversations(t *testing.T) {
	res, err := Build(context.Background(), testConfig(), NewLogger(config.Config{}, io.Discard))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	client := realtime.NewClient(realtime.NewMockProvider(realtime.MockConfig{}), realtime.Options{})
	if err := client.Connect(context.Background(), "ek_test", "zh-TW"); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if _, err := res.Sessions.Create("u1", client, sessionMeta()); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := res.Cleanup(); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if client.State() != realtime.StateIdle {
		t.Fatalf("client state = %q after cleanup", client.State())
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(config.Config{LogFormat: "json", LogLevel: "warn"}, &buf).Info("hidden")
	NewLogger(config.Config{LogFormat: "json", LogLevel: "warn"}, &buf).Warn("shown", "k", "v")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, `"msg":"shown"`) {
		t.Fatalf("log output = %q", out)
	}
}

func sessionMeta() session.Meta { return session.Meta{Language: realtime.LanguageTraditional} }
