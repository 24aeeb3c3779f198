package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ent0n29/lingo/internal/app"
	"github.com/ent0n29/lingo/internal/config"
	"github.com/ent0n29/lingo/internal/realtime"
)

func TestWSURLFor(t *testing.T) {
	got, err := wsURLFor("https://lingo.example.com/api", "/v1/conversation/sessions/ws?session_id=abc")
	if err != nil {
		t.Fatalf("wsURLFor() error = %v", err)
	}
	if got != "wss://lingo.example.com/api/v1/conversation/sessions/ws?session_id=abc" {
		t.Fatalf("wsURLFor() = %q", got)
	}
	if _, err := wsURLFor("ftp://host", "/ws"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestSplitTexts(t *testing.T) {
	got := splitTexts(" 你好 || 謝謝 |")
	if strings.Join(got, ",") != "你好,謝謝" {
		t.Fatalf("splitTexts() = %q", got)
	}
}

func TestAssistantReply(t *testing.T) {
	turn := func(role realtime.Role, text string) realtime.Turn {
		return realtime.Turn{Role: role, Content: []realtime.ContentBlock{{Type: realtime.BlockText, Text: text}}}
	}
	if _, ok := assistantReply([]realtime.Turn{turn(realtime.RoleUser, "hi")}); ok {
		t.Fatalf("user turn treated as reply")
	}
	got, ok := assistantReply([]realtime.Turn{turn(realtime.RoleUser, "hi"), turn(realtime.RoleAssistant, " 你好 ")})
	if !ok || got != "你好" {
		t.Fatalf("assistantReply() = %q, %v", got, ok)
	}
}

func TestRunAgainstMockServer(t *testing.T) {
	cfg := config.Config{
		MetricsNamespace:         fmt.Sprintf("test_probe_%d", time.Now().UnixNano()),
		SessionInactivityTimeout: time.Minute,
		ShutdownTimeout:          time.Second,
		RealtimeProvider:         "mock",
		AuthMode:                 "disabled",
		MintMaxAttempts:          1,
		CoalesceWindow:           10 * time.Millisecond,
		CloseTimeout:             100 * time.Millisecond,
		ActivityCapacity:         50,
	}
	built, err := app.Build(context.Background(), cfg, app.NewLogger(cfg, io.Discard))
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	defer built.Cleanup()
	srv := httptest.NewServer(built.API.Router())
	defer srv.Close()

	unverified, err := run(options{
		baseURL:     srv.URL,
		language:    "traditional",
		level:       "beginner",
		cycles:      2,
		texts:       []string{"我想喝咖啡"},
		chunkMS:     40,
		turnTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("run() error = %v", err)
	}
	if unverified != 0 {
		t.Fatalf("unverified = %d, want 0", unverified)
	}
	if n := built.Sessions.ActiveCount(); n != 0 {
		t.Fatalf("ActiveCount() = %d after probe, want 0", n)
	}
	res, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("healthz: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d after probe", res.StatusCode)
	}
}
