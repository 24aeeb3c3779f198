package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/lingo/internal/auth"
	"github.com/ent0n29/lingo/internal/config"
	"github.com/ent0n29/lingo/internal/credential"
	"github.com/ent0n29/lingo/internal/observability"
	"github.com/ent0n29/lingo/internal/realtime"
	"github.com/ent0n29/lingo/internal/session"
	"github.com/ent0n29/lingo/internal/transcript"
)

type testEnv struct {
	ts       *httptest.Server
	sessions *session.Manager
	verifier *auth.Verifier
}

type envOptions struct {
	minterURL    string
	apiKey       string
	withAuth     bool
	mock         realtime.MockConfig
	closeTimeout time.Duration
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Config{
		SessionInactivityTimeout: 2 * time.Minute,
		CoalesceWindow:           10 * time.Millisecond,
		CloseTimeout:             200 * time.Millisecond,
		ActivityCapacity:         50,
		AuthMode:                 "disabled",
	}
	if opts.closeTimeout > 0 {
		cfg.CloseTimeout = opts.closeTimeout
	}
	metrics := observability.NewMetrics(fmt.Sprintf("test_httpapi_%d", time.Now().UnixNano()))
	sessions := session.NewManager(cfg.SessionInactivityTimeout)

	var minter *credential.Minter
	if opts.minterURL != "" || opts.apiKey != "" {
		m, err := credential.NewMinter(credential.Config{
			APIKey:      opts.apiKey,
			BaseURL:     opts.minterURL,
			BackoffBase: time.Millisecond,
			BackoffCap:  2 * time.Millisecond,
			Logger:      logger,
			Metrics:     metrics,
		})
		if err != nil {
			t.Fatalf("NewMinter error: %v", err)
		}
		minter = m
	}

	var verifier *auth.Verifier
	if opts.withAuth {
		v, err := auth.NewVerifier(auth.Config{Secret: []byte("0123456789abcdef0123456789abcdef"), Audience: "authenticated"})
		if err != nil {
			t.Fatalf("NewVerifier error: %v", err)
		}
		verifier = v
		cfg.AuthMode = "jwt"
	}

	srv := New(cfg, Deps{
		Sessions:    sessions,
		Minter:      minter,
		Transcripts: transcript.NewService(transcript.NewInMemoryStore(), logger),
		Verifier:    verifier,
		Provider:    realtime.NewMockProvider(opts.mock),
		Metrics:     metrics,
		Logger:      logger,
	})
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, sessions: sessions, verifier: verifier}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s error = %v", method, path, err)
	}
	defer res.Body.Close()
	raw, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, raw
}

func decodeInto(t *testing.T, raw []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(raw, out); err != nil {
		t.Fatalf("decode %s: %v", raw, err)
	}
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	for _, path := range []string{"/healthz", "/readyz", "/v1/perf/latency", "/v1/onboarding/status"} {
		res, raw := env.do(t, http.MethodGet, path, "", nil)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d body=%s", path, res.StatusCode, raw)
		}
	}
	_, raw := env.do(t, http.MethodGet, "/healthz", "", nil)
	if !strings.Contains(string(raw), `"provider":"mock"`) {
		t.Fatalf("healthz body = %s", raw)
	}
}

func TestPerfLatencyReportsLifecycle(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	createSession(t, env, "")

	res, raw := env.do(t, http.MethodGet, "/v1/perf/latency", "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("perf status = %d body=%s", res.StatusCode, raw)
	}
	var perf lifecycleResponse
	decodeInto(t, raw, &perf)
	if perf.Provider != "mock" || perf.ActiveSessions != 1 {
		t.Fatalf("perf = %s", raw)
	}
	if len(perf.Stages) != 1 || perf.Stages[0].Stage != observability.StageConnect || perf.Stages[0].BudgetMS != 1500 {
		t.Fatalf("stages = %+v", perf.Stages)
	}
}

func TestRealtimeKeyMintsClientSecret(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"value":"ek_from_upstream","expires_at":1767225600}`))
	}))
	defer upstream.Close()
	env := newTestEnv(t, envOptions{minterURL: upstream.URL, apiKey: "sk-test"})

	res, raw := env.do(t, http.MethodPost, "/v1/realtime/key", "", map[string]any{"level": "advanced", "practiceMode": "free"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%s", res.StatusCode, raw)
	}
	var body struct {
		ClientSecret string `json:"clientSecret"`
		ExpiresAt    string `json:"expiresAt"`
	}
	decodeInto(t, raw, &body)
	if body.ClientSecret != "ek_from_upstream" || body.ExpiresAt == "" {
		t.Fatalf("body = %+v", body)
	}
	if res.Header.Get("Cache-Control") != "no-store" {
		t.Fatalf("Cache-Control = %q", res.Header.Get("Cache-Control"))
	}
}

func TestRealtimeKeyErrors(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":{"message":"Incorrect API key provided"}}`))
	}))
	defer upstream.Close()

	rejected := newTestEnv(t, envOptions{minterURL: upstream.URL, apiKey: "sk-bad"})
	res, raw := rejected.do(t, http.MethodPost, "/v1/realtime/key", "", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d body=%s", res.StatusCode, raw)
	}
	var body map[string]string
	decodeInto(t, raw, &body)
	if body["error"] != "Failed to create realtime session" || body["details"] != "Incorrect API key provided" {
		t.Fatalf("body = %+v", body)
	}

	unconfigured := newTestEnv(t, envOptions{minterURL: upstream.URL})
	res, raw = unconfigured.do(t, http.MethodPost, "/v1/realtime/key", "", nil)
	decodeInto(t, raw, &body)
	if res.StatusCode != http.StatusInternalServerError || body["error"] != "OpenAI API key not configured" {
		t.Fatalf("unconfigured status = %d body=%s", res.StatusCode, raw)
	}
}

func TestRealtimeOptions(t *testing.T) {
	env := newTestEnv(t, envOptions{apiKey: "sk-test"})
	res, raw := env.do(t, http.MethodGet, "/v1/realtime/options", "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d body=%s", res.StatusCode, raw)
	}
	var opts credential.Options
	decodeInto(t, raw, &opts)
	if len(opts.Levels) == 0 || len(opts.PracticeModes) != 3 {
		t.Fatalf("options = %+v", opts)
	}
}

func TestAuthenticatedRoutesRequireToken(t *testing.T) {
	env := newTestEnv(t, envOptions{withAuth: true})

	res, raw := env.do(t, http.MethodGet, "/v1/conversations", "", nil)
	if res.StatusCode != http.StatusUnauthorized || !strings.Contains(string(raw), "missing_token") {
		t.Fatalf("no token: status = %d body=%s", res.StatusCode, raw)
	}
	res, _ = env.do(t, http.MethodGet, "/v1/conversations", "garbage", nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d", res.StatusCode)
	}

	token, err := env.verifier.Issue(auth.Principal{UserID: "user-1"}, time.Minute)
	if err != nil {
		t.Fatalf("Issue error: %v", err)
	}
	res, raw = env.do(t, http.MethodGet, "/v1/conversations", token, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("valid token: status = %d body=%s", res.StatusCode, raw)
	}
}

func createSession(t *testing.T, env *testEnv, token string) string {
	t.Helper()
	res, raw := env.do(t, http.MethodPost, "/v1/conversation/sessions", token, map[string]any{
		"language":      "zh-TW",
		"level":         "beginner",
		"practice_mode": "free",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d body=%s", res.StatusCode, raw)
	}
	var created session.CreateResponse
	decodeInto(t, raw, &created)
	if created.SessionID == "" || created.Language != realtime.LanguageTraditional {
		t.Fatalf("created = %+v", created)
	}
	return created.SessionID
}

func waitForHistory(t *testing.T, env *testEnv, token, id string, turns int) []realtime.Turn {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		_, raw := env.do(t, http.MethodGet, "/v1/conversation/sessions/"+id+"/history", token, nil)
		var h historyResponse
		decodeInto(t, raw, &h)
		if len(h.History) >= turns {
			return h.History
		}
		if time.Now().After(deadline) {
			t.Fatalf("history never reached %d turns: %s", turns, raw)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestConversationSessionLifecycle(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := createSession(t, env, "")

	res, raw := env.do(t, http.MethodPost, "/v1/conversation/sessions", "", nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second create status = %d body=%s", res.StatusCode, raw)
	}

	res, raw = env.do(t, http.MethodPost, "/v1/conversation/sessions/"+id+"/messages", "", map[string]string{"text": "我想喝咖啡"})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("message status = %d body=%s", res.StatusCode, raw)
	}
	history := waitForHistory(t, env, "", id, 2)
	if history[0].Role != realtime.RoleUser || history[1].Text() != "好的！你說：我想喝咖啡" {
		t.Fatalf("history = %+v", history)
	}

	res, raw = env.do(t, http.MethodGet, "/v1/conversation/sessions/"+id+"/activity", "", nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(raw), "conversation.item.added") {
		t.Fatalf("activity status = %d body=%s", res.StatusCode, raw)
	}

	res, raw = env.do(t, http.MethodPost, "/v1/conversation/sessions/"+id+"/end", "", map[string]any{"save": true})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d body=%s", res.StatusCode, raw)
	}
	var ended endResponse
	decodeInto(t, raw, &ended)
	if !ended.Report.Verified || !ended.Report.HistoryCleared || ended.Session.Status != session.StatusEnded {
		t.Fatalf("end response = %s", raw)
	}
	if ended.ConversationID == "" || ended.SaveError != "" {
		t.Fatalf("save result = %s", raw)
	}
	if got := env.sessions.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount = %d after end", got)
	}

	res, raw = env.do(t, http.MethodPost, "/v1/conversation/sessions/"+id+"/messages", "", map[string]string{"text": "还在吗"})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("message after end status = %d body=%s", res.StatusCode, raw)
	}

	res, raw = env.do(t, http.MethodGet, "/v1/conversations/"+ended.ConversationID, "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get conversation status = %d body=%s", res.StatusCode, raw)
	}
	var saved transcript.Conversation
	decodeInto(t, raw, &saved)
	if saved.Title != "我想喝咖啡" || saved.MessageCount != 2 || saved.Level != "beginner" {
		t.Fatalf("saved = %+v", saved)
	}

	// The slot is free again.
	createSession(t, env, "")
}

func TestEndWithSaveJoiningClearingTeardownKeepsTranscript(t *testing.T) {
	env := newTestEnv(t, envOptions{
		mock:         realtime.MockConfig{CloseDelay: 300 * time.Millisecond},
		closeTimeout: 2 * time.Second,
	})
	id := createSession(t, env, "")

	res, raw := env.do(t, http.MethodPost, "/v1/conversation/sessions/"+id+"/messages", "", map[string]string{"text": "我想喝咖啡"})
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("message status = %d body=%s", res.StatusCode, raw)
	}
	waitForHistory(t, env, "", id, 2)

	_, client, err := env.sessions.Lookup(auth.Anonymous.UserID, id)
	if err != nil {
		t.Fatalf("Lookup error: %v", err)
	}
	// A teardown that discards the transcript is already running, as when
	// the stream sends "end" just before the save request arrives.
	go client.Disconnect(context.Background(), realtime.DisconnectOptions{})
	deadline := time.Now().Add(time.Second)
	for client.State() != realtime.StateDisconnecting {
		if time.Now().After(deadline) {
			t.Fatalf("teardown never started, state = %s", client.State())
		}
		time.Sleep(time.Millisecond)
	}

	res, raw = env.do(t, http.MethodPost, "/v1/conversation/sessions/"+id+"/end", "", map[string]any{"save": true})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d body=%s", res.StatusCode, raw)
	}
	var ended endResponse
	decodeInto(t, raw, &ended)
	if ended.ConversationID == "" || ended.SaveError != "" {
		t.Fatalf("transcript lost when joining a clearing teardown: %s", raw)
	}

	res, raw = env.do(t, http.MethodGet, "/v1/conversations/"+ended.ConversationID, "", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get conversation status = %d body=%s", res.StatusCode, raw)
	}
	var saved transcript.Conversation
	decodeInto(t, raw, &saved)
	if saved.MessageCount != 2 || saved.Title != "我想喝咖啡" {
		t.Fatalf("saved = %+v", saved)
	}
}

func TestHistoryReportsLastDisconnect(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := createSession(t, env, "")

	_, raw := env.do(t, http.MethodGet, "/v1/conversation/sessions/"+id+"/history", "", nil)
	if strings.Contains(string(raw), "last_disconnect_at") {
		t.Fatalf("live session should not report a disconnect: %s", raw)
	}

	before := time.Now()
	res, raw := env.do(t, http.MethodPost, "/v1/conversation/sessions/"+id+"/end", "", map[string]any{"keep_history": true})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d body=%s", res.StatusCode, raw)
	}

	_, raw = env.do(t, http.MethodGet, "/v1/conversation/sessions/"+id+"/history", "", nil)
	var h historyResponse
	decodeInto(t, raw, &h)
	if h.LastDisconnectAt.IsZero() || h.LastDisconnectAt.Before(before.Add(-time.Second)) {
		t.Fatalf("last_disconnect_at = %v, want the end time: %s", h.LastDisconnectAt, raw)
	}
	if h.State != realtime.StateIdle {
		t.Fatalf("state = %q, want idle", h.State)
	}
}

func TestConversationCRUD(t *testing.T) {
	env := newTestEnv(t, envOptions{withAuth: true})
	owner, _ := env.verifier.Issue(auth.Principal{UserID: "owner"}, time.Minute)
	other, _ := env.verifier.Issue(auth.Principal{UserID: "other"}, time.Minute)

	res, raw := env.do(t, http.MethodPost, "/v1/conversations", owner, map[string]any{
		"messages": []map[string]any{
			{"role": "user", "content": []map[string]string{{"type": "text", "text": "hi"}}},
			{"role": "assistant", "content": []map[string]string{}},
			{"content": []map[string]string{{"type": "text", "text": "x"}}},
		},
		"level": "intermediate",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("save status = %d body=%s", res.StatusCode, raw)
	}
	var saved saveConversationResponse
	decodeInto(t, raw, &saved)
	if saved.Conversation.MessageCount != 1 || len(saved.Dropped) != 2 {
		t.Fatalf("saved = %s", raw)
	}
	id := saved.Conversation.ID

	res, raw = env.do(t, http.MethodPost, "/v1/conversations", owner, map[string]any{"messages": []any{}})
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("empty save status = %d body=%s", res.StatusCode, raw)
	}

	res, _ = env.do(t, http.MethodGet, "/v1/conversations/"+id, other, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign get status = %d", res.StatusCode)
	}

	res, raw = env.do(t, http.MethodPatch, "/v1/conversations/"+id, owner, map[string]string{"title": "Greetings"})
	if res.StatusCode != http.StatusOK || !strings.Contains(string(raw), `"title":"Greetings"`) {
		t.Fatalf("patch status = %d body=%s", res.StatusCode, raw)
	}

	res, raw = env.do(t, http.MethodGet, "/v1/conversations?limit=10", owner, nil)
	var listed struct {
		Conversations []transcript.Conversation `json:"conversations"`
	}
	decodeInto(t, raw, &listed)
	if res.StatusCode != http.StatusOK || len(listed.Conversations) != 1 || listed.Conversations[0].Messages != nil {
		t.Fatalf("list status = %d body=%s", res.StatusCode, raw)
	}
	res, _ = env.do(t, http.MethodGet, "/v1/conversations?limit=-1", owner, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", res.StatusCode)
	}

	res, _ = env.do(t, http.MethodDelete, "/v1/conversations/"+id, other, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign delete status = %d", res.StatusCode)
	}
	res, _ = env.do(t, http.MethodDelete, "/v1/conversations/"+id, owner, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete status = %d", res.StatusCode)
	}
	res, _ = env.do(t, http.MethodGet, "/v1/conversations/"+id, owner, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("get after delete status = %d", res.StatusCode)
	}
}

func TestSessionsAreUserScoped(t *testing.T) {
	env := newTestEnv(t, envOptions{withAuth: true})
	owner, _ := env.verifier.Issue(auth.Principal{UserID: "owner"}, time.Minute)
	other, _ := env.verifier.Issue(auth.Principal{UserID: "other"}, time.Minute)
	id := createSession(t, env, owner)
	t.Cleanup(func() { env.do(t, http.MethodPost, "/v1/conversation/sessions/"+id+"/end", owner, nil) })

	for _, path := range []string{"/history", "/activity"} {
		res, _ := env.do(t, http.MethodGet, "/v1/conversation/sessions/"+id+path, other, nil)
		if res.StatusCode != http.StatusNotFound {
			t.Fatalf("foreign %s status = %d", path, res.StatusCode)
		}
	}
	res, _ := env.do(t, http.MethodPost, "/v1/conversation/sessions/"+id+"/end", other, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign end status = %d", res.StatusCode)
	}
	createSession(t, env, other)
}

type wsMessage struct {
	Type      string                  `json:"type"`
	History   []realtime.Turn         `json:"history"`
	Streaming string                  `json:"streaming"`
	Report    realtime.TeardownReport `json:"report"`
	Code      string                  `json:"code"`
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(wsMessage) bool) wsMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg wsMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read websocket: %v", err)
		}
		if match(msg) {
			return msg
		}
	}
}

func TestSessionWebSocketStream(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	id := createSession(t, env, "")

	wsURL := "ws" + strings.TrimPrefix(env.ts.URL, "http") + "/v1/conversation/sessions/ws?session_id=" + id
	conn, res, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v (response %v)", err, res)
	}
	defer conn.Close()

	readUntil(t, conn, func(m wsMessage) bool { return m.Type == "connected" })

	if err := conn.WriteJSON(map[string]string{"type": "client_text", "session_id": id, "text": "你好"}); err != nil {
		t.Fatalf("write client_text: %v", err)
	}
	got := readUntil(t, conn, func(m wsMessage) bool {
		return m.Type == "transcript_updated" && len(m.History) == 2
	})
	if got.History[1].Text() != "好的！你說：你好" {
		t.Fatalf("assistant turn = %+v", got.History[1])
	}

	if err := conn.WriteJSON(map[string]string{"type": "client_control", "session_id": id, "action": "bogus"}); err != nil {
		t.Fatalf("write bad control: %v", err)
	}
	bad := readUntil(t, conn, func(m wsMessage) bool { return m.Type == "error_event" })
	if bad.Code != "invalid_client_message" {
		t.Fatalf("error code = %q", bad.Code)
	}

	if err := conn.WriteJSON(map[string]string{"type": "client_control", "session_id": id, "action": "end"}); err != nil {
		t.Fatalf("write end: %v", err)
	}
	done := readUntil(t, conn, func(m wsMessage) bool { return m.Type == "disconnected" })
	if !done.Report.Verified || !done.Report.HistoryCleared {
		t.Fatalf("report = %+v", done.Report)
	}
	if got := env.sessions.ActiveCount(); got != 0 {
		t.Fatalf("ActiveCount = %d after ws end", got)
	}
}

func TestSessionWebSocketRejectsUnknownSession(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	res, raw := env.do(t, http.MethodGet, "/v1/conversation/sessions/ws?session_id=missing", "", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d body=%s", res.StatusCode, raw)
	}
}
