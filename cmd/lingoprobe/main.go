// Command lingoprobe drives a running lingo server through repeated
// connect, exchange and disconnect cycles and checks every teardown report.
package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	nanoid "github.com/matoous/go-nanoid/v2"

	"github.com/ent0n29/lingo/internal/audio"
	"github.com/ent0n29/lingo/internal/auth"
	"github.com/ent0n29/lingo/internal/protocol"
	"github.com/ent0n29/lingo/internal/realtime"
	"github.com/ent0n29/lingo/internal/session"
)

type options struct {
	baseURL     string
	token       string
	jwtSecret   string
	jwtIssuer   string
	jwtAudience string
	language    string
	level       string
	cycles      int
	texts       []string
	wavPath     string
	dumpWAV     string
	chunkMS     int
	turnTimeout time.Duration
	keepHistory bool
	verbose     bool
}

type wsEnvelope struct {
	Type      string                   `json:"type"`
	Code      string                   `json:"code,omitempty"`
	Detail    string                   `json:"detail,omitempty"`
	History   []realtime.Turn          `json:"history,omitempty"`
	Streaming string                   `json:"streaming,omitempty"`
	Report    *realtime.TeardownReport `json:"report,omitempty"`
}

type cycleResult struct {
	SessionID   string
	ConnectTook time.Duration
	ReplyTook   time.Duration
	Reply       string
	Report      realtime.TeardownReport
}

var defaultUtterances = []string{
	"你好！",
	"我想喝咖啡",
	"今天天氣怎麼樣？",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "lingoprobe: %v\n", err)
		os.Exit(2)
	}
	unverified, err := run(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lingoprobe: %v\n", err)
		os.Exit(1)
	}
	if unverified > 0 {
		fmt.Fprintf(os.Stderr, "lingoprobe: %d of %d teardowns unverified\n", unverified, cfg.cycles)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "lingo base URL")
	flag.StringVar(&cfg.token, "token", "", "bearer token (overrides -jwt-secret)")
	flag.StringVar(&cfg.jwtSecret, "jwt-secret", os.Getenv("AUTH_JWT_SECRET"), "HS256 secret used to sign a probe token")
	flag.StringVar(&cfg.jwtIssuer, "jwt-issuer", os.Getenv("AUTH_ISSUER"), "iss claim for the probe token")
	flag.StringVar(&cfg.jwtAudience, "jwt-audience", "authenticated", "aud claim for the probe token")
	flag.StringVar(&cfg.language, "language", "traditional", "tutor language")
	flag.StringVar(&cfg.level, "level", "beginner", "learner level")
	flag.IntVar(&cfg.cycles, "cycles", 3, "number of connect/disconnect cycles")
	flag.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	flag.StringVar(&cfg.wavPath, "wav", "", "PCM16 WAV file streamed as microphone audio instead of text")
	flag.StringVar(&cfg.dumpWAV, "dump-wav", "", "write the mono PCM actually streamed to this WAV path")
	flag.IntVar(&cfg.chunkMS, "chunk-ms", 40, "audio chunk size in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 15000, "timeout waiting for the tutor reply in milliseconds")
	flag.BoolVar(&cfg.keepHistory, "keep-history", false, "end with end_keep_history instead of end")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.cycles <= 0 {
		return options{}, fmt.Errorf("cycles must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	cfg.texts = splitTexts(textsRaw)
	if len(cfg.texts) == 0 {
		cfg.texts = append([]string(nil), defaultUtterances...)
	}
	return cfg, nil
}

func splitTexts(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func run(cfg options) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	token, err := resolveToken(cfg)
	if err != nil {
		return 0, err
	}

	var pcm []byte
	sampleRate := audio.DefaultSampleRate
	if cfg.wavPath != "" {
		raw, err := os.ReadFile(cfg.wavPath)
		if err != nil {
			return 0, fmt.Errorf("read wav: %w", err)
		}
		pcm, sampleRate, err = audio.DecodeWAVPCM16(raw)
		if err != nil {
			return 0, fmt.Errorf("decode wav: %w", err)
		}
		if cfg.dumpWAV != "" {
			if err := audio.DumpWAV(cfg.dumpWAV, pcm, sampleRate); err != nil {
				return 0, fmt.Errorf("dump wav: %w", err)
			}
		}
	}

	httpClient := &http.Client{Timeout: 45 * time.Second}
	unverified := 0
	for i := 0; i < cfg.cycles; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		res, err := runCycle(ctx, httpClient, cfg, token, text, pcm, sampleRate)
		if err != nil {
			return unverified, fmt.Errorf("cycle %d: %w", i+1, err)
		}
		if !res.Report.Verified {
			unverified++
		}
		if cfg.verbose {
			fmt.Printf("lingoprobe: cycle %d/%d session=%s connect=%s reply=%s verified=%t failed=%v close_timed_out=%t\n",
				i+1, cfg.cycles, res.SessionID,
				res.ConnectTook.Round(time.Millisecond), res.ReplyTook.Round(time.Millisecond),
				res.Report.Verified, res.Report.FailedChecks, res.Report.CloseTimedOut)
			fmt.Printf("lingoprobe:   tutor: %s\n", res.Reply)
		}
	}
	return unverified, nil
}

func resolveToken(cfg options) (string, error) {
	if cfg.token != "" || cfg.jwtSecret == "" {
		return cfg.token, nil
	}
	verifier, err := auth.NewVerifier(auth.Config{
		Secret:   []byte(cfg.jwtSecret),
		Issuer:   cfg.jwtIssuer,
		Audience: cfg.jwtAudience,
	})
	if err != nil {
		return "", fmt.Errorf("probe token: %w", err)
	}
	suffix, err := nanoid.New(10)
	if err != nil {
		return "", err
	}
	return verifier.Issue(auth.Principal{UserID: "probe-" + suffix, Role: "authenticated"}, 15*time.Minute)
}

func runCycle(ctx context.Context, client *http.Client, cfg options, token, text string, pcm []byte, sampleRate int) (cycleResult, error) {
	start := time.Now()
	created, err := createSession(ctx, client, cfg, token)
	if err != nil {
		return cycleResult{}, fmt.Errorf("create session: %w", err)
	}
	res := cycleResult{SessionID: created.SessionID, ConnectTook: time.Since(start)}

	wsURL, err := wsURLFor(cfg.baseURL, created.WebSocketPath)
	if err != nil {
		return res, fmt.Errorf("build ws URL: %w", err)
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return res, fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	events := make(chan wsEnvelope, 64)
	readErrCh := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)
	go readLoop(conn, events, readErrCh, done, cfg.verbose)

	sent := time.Now()
	if len(pcm) > 0 {
		err = sendAudio(conn, created.SessionID, pcm, sampleRate, cfg.chunkMS)
	} else {
		err = conn.WriteJSON(protocol.ClientText{
			Type:      protocol.TypeClientText,
			SessionID: created.SessionID,
			Text:      text,
		})
	}
	if err != nil {
		return res, fmt.Errorf("send: %w", err)
	}

	reply, err := awaitReply(events, readErrCh, cfg.turnTimeout)
	if err != nil {
		return res, fmt.Errorf("await reply: %w", err)
	}
	res.Reply = reply
	res.ReplyTook = time.Since(sent)

	action := protocol.ActionEnd
	if cfg.keepHistory {
		action = protocol.ActionEndKeepHistory
	}
	if err := conn.WriteJSON(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: created.SessionID,
		Action:    action,
		Reason:    "probe_cycle_end",
		TSMs:      time.Now().UnixMilli(),
	}); err != nil {
		return res, fmt.Errorf("send end: %w", err)
	}
	report, err := awaitDisconnected(events, readErrCh, cfg.turnTimeout)
	if err != nil {
		return res, fmt.Errorf("await disconnected: %w", err)
	}
	res.Report = report
	return res, nil
}

func createSession(ctx context.Context, client *http.Client, cfg options, token string) (session.CreateResponse, error) {
	payload, err := json.Marshal(session.CreateRequest{Language: cfg.language, Level: cfg.level})
	if err != nil {
		return session.CreateResponse{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/conversation/sessions", bytes.NewReader(payload))
	if err != nil {
		return session.CreateResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := client.Do(req)
	if err != nil {
		return session.CreateResponse{}, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return session.CreateResponse{}, err
	}
	if res.StatusCode != http.StatusCreated {
		return session.CreateResponse{}, fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out session.CreateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return session.CreateResponse{}, err
	}
	if out.SessionID == "" || out.WebSocketPath == "" {
		return session.CreateResponse{}, fmt.Errorf("incomplete create response: %s", strings.TrimSpace(string(body)))
	}
	return out, nil
}

func wsURLFor(baseURL, wsPath string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	ref, err := url.Parse(wsPath)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimRight(u.Path, "/") + ref.Path
	u.RawQuery = ref.RawQuery
	return u.String(), nil
}

func readLoop(conn *websocket.Conn, events chan<- wsEnvelope, readErrCh chan<- error, done <-chan struct{}, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if env.Type == string(protocol.TypeErrorEvent) && verbose {
			fmt.Fprintf(os.Stderr, "lingoprobe: error_event code=%s detail=%s\n", env.Code, env.Detail)
		}
		select {
		case events <- env:
		case <-done:
			return
		}
	}
}

func sendAudio(conn *websocket.Conn, sessionID string, pcm []byte, sampleRate, chunkMS int) error {
	for i, chunk := range audio.Chunks(pcm, sampleRate, chunkMS) {
		msg := protocol.ClientAudioChunk{
			Type:        protocol.TypeClientAudioChunk,
			SessionID:   sessionID,
			Seq:         i + 1,
			PCM16Base64: base64.StdEncoding.EncodeToString(chunk),
			SampleRate:  sampleRate,
			TSMs:        time.Now().UnixMilli(),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
		time.Sleep(time.Duration(chunkMS) * time.Millisecond)
	}
	return nil
}

// awaitReply waits for a transcript snapshot whose last turn is a finished
// assistant reply.
func awaitReply(events <-chan wsEnvelope, readErrCh <-chan error, timeout time.Duration) (string, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env := <-events:
			if env.Type != string(protocol.TypeTranscriptUpdated) || env.Streaming != "" {
				continue
			}
			if reply, ok := assistantReply(env.History); ok {
				return reply, nil
			}
		case err := <-readErrCh:
			return "", err
		case <-timer.C:
			return "", fmt.Errorf("timeout after %s", timeout)
		}
	}
}

func assistantReply(history []realtime.Turn) (string, bool) {
	if len(history) == 0 {
		return "", false
	}
	last := history[len(history)-1]
	if last.Role != realtime.RoleAssistant {
		return "", false
	}
	text := strings.TrimSpace(last.Text())
	return text, text != ""
}

func awaitDisconnected(events <-chan wsEnvelope, readErrCh <-chan error, timeout time.Duration) (realtime.TeardownReport, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env := <-events:
			if env.Type == string(protocol.TypeDisconnected) && env.Report != nil {
				return *env.Report, nil
			}
		case err := <-readErrCh:
			return realtime.TeardownReport{}, err
		case <-timer.C:
			return realtime.TeardownReport{}, fmt.Errorf("timeout after %s", timeout)
		}
	}
}
