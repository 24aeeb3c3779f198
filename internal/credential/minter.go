package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ent0n29/lingo/internal/observability"
	"github.com/ent0n29/lingo/internal/policy"
	"github.com/ent0n29/lingo/internal/reliability"
)

var (
	ErrNotConfigured   = errors.New("realtime api key not configured")
	ErrInvalidResponse = errors.New("invalid response from realtime api")
	ErrRejectedContent = errors.New("practice content rejected")
)

// UpstreamError is a non-2xx answer from the client-secret endpoint.
type UpstreamError struct {
	Status int
	Detail string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("create realtime client secret: status %d: %s", e.Status, e.Detail)
}

func (e *UpstreamError) Retryable() bool { return reliability.IsRetryableHTTPStatus(e.Status) }

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	// Transcriber names the input transcription model. Empty leaves the
	// learner's audio untranscribed.
	Transcriber string
	Timeout     time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	BackoffCap  time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
	Metrics     *observability.Metrics
}

// Credential is a short-lived client secret for one realtime session.
type Credential struct {
	Value     string
	ExpiresAt time.Time
}

// Minter exchanges the long-lived API key for ephemeral realtime client
// secrets with tutor instructions baked into the session.
type Minter struct {
	cfg      Config
	client   *http.Client
	renderer *Renderer
	logger   *slog.Logger
	metrics  *observability.Metrics
}

func NewMinter(cfg Config) (*Minter, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.openai.com"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "gpt-realtime"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 250 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 2 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	renderer, err := NewRenderer()
	if err != nil {
		return nil, err
	}
	return &Minter{
		cfg:      cfg,
		client:   client,
		renderer: renderer,
		logger:   cfg.Logger.With("component", "credential_minter"),
		metrics:  cfg.Metrics,
	}, nil
}

func (m *Minter) Configured() bool { return strings.TrimSpace(m.cfg.APIKey) != "" }

func (m *Minter) Renderer() *Renderer { return m.renderer }

type sessionConfig struct {
	Type         string       `json:"type"`
	Model        string       `json:"model"`
	Instructions string       `json:"instructions"`
	Tools        []any        `json:"tools"`
	Audio        *audioConfig `json:"audio,omitempty"`
}

type audioConfig struct {
	Input audioInputConfig `json:"input"`
}

type audioInputConfig struct {
	Transcription *transcriptionConfig `json:"transcription,omitempty"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type clientSecretResponse struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

// Mint renders the tutor instructions for req and requests a client secret.
// Retryable upstream failures are retried with capped exponential backoff.
func (m *Minter) Mint(ctx context.Context, req Request) (Credential, error) {
	start := time.Now()
	if !m.Configured() {
		m.metrics.ObserveCredential("not_configured", 0)
		return Credential{}, ErrNotConfigured
	}
	screened := policy.ScreenPracticeContent(req.PracticeContent)
	if screened.Blocked {
		m.metrics.ObserveCredential("rejected", 0)
		return Credential{}, fmt.Errorf("%w: %s", ErrRejectedContent, screened.Reason)
	}
	req.PracticeContent = screened.Sanitized

	instructions, err := m.renderer.Instructions(req)
	if err != nil {
		return Credential{}, err
	}
	sc := sessionConfig{
		Type:         "realtime",
		Model:        m.cfg.Model,
		Instructions: instructions,
		Tools:        []any{},
	}
	if model := strings.TrimSpace(m.cfg.Transcriber); model != "" {
		sc.Audio = &audioConfig{Input: audioInputConfig{Transcription: &transcriptionConfig{Model: model}}}
	}
	body, err := json.Marshal(map[string]sessionConfig{"session": sc})
	if err != nil {
		return Credential{}, fmt.Errorf("marshal session config: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, m.cfg.BackoffBase, m.cfg.BackoffCap)
			m.logger.Warn("retrying client secret request", "attempt", attempt+1, "backoff", wait, "error", lastErr)
			if err := reliability.Sleep(ctx, wait); err != nil {
				return Credential{}, err
			}
		}
		cred, err := m.requestSecret(ctx, body)
		if err == nil {
			m.metrics.ObserveCredential("minted", time.Since(start))
			m.logger.Info("minted realtime client secret",
				"secret", policy.MaskSecret(cred.Value),
				"expires_at", cred.ExpiresAt,
				"attempts", attempt+1,
			)
			return cred, nil
		}
		lastErr = err
		var upstream *UpstreamError
		if errors.As(err, &upstream) && !upstream.Retryable() {
			break
		}
		if errors.Is(err, ErrInvalidResponse) || ctx.Err() != nil {
			break
		}
	}
	m.metrics.ObserveCredential("failed", time.Since(start))
	return Credential{}, lastErr
}

func (m *Minter) requestSecret(ctx context.Context, body []byte) (Credential, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, m.cfg.BaseURL+"/v1/realtime/client_secrets", bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+m.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := m.client.Do(httpReq)
	if err != nil {
		return Credential{}, fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, 64<<10))
	if err != nil {
		return Credential{}, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Credential{}, &UpstreamError{Status: res.StatusCode, Detail: upstreamDetail(raw)}
	}

	var out clientSecretResponse
	if err := json.Unmarshal(raw, &out); err != nil || strings.TrimSpace(out.Value) == "" {
		return Credential{}, ErrInvalidResponse
	}
	cred := Credential{Value: out.Value}
	if out.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(out.ExpiresAt, 0).UTC()
	}
	return cred, nil
}

// upstreamDetail extracts a human readable message from an error body,
// accepting {"message"}, {"error":{"message"}} or plain text.
func upstreamDetail(raw []byte) string {
	var body struct {
		Message string `json:"message"`
		Error   *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &body); err == nil {
		if body.Message != "" {
			return body.Message
		}
		if body.Error != nil && body.Error.Message != "" {
			return body.Error.Message
		}
	}
	text := strings.TrimSpace(string(raw))
	if text == "" {
		return "Unknown error"
	}
	return text
}
