package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ent0n29/lingo/internal/observability"
)

const (
	defaultCoalesceWindow = 100 * time.Millisecond
	defaultCloseTimeout   = 500 * time.Millisecond
)

var errConnectAborted = errors.New("connect aborted by teardown")

// Observer receives lifecycle notifications. Any field may be nil.
type Observer struct {
	OnConnected    func()
	OnDisconnected func(TeardownReport)
	OnTranscript   func(TranscriptUpdate)
	OnError        func(error)
}

type Options struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics

	// CoalesceWindow bounds how often streaming text deltas notify
	// transcript observers.
	CoalesceWindow time.Duration
	// CloseTimeout bounds the provider's own close handshake during
	// teardown. Expiry is advisory: teardown proceeds regardless.
	CloseTimeout     time.Duration
	ActivityCapacity int
	Now              func() time.Time
}

// DisconnectOptions selects what teardown does with the transcript.
// The zero value clears it.
type DisconnectOptions struct {
	KeepHistory bool
}

// owned holds at most one exclusively owned handle. release hands the value
// back exactly once and leaves the slot empty.
type owned[T any] struct {
	v  T
	ok bool
}

func (o *owned[T]) set(v T) {
	o.v = v
	o.ok = true
}

func (o *owned[T]) get() (T, bool) { return o.v, o.ok }

func (o *owned[T]) release() (T, bool) {
	v, ok := o.v, o.ok
	var zero T
	o.v, o.ok = zero, false
	return v, ok
}

func (o *owned[T]) present() bool { return o.ok }

type observerEntry struct {
	id  uint64
	obs Observer
}

// Client owns one realtime provider connection at a time, assembles the
// provider's event stream into an ordered transcript, and guarantees that
// teardown releases every resource the connection acquired. A Client is
// reusable across connect/disconnect cycles.
type Client struct {
	provider Provider
	logger   *slog.Logger
	metrics  *observability.Metrics
	window   time.Duration
	closeTTL time.Duration
	now      func() time.Time

	mu          sync.Mutex
	state       ConnectionState
	connected   bool
	gen         uint64
	session     owned[Session]
	agent       owned[*Agent]
	history     []Turn
	userItems   map[string]int // provider item id -> index in history
	pending     *Turn
	userTurnAt  time.Time
	flushTimer  *time.Timer
	flushSeq    uint64
	connectDone chan struct{}
	lastClosed  time.Time

	activity *activityLog

	// notifyMu serializes transcript notifications so observers see
	// snapshots in the order they were taken.
	notifyMu sync.Mutex

	obsMu     sync.RWMutex
	observers []observerEntry
	nextObsID uint64

	teardown    singleflight.Group
	dispatching atomic.Int32
}

func NewClient(provider Provider, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CoalesceWindow <= 0 {
		opts.CoalesceWindow = defaultCoalesceWindow
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = defaultCloseTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		provider: provider,
		logger:   opts.Logger.With("component", "realtime_client", "provider", provider.Name()),
		metrics:  opts.Metrics,
		window:   opts.CoalesceWindow,
		closeTTL: opts.CloseTimeout,
		now:      opts.Now,
		state:    StateIdle,
		activity: newActivityLog(opts.ActivityCapacity),
	}
}

// Subscribe registers an observer and returns a func that removes it.
// Observers are notified in registration order.
func (c *Client) Subscribe(o Observer) (unsubscribe func()) {
	c.obsMu.Lock()
	c.nextObsID++
	id := c.nextObsID
	c.observers = append(c.observers, observerEntry{id: id, obs: o})
	c.obsMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.obsMu.Lock()
			defer c.obsMu.Unlock()
			for i, e := range c.observers {
				if e.id == id {
					c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
					return
				}
			}
		})
	}
}

func (c *Client) observerList() []Observer {
	c.obsMu.RLock()
	defer c.obsMu.RUnlock()
	out := make([]Observer, len(c.observers))
	for i, e := range c.observers {
		out[i] = e.obs
	}
	return out
}

func (c *Client) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// History returns a copy of the completed turns in chronological order.
func (c *Client) History() []Turn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cloneTurns(c.history)
}

// ClearHistory drops the transcript and any in-progress assistant turn.
func (c *Client) ClearHistory() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.history = nil
	c.userItems = nil
	c.pending = nil
}

func (c *Client) NetworkActivity() NetworkActivity {
	return c.activity.snapshot(c.now())
}

// LastDisconnectAt is the completion time of the most recent teardown.
func (c *Client) LastDisconnectAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastClosed
}

// Connect opens a provider session with a short-lived credential. It is
// only valid from the idle state. On failure every partially constructed
// resource is discarded and the client is idle again.
func (c *Client) Connect(ctx context.Context, credential, languageTag string) error {
	if strings.TrimSpace(credential) == "" {
		err := &ConnectionError{Stage: "credential", Err: ErrEmptyCredential}
		c.emitError(err)
		return err
	}

	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("%w (state %s)", ErrAlreadyActive, state)
	}
	c.state = StateConnecting
	c.gen++
	gen := c.gen
	done := make(chan struct{})
	c.connectDone = done
	c.mu.Unlock()

	start := c.now()
	agent := NewAgent(languageTag)

	sess, err := c.provider.NewSession(agent)
	if err != nil {
		return c.failConnect(gen, done, nil, start, &ConnectionError{Stage: "session", Err: err})
	}
	// Subscribe before the network connection opens so early events are
	// not lost.
	sess.OnEvent(func(ev Event) { c.handleEvent(gen, ev) })

	c.mu.Lock()
	if c.gen == gen {
		c.session.set(sess)
		c.agent.set(agent)
	}
	c.mu.Unlock()

	if err := sess.Connect(ctx, credential); err != nil {
		return c.failConnect(gen, done, sess, start, &ConnectionError{Stage: "connect", Err: err})
	}

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return c.failConnect(gen, done, sess, start, &ConnectionError{Stage: "connect", Err: errConnectAborted})
	}
	c.state = StateConnected
	c.connected = true
	c.activity.setActive(true)
	c.connectDone = nil
	close(done)
	c.mu.Unlock()

	c.metrics.ObserveConnect("connected", c.now().Sub(start))
	c.logger.Info("realtime session connected", "agent", agent.Name, "language", agent.Language)

	for _, o := range c.observerList() {
		if o.OnConnected != nil {
			o.OnConnected()
		}
	}
	return nil
}

func (c *Client) failConnect(gen uint64, done chan struct{}, sess Session, start time.Time, cerr *ConnectionError) error {
	if sess != nil {
		if _, err := sess.StopAllMedia(); err != nil {
			c.logger.Warn("discard media after failed connect", "error", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.closeTTL)
		if err := sess.Disconnect(ctx); err != nil {
			c.logger.Debug("discard session after failed connect", "error", err)
		}
		cancel()
	}

	c.mu.Lock()
	if c.gen == gen {
		c.session.release()
		c.agent.release()
		c.pending = nil
		c.connected = false
		c.state = StateIdle
		c.connectDone = nil
	}
	c.mu.Unlock()
	close(done)

	c.metrics.ObserveConnect("failed", c.now().Sub(start))
	c.logger.Warn("realtime connect failed", "stage", cerr.Stage, "error", cerr.Err)
	c.emitError(cerr)
	return cerr
}

// SendText adds a user text message and asks the provider to respond.
func (c *Client) SendText(ctx context.Context, text string) error {
	sess, err := c.liveSession()
	if err != nil {
		return err
	}
	return sess.SendText(ctx, text)
}

// AppendAudio streams captured PCM into the provider session.
func (c *Client) AppendAudio(pcm []byte) error {
	sess, err := c.liveSession()
	if err != nil {
		return err
	}
	return sess.AppendAudio(pcm)
}

func (c *Client) liveSession() (Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess, ok := c.session.get()
	if !ok || !c.connected {
		return nil, ErrNotConnected
	}
	return sess, nil
}

// Disconnect tears the session down and reports what was released. It
// never fails: individual step failures are recorded in the report.
// Concurrent callers share a single teardown and receive the same report;
// options of callers that join an in-flight teardown are ignored. Calling
// Disconnect while Connect is in flight waits for Connect to settle first.
//
// OnDisconnected observers run after the shared teardown has finished, so
// an observer may call Disconnect again. Every caller returns only after
// observers have been notified. A teardown that found nothing to release
// while observers are being notified notifies no one.
func (c *Client) Disconnect(ctx context.Context, opts DisconnectOptions) TeardownReport {
	leader := false
	v, _, _ := c.teardown.Do("teardown", func() (any, error) {
		leader = true
		return c.performTeardown(ctx, opts), nil
	})
	res := v.(*teardownResult)
	if !leader {
		<-res.dispatched
		return res.report.Clone()
	}
	defer close(res.dispatched)
	if res.released || c.dispatching.Load() == 0 {
		c.dispatching.Add(1)
		defer c.dispatching.Add(-1)
		for _, o := range c.observerList() {
			if o.OnDisconnected != nil {
				o.OnDisconnected(res.report.Clone())
			}
		}
	}
	return res.report.Clone()
}

type teardownResult struct {
	report     TeardownReport
	// released is false when teardown started idle with no session.
	released   bool
	dispatched chan struct{}
}

func (c *Client) performTeardown(ctx context.Context, opts DisconnectOptions) *teardownResult {
	start := c.now()

	c.mu.Lock()
	done := c.connectDone
	c.mu.Unlock()
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			c.logger.Warn("teardown forced while connect in flight", "error", ctx.Err())
		}
	}

	var stepErrs []string
	step := func(name string, fn func() error) {
		defer func() {
			if r := recover(); r != nil {
				stepErrs = append(stepErrs, fmt.Sprintf("%s: panic: %v", name, r))
			}
		}()
		if err := fn(); err != nil {
			stepErrs = append(stepErrs, fmt.Sprintf("%s: %v", name, err))
		}
	}

	c.mu.Lock()
	wasIdle := c.state == StateIdle
	c.state = StateDisconnecting
	// Events from the old session are ignored from here on.
	c.gen++
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
	c.connected = false
	c.activity.setActive(false)
	sess, hasSession := c.session.get()
	c.mu.Unlock()

	var (
		media    MediaStopResult
		timedOut bool
	)
	if hasSession {
		step("stop_media", func() error {
			var err error
			media, err = sess.StopAllMedia()
			return err
		})
		step("close_session", func() error {
			var err error
			timedOut, err = c.closeWithTimeout(ctx, sess)
			return err
		})
	}

	c.mu.Lock()
	c.session.release()
	c.agent.release()
	history := cloneTurns(c.history)
	if !opts.KeepHistory {
		c.history = nil
	}
	c.userItems = nil
	c.pending = nil
	c.userTurnAt = time.Time{}
	finished := c.now()
	c.lastClosed = finished
	checks := TeardownChecks{
		ConnectionInactive: !c.connected,
		SessionReleased:    !c.session.present(),
		AgentReleased:      !c.agent.present(),
		NoPendingTimers:    c.flushTimer == nil,
		NetworkInactive:    !c.activity.isActive(),
	}
	c.state = StateIdle
	c.mu.Unlock()

	report := newTeardownReport(checks, stepErrs, finished, finished.Sub(start))
	report.CloseTimedOut = timedOut
	report.TracksStopped = media.Stopped
	report.HistoryCleared = !opts.KeepHistory
	report.History = history

	c.metrics.ObserveTeardown(report.Verified, report.CloseTimedOut, report.Duration)
	if report.Verified {
		c.logger.Info("realtime session torn down",
			"had_session", hasSession,
			"tracks_stopped", media.Stopped,
			"close_timed_out", timedOut,
			"duration_ms", report.Duration.Milliseconds(),
		)
	} else {
		c.logger.Warn("realtime teardown incomplete",
			"failed_checks", report.FailedChecks,
			"step_errors", report.StepErrors,
		)
	}

	return &teardownResult{
		report:     report,
		released:   !wasIdle || hasSession,
		dispatched: make(chan struct{}),
	}
}

// closeWithTimeout runs the provider's close bounded by the close timeout.
// A timeout is reported but is not an error.
func (c *Client) closeWithTimeout(ctx context.Context, sess Session) (bool, error) {
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.closeTTL)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- sess.Disconnect(closeCtx)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, context.DeadlineExceeded) {
			return true, nil
		}
		return false, err
	case <-closeCtx.Done():
		c.logger.Warn("provider close timed out, continuing with forced cleanup", "timeout", c.closeTTL)
		return true, nil
	}
}

func (c *Client) handleEvent(gen uint64, ev Event) {
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = c.now()
	}

	var (
		notify bool
		perr   *ProviderError
	)

	c.mu.Lock()
	if gen != c.gen || (c.state != StateConnecting && c.state != StateConnected) {
		c.mu.Unlock()
		return
	}
	if c.connected {
		c.activity.record(ev.Type, activityDetail(ev), ev.ReceivedAt)
	}

	switch ev.Type {
	case EventItemAdded:
		if ev.Item == nil || ev.Item.Type != "message" {
			break
		}
		switch ev.Item.Role {
		case RoleUser:
			c.history = append(c.history, Turn{
				Role:      RoleUser,
				Content:   transcribedContent(ev.Item.Content),
				Timestamp: ev.ReceivedAt,
			})
			if ev.Item.ID != "" {
				if c.userItems == nil {
					c.userItems = make(map[string]int)
				}
				c.userItems[ev.Item.ID] = len(c.history) - 1
			}
			c.userTurnAt = ev.ReceivedAt
			notify = true
		case RoleAssistant:
			c.pending = &Turn{
				Role:      RoleAssistant,
				Content:   append([]ContentBlock{}, ev.Item.Content...),
				Timestamp: ev.ReceivedAt,
			}
		}
	case EventOutputTextDelta:
		if ev.Delta == "" {
			break
		}
		if c.pending == nil {
			c.pending = &Turn{
				Role:      RoleAssistant,
				Content:   []ContentBlock{{Type: BlockText}},
				Timestamp: ev.ReceivedAt,
			}
		}
		idx := textBlockIndex(c.pending.Content)
		if idx < 0 {
			c.pending.Content = append(c.pending.Content, ContentBlock{Type: BlockText})
			idx = len(c.pending.Content) - 1
		}
		c.pending.Content[idx].Text += ev.Delta
		if !c.userTurnAt.IsZero() {
			c.metrics.ObserveFirstTextLatency(ev.ReceivedAt.Sub(c.userTurnAt))
			c.userTurnAt = time.Time{}
		}
		c.scheduleFlushLocked(gen)
	case EventInputTranscript:
		notify = c.applyUserTranscriptLocked(ev.ItemID, ev.Transcript)
	case EventItemDone:
		if ev.Item != nil && ev.Item.Role == RoleUser {
			for _, b := range ev.Item.Content {
				if b.Type == BlockAudio && b.Transcript != "" {
					notify = c.applyUserTranscriptLocked(ev.Item.ID, b.Transcript) || notify
				}
			}
			break
		}
		if ev.Item == nil || ev.Item.Role != RoleAssistant {
			break
		}
		if c.pending != nil && len(c.pending.Content) > 0 {
			c.history = append(c.history, *c.pending)
			c.pending = nil
			// The final snapshot supersedes any pending partial one.
			if c.flushTimer != nil {
				c.flushTimer.Stop()
				c.flushTimer = nil
			}
			notify = true
		}
	case EventError:
		perr = ev.Err
		if perr == nil {
			perr = &ProviderError{Message: "unknown provider error"}
		}
	case EventSessionCreated:
		c.logger.Debug("realtime provider session created")
	}
	c.mu.Unlock()

	if notify {
		c.notifyTranscript()
	}
	if perr != nil {
		c.metrics.ObserveProviderError(c.provider.Name(), perr.Code)
		c.logger.Warn("realtime provider error", "type", perr.Type, "code", perr.Code, "message", perr.Message)
		c.emitError(perr)
	}
}

// scheduleFlushLocked arms the trailing-edge coalescing timer unless one is
// already pending. Caller holds c.mu.
func (c *Client) scheduleFlushLocked(gen uint64) {
	if c.flushTimer != nil {
		return
	}
	c.flushSeq++
	seq := c.flushSeq
	c.flushTimer = time.AfterFunc(c.window, func() {
		c.mu.Lock()
		if gen != c.gen || seq != c.flushSeq || c.flushTimer == nil {
			c.mu.Unlock()
			return
		}
		c.flushTimer = nil
		c.mu.Unlock()
		c.notifyTranscript()
	})
}

func (c *Client) notifyTranscript() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	history := cloneTurns(c.history)
	var streaming string
	if c.pending != nil {
		streaming = c.pending.Text()
	}
	c.mu.Unlock()

	observers := c.observerList()
	for i, o := range observers {
		if o.OnTranscript == nil {
			continue
		}
		h := history
		if i < len(observers)-1 {
			h = cloneTurns(history)
		}
		o.OnTranscript(TranscriptUpdate{History: h, Streaming: streaming})
	}
}

func (c *Client) emitError(err error) {
	for _, o := range c.observerList() {
		if o.OnError != nil {
			o.OnError(err)
		}
	}
}

// applyUserTranscriptLocked attaches a transcription to the user turn that
// holds the item's audio. It reports whether the turn changed.
func (c *Client) applyUserTranscriptLocked(itemID, transcript string) bool {
	transcript = strings.TrimSpace(transcript)
	idx, ok := c.userItems[itemID]
	if !ok || transcript == "" || idx >= len(c.history) {
		return false
	}
	turn := &c.history[idx]
	for i := range turn.Content {
		if turn.Content[i].Type == BlockAudio {
			turn.Content[i].Transcript = transcript
			break
		}
	}
	if i := textBlockIndex(turn.Content); i >= 0 {
		if turn.Content[i].Text == transcript {
			return false
		}
		turn.Content[i].Text = transcript
		return true
	}
	turn.Content = append(turn.Content, ContentBlock{Type: BlockText, Text: transcript})
	return true
}

// transcribedContent copies blocks and gives a spoken turn that already has
// a transcript a text block, so it counts as text everywhere else.
func transcribedContent(blocks []ContentBlock) []ContentBlock {
	out := append([]ContentBlock{}, blocks...)
	if textBlockIndex(out) >= 0 {
		return out
	}
	for _, b := range out {
		if b.Type == BlockAudio && strings.TrimSpace(b.Transcript) != "" {
			return append(out, ContentBlock{Type: BlockText, Text: strings.TrimSpace(b.Transcript)})
		}
	}
	return out
}

func textBlockIndex(blocks []ContentBlock) int {
	for i, b := range blocks {
		if b.Type == BlockText {
			return i
		}
	}
	return -1
}

func activityDetail(ev Event) map[string]string {
	switch {
	case ev.Item != nil:
		return map[string]string{"item_type": ev.Item.Type, "role": string(ev.Item.Role)}
	case ev.Type == EventOutputTextDelta:
		if ev.Delta != "" {
			return map[string]string{"has_delta": "true"}
		}
		return map[string]string{"has_delta": "false"}
	case ev.Type == EventInputTranscript:
		return map[string]string{"item_id": ev.ItemID}
	case ev.Err != nil:
		return map[string]string{"code": ev.Err.Code}
	default:
		return nil
	}
}
