package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/lingo/internal/policy"
	"github.com/ent0n29/lingo/internal/protocol"
	"github.com/ent0n29/lingo/internal/realtime"
	"github.com/ent0n29/lingo/internal/reliability"
)

const (
	wsReadTimeout  = 120 * time.Second
	wsWriteTimeout = 10 * time.Second
)

// outboundQueue is the single-writer queue between lifecycle observers and
// the socket. Pushes after close are dropped.
type outboundQueue struct {
	mu      sync.Mutex
	closed  bool
	ch      chan any
	metrics func(msgType, result string)
}

func (q *outboundQueue) push(msg any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, _ := messageTypeOf(msg)
	if q.closed {
		q.metrics(string(t), "drop_closed")
		return
	}
	select {
	case q.ch <- msg:
		q.metrics(string(t), "queued")
	default:
		q.metrics(string(t), "drop_full")
	}
}

func (q *outboundQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	sess, client, err := s.sessions.Lookup(principal(r).UserID, sessionID)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	s.metrics.ObserveSessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	out := &outboundQueue{
		ch: make(chan any, 256),
		metrics: func(msgType, result string) {
			s.metrics.ObserveWSMessage("outbound_"+result, msgType)
		},
	}
	unsubscribe := client.Subscribe(realtime.Observer{
		OnConnected: func() {
			out.push(protocol.Connected{
				Type:      protocol.TypeConnected,
				SessionID: sessionID,
				Provider:  s.providerName(),
				Language:  sess.Meta.Language,
			})
		},
		OnTranscript: func(u realtime.TranscriptUpdate) {
			out.push(protocol.TranscriptUpdated{
				Type:      protocol.TypeTranscriptUpdated,
				SessionID: sessionID,
				History:   u.History,
				Streaming: u.Streaming,
			})
		},
		OnDisconnected: func(report realtime.TeardownReport) {
			out.push(protocol.Disconnected{
				Type:      protocol.TypeDisconnected,
				SessionID: sessionID,
				Report:    report,
			})
		},
		OnError: func(err error) {
			out.push(errorEventFor(sessionID, err))
		},
	})

	// Late subscribers start from the current snapshot.
	if client.State() == realtime.StateConnected {
		out.push(protocol.Connected{
			Type:      protocol.TypeConnected,
			SessionID: sessionID,
			Provider:  s.providerName(),
			Language:  sess.Meta.Language,
		})
	}
	out.push(protocol.TranscriptUpdated{
		Type:      protocol.TypeTranscriptUpdated,
		SessionID: sessionID,
		History:   client.History(),
	})

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		failed := false
		for msg := range out.ch {
			if failed {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.metrics.ObserveWSMessage("outbound_error", "write_json")
				failed = true
				cancel()
				continue
			}
			if t, ok := messageTypeOf(msg); ok {
				s.metrics.ObserveWSMessage("outbound", string(t))
			}
		}
	}()

	conn.SetReadLimit(2 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})
	go func() {
		// Unblock ReadMessage when the writer fails or the request ends.
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	}()

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			out.push(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "invalid_client_message",
				Source:    "gateway",
				Retryable: false,
				Detail:    err.Error(),
			})
			continue
		}
		if t, ok := messageTypeOf(parsed); ok {
			s.metrics.ObserveWSMessage("inbound", string(t))
		}
		_ = s.sessions.Touch(sessionID)

		switch msg := parsed.(type) {
		case protocol.ClientText:
			s.logger.Debug("learner message", "session_id", sessionID, "text", policy.LogPreview(msg.Text, 40))
			if err := client.SendText(ctx, msg.Text); err != nil {
				out.push(errorEventFor(sessionID, err))
			}
		case protocol.ClientAudioChunk:
			pcm, err := base64.StdEncoding.DecodeString(msg.PCM16Base64)
			if err != nil {
				out.push(errorEventFor(sessionID, err))
				continue
			}
			if err := client.AppendAudio(pcm); err != nil {
				out.push(errorEventFor(sessionID, err))
			}
		case protocol.ClientControl:
			switch msg.Action {
			case protocol.ActionClearHistory:
				client.ClearHistory()
				out.push(protocol.TranscriptUpdated{
					Type:      protocol.TypeTranscriptUpdated,
					SessionID: sessionID,
					History:   []realtime.Turn{},
				})
			case protocol.ActionEnd, protocol.ActionEndKeepHistory:
				// Disconnected is pushed by the observer before Disconnect
				// returns, so it is flushed before the socket closes.
				client.Disconnect(context.WithoutCancel(ctx), realtime.DisconnectOptions{
					KeepHistory: msg.Action == protocol.ActionEndKeepHistory,
				})
				if _, err := s.sessions.End(sessionID); err == nil {
					s.metrics.SetActiveSessions(s.sessions.ActiveCount())
				}
				break readLoop
			}
		}
	}

	unsubscribe()
	out.close()
	<-writerDone
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	s.metrics.ObserveSessionEvent("ws_disconnected")
}

func errorEventFor(sessionID string, err error) protocol.ErrorEvent {
	ev := protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      "session_error",
		Source:    "gateway",
		Detail:    err.Error(),
	}
	var perr *realtime.ProviderError
	var cerr *realtime.ConnectionError
	switch {
	case errors.As(err, &perr):
		ev.Source = "provider"
		ev.Code = firstNonEmpty(perr.Code, perr.Type, "provider_error")
		ev.Retryable = reliability.IsRetryableProviderCode(perr.Code)
		ev.Detail = perr.Message
	case errors.As(err, &cerr):
		ev.Source = "provider"
		ev.Code = "connect_failed"
	case errors.Is(err, realtime.ErrNotConnected):
		ev.Code = "not_connected"
	}
	return ev
}
