// Package gateway implements the Broker: the per-connection glue between a
// client WebSocket and its Upstream Session, including the channel-envelope
// dispatch table and the upstream-event fan-out. ServeHTTP upgrades the
// connection, mints a session id, constructs the session, registers it for
// cancellation, runs until the connection ends, then unregisters.
package gateway

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/audio"
	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/brokererr"
	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/config"
	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/envelope"
	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/registry"
	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/session"
	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/tools"
	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/upstream"
)

// Executor is the narrow surface of the Tool Executor the Broker depends
// on, so it can wire callbacks without importing the tools package's
// concrete rate limiter into every test.
type Executor interface {
	OnArgumentsDelta(domain *session.Session, callID, name, delta string)
	OnArgumentsDone(ctx context.Context, domain *session.Session, sender tools.OutputSender, callID string) error
}

// SessionMetrics is the narrow surface of the process metrics the Broker
// reports connection lifecycle through, satisfied by *metrics.Metrics
// without an import cycle.
type SessionMetrics interface {
	SessionOpened()
	SessionClosed(reason string)
	RecordUpstreamError(code string)
}

type Broker struct {
	Config   config.Config
	Registry *registry.Registry
	Executor Executor
	Logger   *slog.Logger
	Metrics  SessionMetrics

	OpenUpstream func(ctx context.Context, deps upstream.OpenDeps) (*upstream.Session, error)
}

func New(cfg config.Config, reg *registry.Registry, exec Executor, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		Config:       cfg,
		Registry:     reg,
		Executor:     exec,
		Logger:       logger,
		OpenUpstream: upstream.Open,
	}
}

func (b *Broker) sessionClosed(reason string) {
	if b.Metrics != nil {
		b.Metrics.SessionClosed(reason)
	}
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// Fixed domain instructions submitted with every upstream session.update.
const (
	sessionContext = "복지 상담"
	audioContext   = "웹 테스트"
)

func (b *Broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sessionID := newSessionID()
	logger := b.Logger.With("session_id", sessionID)

	domain := session.New(sessionID, time.Now(), b.Config.RAGCacheTTL)

	c := &conn2{ws: conn}

	dialCtx, cancel := context.WithCancel(context.Background())
	up, err := b.OpenUpstream(dialCtx, upstream.OpenDeps{
		SessionID:         sessionID,
		APIKey:            b.Config.OpenAIAPIKey,
		Model:             b.Config.UpstreamModel,
		WSBaseURL:         b.Config.UpstreamWSBaseURL,
		SessionContext:    sessionContext,
		AudioContext:      audioContext,
		DomainSession:     domain,
		HandshakeTimeout:  b.Config.UpstreamHandshakeTimeout,
		KeepaliveInterval: b.Config.UpstreamKeepaliveInterval,
		Logger:            logger,
	})
	if err != nil {
		cancel()
		_ = c.writeJSON(envelope.Error(503, err.Error(), map[string]any{"kind": "upstream_unavailable"}))
		_ = conn.Close()
		if b.Metrics != nil {
			b.Metrics.RecordUpstreamError("dial_failed")
		}
		return
	}

	up.SetToolCallbacks(
		func(callID, name, delta string) {
			b.Executor.OnArgumentsDelta(domain, callID, name, delta)
		},
		func(callID string) {
			ctx, done := context.WithTimeout(context.Background(), 10*time.Second)
			defer done()
			if err := b.Executor.OnArgumentsDone(ctx, domain, up, callID); err != nil {
				logger.Warn("tool dispatch failed", "call_id", callID, "error", err)
			}
		},
	)

	handle := registry.Handle{Session: domain, Cancel: func() {
		cancel()
		_ = up.Close()
	}}
	if err := b.Registry.Insert(sessionID, handle); err != nil {
		cancel()
		_ = up.Close()
		_ = conn.Close()
		return
	}
	if b.Metrics != nil {
		b.Metrics.SessionOpened()
	}
	closeReason := "client_closed"
	defer func() { b.sessionClosed(closeReason) }()
	defer b.Registry.Remove(sessionID)
	defer cancel()
	defer up.Close()

	_ = c.writeJSON(envelope.SessionReady(sessionID))

	group, groupCtx := errgroup.WithContext(dialCtx)
	group.Go(func() error {
		b.forwardUpstreamEvents(c, up, domain, logger)
		return nil
	})
	group.Go(func() error {
		b.heartbeat(groupCtx, c, logger)
		return nil
	})

	b.readClientLoop(c, up, sessionID, logger)
	closeReason = "client_disconnected"
	cancel()
	_ = up.Close()
	_ = group.Wait()
}

func (b *Broker) readClientLoop(c *conn2, up *upstream.Session, sessionID string, logger *slog.Logger) {
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		switch typ {
		case websocket.BinaryMessage:
			if err := b.dispatchAudio(up, data); err != nil {
				_ = c.writeJSON(errorEnvelope(err))
			}
		case websocket.TextMessage:
			msg, err := envelope.Decode(data)
			if err != nil {
				_ = c.writeJSON(envelope.Error(400, err.Error(), map[string]any{"kind": "invalid_message"}))
				continue
			}
			if err := b.dispatch(c, up, msg); err != nil {
				_ = c.writeJSON(errorEnvelope(err))
			}
		default:
			continue
		}
	}
}

// dispatchAudio runs a raw binary frame through the Audio Framer and
// forwards each chunk as a separate append_audio operation, preserving
// client order.
func (b *Broker) dispatchAudio(up *upstream.Session, raw []byte) error {
	chunks, err := audio.ToBase64Chunks(raw, audio.DefaultChunkSize)
	if err != nil {
		return err
	}
	for _, chunk := range chunks {
		if err := up.AppendAudio(chunk); err != nil {
			return err
		}
	}
	return nil
}

func (b *Broker) dispatch(c *conn2, up *upstream.Session, msg any) error {
	switch m := msg.(type) {
	case envelope.AudioBufferCommit:
		// Wire protocol quirk: the "commit" message type idempotently
		// clears the buffer. See AudioBufferEnd for the actual commit.
		return up.ClearAudio()
	case envelope.AudioBufferAppendJSON:
		return brokererr.InvalidMessage("input_audio_buffer.append must be sent as a binary frame")
	case envelope.AudioBufferEnd:
		return up.CommitAudio([]upstream.Modality{upstream.ModalityText, upstream.ModalityAudio})
	case envelope.InputText:
		return up.SendText(m.Text, []upstream.Modality{upstream.ModalityText, upstream.ModalityAudio})
	case envelope.Preprompted:
		return c.writeJSON(envelope.PrepromptedDone(m.Enum))
	case envelope.Summarize:
		return c.writeJSON(envelope.SummaryImage())
	case envelope.Ignored:
		return nil
	default:
		return brokererr.UnknownType(fmt.Sprintf("%T", msg))
	}
}

func (b *Broker) forwardUpstreamEvents(c *conn2, up *upstream.Session, domain *session.Session, logger *slog.Logger) {
	for ev := range up.Events() {
		var out envelope.Outbound
		switch p := ev.Payload.(type) {
		case upstream.TextDelta:
			out = envelope.TextDelta(p.OutputIndex, p.Delta)
		case upstream.TextDone:
			out = envelope.TextDone(p.OutputIndex)
		case upstream.AudioDelta:
			out = envelope.AudioDelta(p.OutputIndex, p.Delta)
		case upstream.AudioDone:
			out = envelope.AudioDone(p.OutputIndex)
		case upstream.AudioTranscriptDelta:
			out = envelope.TranscriptDelta(p.OutputIndex, p.Delta)
		case upstream.AudioTranscriptDone:
			out = envelope.TranscriptDone(p.OutputIndex)
		case upstream.ResponseDone:
			out = envelope.ResponseDone()
		case upstream.ErrorEvent:
			if b.Metrics != nil {
				b.Metrics.RecordUpstreamError(fmt.Sprintf("%d", p.Code))
			}
			out = envelope.Error(p.Code, p.Message, nil)
		case upstream.ClosedEvent:
			logger.Info("upstream session closed", "reason", p.Reason, "code", p.Code)
			out = envelope.Error(p.Code, "", map[string]any{"reason": p.Reason})
		default:
			continue
		}
		if err := c.writeJSON(out); err != nil {
			return
		}
	}
}

func (b *Broker) heartbeat(ctx context.Context, c *conn2, logger *slog.Logger) {
	interval := b.Config.ClientHeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(2 * interval))
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(b.Config.ClientWriteTimeout))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func errorEnvelope(err error) envelope.Outbound {
	be, ok := err.(*brokererr.Error)
	if !ok {
		return envelope.Error(500, err.Error(), map[string]any{"kind": "tool_failure", "retryable": true})
	}
	code := 400
	switch be.Kind {
	case brokererr.KindUpstreamUnavailable:
		code = 503
	case brokererr.KindSessionClosed:
		code = 409
	}
	return envelope.Error(code, be.Message, map[string]any{"kind": string(be.Kind), "retryable": be.Retryable})
}

// conn2 wraps a client websocket with a single-writer mutex: at most one
// goroutine may hold the socket's write side at a time.
type conn2 struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *conn2) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(v)
}

const base36Alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

func newSessionID() string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	suffix := make([]byte, 6)
	for i, b := range buf {
		suffix[i] = base36Alphabet[int(b)%len(base36Alphabet)]
	}
	return fmt.Sprintf("sonj_%d_%s", time.Now().UnixMilli(), suffix)
}
