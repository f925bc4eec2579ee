package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/brokererr"
	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/session"
)

// State is the upstream socket's protocol state machine position.
type State int32

const (
	StateConnecting State = iota
	StateReady
	StateAwaitingResponse
	StateUpdating
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateUpdating:
		return "updating"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Event is one item on a session's typed event feed. Only
// the client-facing event types below are ever delivered on this channel;
// function_call.arguments.delta/done are internal-only and routed to the
// callbacks registered with SetToolCallbacks instead.
type Event struct {
	SessionID string
	Type      string
	Payload   any
}

type TextDelta struct {
	OutputIndex int
	Delta       string
}

type TextDone struct {
	OutputIndex int
}

type AudioDelta struct {
	OutputIndex int
	Delta       string
}

type AudioDone struct {
	OutputIndex int
}

type AudioTranscriptDelta struct {
	OutputIndex int
	Delta       string
}

type AudioTranscriptDone struct {
	OutputIndex int
}

type SessionCreated struct{}

type SessionUpdated struct{}

type ResponseDone struct{}

type ErrorEvent struct {
	Code    int
	Message string
}

type ClosedEvent struct {
	Code   int
	Reason string
}

// Dialer is the subset of *websocket.Dialer the Session needs, narrowed so
// tests can substitute a fake.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

type OpenDeps struct {
	SessionID      string
	APIKey         string
	Model          string
	WSBaseURL      string
	SessionContext string
	AudioContext   string

	DomainSession *session.Session

	HandshakeTimeout   time.Duration
	KeepaliveInterval  time.Duration
	WriteTimeout       time.Duration

	Logger *slog.Logger
	Dialer Dialer
	Now    func() time.Time
}

// Session owns one outbound WebSocket to the model-inference service.
type Session struct {
	id     string
	domain *session.Session
	conn   *websocket.Conn
	logger *slog.Logger
	now    func() time.Time

	writeMu      sync.Mutex
	writeTimeout time.Duration

	state atomic.Int32

	events    chan Event
	closeOnce sync.Once
	closed    chan struct{}

	keepaliveStop     chan struct{}
	keepaliveStopOnce sync.Once

	awaitMu sync.Mutex
	await   *textAwaiter

	cbMu      sync.Mutex
	onFnDelta func(callID, name, delta string)
	onFnDone  func(callID string)
}

// SetToolCallbacks registers the handlers invoked for
// response.function_call.arguments.delta/done frames. These events are
// internal-only and never appear on Events(); callers register them once,
// right after Open returns.
func (s *Session) SetToolCallbacks(onDelta func(callID, name, delta string), onDone func(callID string)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.onFnDelta = onDelta
	s.onFnDone = onDone
}

func (s *Session) toolCallbacks() (func(callID, name, delta string), func(callID string)) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	return s.onFnDelta, s.onFnDone
}

type textAwaiter struct {
	text strings.Builder
	done chan textAwaitResult
}

type textAwaitResult struct {
	text string
	raw  json.RawMessage
	err  error
}

// Open dials the upstream realtime WebSocket, submits the initial
// session.update, records the instruction hash, and starts the keepalive
// ping loop.
func Open(ctx context.Context, deps OpenDeps) (*Session, error) {
	if strings.TrimSpace(deps.APIKey) == "" {
		return nil, brokererr.UpstreamUnavailable("missing upstream api key")
	}
	if deps.HandshakeTimeout <= 0 {
		deps.HandshakeTimeout = 15 * time.Second
	}
	if deps.KeepaliveInterval <= 0 {
		deps.KeepaliveInterval = 20 * time.Second
	}
	if deps.WriteTimeout <= 0 {
		deps.WriteTimeout = 5 * time.Second
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Dialer == nil {
		deps.Dialer = websocket.DefaultDialer
	}

	dialURL := strings.TrimRight(deps.WSBaseURL, "/") + "?model=" + url.QueryEscape(deps.Model)
	headers := http.Header{}
	headers.Set("Authorization", "Bearer "+deps.APIKey)
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialCtx, cancel := context.WithTimeout(ctx, deps.HandshakeTimeout)
	defer cancel()

	conn, _, err := deps.Dialer.DialContext(dialCtx, dialURL, headers)
	if err != nil {
		return nil, brokererr.UpstreamUnavailable(fmt.Sprintf("upstream handshake failed: %v", err))
	}

	s := &Session{
		id:            deps.SessionID,
		domain:        deps.DomainSession,
		conn:          conn,
		logger:        deps.Logger,
		now:           deps.Now,
		writeTimeout:  deps.WriteTimeout,
		events:        make(chan Event, 64),
		closed:        make(chan struct{}),
		keepaliveStop: make(chan struct{}),
	}
	s.state.Store(int32(StateConnecting))

	instructions := strings.TrimSpace(deps.SessionContext + " " + deps.AudioContext)
	if err := s.writeRaw(sessionUpdateFrame{
		Type: FrameSessionUpdate,
		Session: sessionUpdateBody{
			Modalities:              []string{ModalityText, ModalityAudio},
			Instructions:            instructions,
			InputAudioFormat:        "pcm16",
			OutputAudioFormat:       "pcm16",
			InputAudioTranscription: &inputTranscript{Model: "whisper-1"},
			TurnDetection:           nil,
			Temperature:             0.7,
			MaxResponseOutputTokens: 350,
			Tools:                   []map[string]any{ragSearchToolDefinition()},
		},
	}); err != nil {
		_ = conn.Close()
		return nil, brokererr.UpstreamUnavailable(fmt.Sprintf("failed to submit initial session.update: %v", err))
	}
	if s.domain != nil {
		s.domain.MaybeUpdateInstructionHash(instructions)
	}

	go s.readLoop()
	go s.keepaliveLoop(deps.KeepaliveInterval)

	return s, nil
}

// Events returns this session's per-session typed event feed. It is closed
// when the upstream socket closes or a fatal protocol error occurs.
func (s *Session) Events() <-chan Event {
	return s.events
}

func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) isClosed() bool {
	return State(s.state.Load()) == StateClosed
}

func (s *Session) writeRaw(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(s.now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

func (s *Session) writeGuarded(v any) error {
	if s.isClosed() {
		return brokererr.SessionClosed()
	}
	return s.writeRaw(v)
}

// SendText submits a user text item followed by a response.create request
// for the given modalities.
func (s *Session) SendText(text string, modalities []Modality) error {
	if err := s.writeGuarded(conversationItemCreateFrame{
		Type: FrameConversationItemCreate,
		Item: conversationItemBody{
			Type: "message",
			Role: "user",
			Content: []conversationContent{{Type: "input_text", Text: text}},
		},
	}); err != nil {
		return err
	}
	s.state.Store(int32(StateAwaitingResponse))
	return s.writeGuarded(responseCreateFrame{Type: FrameResponseCreate, Response: responseCreateBody{Modalities: modalities}})
}

// AppendAudio forwards a single base64-encoded PCM16 chunk to the upstream
// input audio buffer.
func (s *Session) AppendAudio(base64Chunk string) error {
	return s.writeGuarded(inputAudioAppendFrame{Type: FrameInputAudioAppend, Audio: base64Chunk})
}

// CommitAudio commits the input audio buffer and requests a response for
// the given modalities.
func (s *Session) CommitAudio(modalities []Modality) error {
	if err := s.writeGuarded(simpleFrame{Type: FrameInputAudioCommit}); err != nil {
		return err
	}
	s.state.Store(int32(StateAwaitingResponse))
	return s.writeGuarded(responseCreateFrame{Type: FrameResponseCreate, Response: responseCreateBody{Modalities: modalities}})
}

// ClearAudio clears the input audio buffer.
func (s *Session) ClearAudio() error {
	return s.writeGuarded(simpleFrame{Type: FrameInputAudioClear})
}

// SendTextAwait sends text-only and blocks until a response.done arrives,
// returning the concatenated response.text.delta payloads and the raw
// response.done frame. It fails on error/response.error with the upstream
// message.
func (s *Session) SendTextAwait(ctx context.Context, text string) (string, json.RawMessage, error) {
	if s.isClosed() {
		return "", nil, brokererr.SessionClosed()
	}

	awaiter := &textAwaiter{done: make(chan textAwaitResult, 1)}
	s.awaitMu.Lock()
	s.await = awaiter
	s.awaitMu.Unlock()

	defer func() {
		s.awaitMu.Lock()
		if s.await == awaiter {
			s.await = nil
		}
		s.awaitMu.Unlock()
	}()

	if err := s.SendText(text, []Modality{ModalityText}); err != nil {
		return "", nil, err
	}

	select {
	case res := <-awaiter.done:
		if res.err != nil {
			return "", nil, res.err
		}
		return res.text, res.raw, nil
	case <-ctx.Done():
		return "", nil, ctx.Err()
	case <-s.closed:
		return "", nil, brokererr.SessionClosed()
	}
}

// MaybeUpdateInstructions hashes newInstructions; if it differs from the
// last recorded hash it emits session.update{instructions} and records the
// new hash, otherwise it is a no-op.
func (s *Session) MaybeUpdateInstructions(newInstructions string) error {
	if s.domain == nil {
		return nil
	}
	if !s.domain.MaybeUpdateInstructionHash(newInstructions) {
		return nil
	}
	prevState := s.State()
	s.state.Store(int32(StateUpdating))
	err := s.writeGuarded(sessionUpdateFrame{
		Type:    FrameSessionUpdate,
		Session: sessionUpdateBody{Instructions: newInstructions, TurnDetection: nil},
	})
	if err != nil {
		s.state.Store(int32(prevState))
	}
	return err
}

// SendToolOutput emits a tool.output frame for callID.
func (s *Session) SendToolOutput(callID, output string) error {
	return s.writeGuarded(toolOutputFrame{Type: FrameToolOutput, ToolCallID: callID, Output: output})
}

// Close closes the socket, stops the keepalive loop, and clears pending
// tool-call state.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		s.keepaliveStopOnce.Do(func() { close(s.keepaliveStop) })
		if s.domain != nil {
			s.domain.ClearPendingToolCalls()
		}
		_ = s.conn.Close()
		close(s.closed)
	})
	return nil
}

func (s *Session) keepaliveLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.keepaliveStop:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			_ = s.conn.SetWriteDeadline(s.now().Add(s.writeTimeout))
			err := s.conn.WriteMessage(websocket.PingMessage, []byte("ping"))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Session) emit(typ string, payload any) {
	select {
	case s.events <- Event{SessionID: s.id, Type: typ, Payload: payload}:
	case <-s.closed:
	}
}

func (s *Session) readLoop() {
	defer func() {
		s.state.Store(int32(StateClosed))
		s.keepaliveStopOnce.Do(func() { close(s.keepaliveStop) })
		close(s.events)
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			reason := "upstream closed"
			code := 1006
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
				reason = ce.Text
			}
			s.failAwaiter(brokererr.UpstreamError(code, reason))
			s.emit(EventClosed, ClosedEvent{Code: code, Reason: reason})
			_ = s.conn.Close()
			return
		}

		typ, err := decodeType(data)
		if err != nil {
			continue
		}

		switch typ {
		case EventSessionCreated:
			s.state.Store(int32(StateReady))
			s.emit(EventSessionCreated, SessionCreated{})
		case EventSessionUpdated:
			if s.State() == StateUpdating {
				s.state.Store(int32(StateReady))
			}
			s.emit(EventSessionUpdated, SessionUpdated{})
		case EventTextDelta:
			var p textDeltaPayload
			_ = json.Unmarshal(data, &p)
			s.appendAwaiterText(p.Delta)
			s.emit(EventTextDelta, TextDelta{OutputIndex: p.OutputIndex, Delta: p.Delta})
		case EventTextDone:
			var p textDonePayload
			_ = json.Unmarshal(data, &p)
			s.emit(EventTextDone, TextDone{OutputIndex: p.OutputIndex})
		case EventAudioDelta:
			var p textDeltaPayload
			_ = json.Unmarshal(data, &p)
			s.emit(EventAudioDelta, AudioDelta{OutputIndex: p.OutputIndex, Delta: p.Delta})
		case EventAudioDone:
			var p textDonePayload
			_ = json.Unmarshal(data, &p)
			s.emit(EventAudioDone, AudioDone{OutputIndex: p.OutputIndex})
		case EventAudioTranscriptDelta:
			var p textDeltaPayload
			_ = json.Unmarshal(data, &p)
			s.emit(EventAudioTranscriptDelta, AudioTranscriptDelta{OutputIndex: p.OutputIndex, Delta: p.Delta})
		case EventAudioTranscriptDone:
			var p textDonePayload
			_ = json.Unmarshal(data, &p)
			s.emit(EventAudioTranscriptDone, AudioTranscriptDone{OutputIndex: p.OutputIndex})
		case EventFunctionCallArgumentsDelta:
			var p functionCallArgsDeltaPayload
			_ = json.Unmarshal(data, &p)
			if onDelta, _ := s.toolCallbacks(); onDelta != nil {
				onDelta(p.CallID, p.Name, p.Delta)
			}
		case EventFunctionCallArgumentsDone:
			var p functionCallArgsDonePayload
			_ = json.Unmarshal(data, &p)
			if _, onDone := s.toolCallbacks(); onDone != nil {
				onDone(p.CallID)
			}
		case EventResponseDone:
			if s.State() == StateAwaitingResponse {
				s.state.Store(int32(StateReady))
			}
			s.resolveAwaiter(data)
			s.emit(EventResponseDone, ResponseDone{})
		case EventError, EventResponseError:
			var p errorPayload
			_ = json.Unmarshal(data, &p)
			msg := p.Error.Message
			code := p.Error.Code
			if msg == "" {
				msg = p.Message
			}
			s.failAwaiter(brokererr.UpstreamError(code, msg))
			s.emit(EventError, ErrorEvent{Code: code, Message: msg})
			return
		}
	}
}

const EventClosed = "closed"

func (s *Session) appendAwaiterText(delta string) {
	s.awaitMu.Lock()
	defer s.awaitMu.Unlock()
	if s.await != nil {
		s.await.text.WriteString(delta)
	}
}

func (s *Session) resolveAwaiter(raw json.RawMessage) {
	s.awaitMu.Lock()
	awaiter := s.await
	s.await = nil
	s.awaitMu.Unlock()
	if awaiter == nil {
		return
	}
	awaiter.done <- textAwaitResult{text: awaiter.text.String(), raw: raw}
}

func (s *Session) failAwaiter(err error) {
	s.awaitMu.Lock()
	awaiter := s.await
	s.await = nil
	s.awaitMu.Unlock()
	if awaiter == nil {
		return
	}
	awaiter.done <- textAwaitResult{err: err}
}
