package upstream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sonju-kr/sonju-voice-broker/pkg/broker/session"
)

func newUpstreamTestServer(t *testing.T, handler func(conn *websocket.Conn)) (string, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn)
	}))

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	return wsURL, server.Close
}

func readFrameType(t *testing.T, conn *websocket.Conn) (string, map[string]any) {
	t.Helper()
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	typ, _ := frame["type"].(string)
	return typ, frame
}

func TestOpen_SubmitsInitialSessionUpdateAndTransitionsReady(t *testing.T) {
	wsURL, closeServer := newUpstreamTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		typ, _ := readFrameType(t, conn)
		if typ != FrameSessionUpdate {
			t.Errorf("expected first frame %q, got %q", FrameSessionUpdate, typ)
		}
		_ = conn.WriteJSON(map[string]any{"type": EventSessionCreated})
		time.Sleep(50 * time.Millisecond)
	})
	defer closeServer()

	domain := session.New("s1", time.Now(), time.Minute)
	s, err := Open(context.Background(), OpenDeps{
		SessionID:     "s1",
		APIKey:        "sk-test",
		Model:         "gpt-test",
		WSBaseURL:     wsURL,
		DomainSession: domain,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	ev := <-s.Events()
	if ev.Type != EventSessionCreated {
		t.Fatalf("expected session.created event, got %q", ev.Type)
	}
	if s.State() != StateReady {
		t.Fatalf("expected state ready after session.created, got %v", s.State())
	}
}

func TestOpen_MissingAPIKeyFails(t *testing.T) {
	_, err := Open(context.Background(), OpenDeps{WSBaseURL: "ws://example.invalid", DomainSession: session.New("s", time.Now(), time.Minute)})
	if err == nil {
		t.Fatal("expected error for missing api key")
	}
}

func TestSendTextAwait_ReturnsConcatenatedDeltasAndFailsOnError(t *testing.T) {
	wsURL, closeServer := newUpstreamTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		readFrameType(t, conn) // session.update
		_ = conn.WriteJSON(map[string]any{"type": EventSessionCreated})

		readFrameType(t, conn) // conversation.item.create
		readFrameType(t, conn) // response.create

		_ = conn.WriteJSON(map[string]any{"type": EventTextDelta, "output_index": 0, "delta": "hel"})
		_ = conn.WriteJSON(map[string]any{"type": EventTextDelta, "output_index": 0, "delta": "lo"})
		_ = conn.WriteJSON(map[string]any{"type": EventResponseDone})
		time.Sleep(50 * time.Millisecond)
	})
	defer closeServer()

	domain := session.New("s1", time.Now(), time.Minute)
	s, err := Open(context.Background(), OpenDeps{
		SessionID:     "s1",
		APIKey:        "sk-test",
		Model:         "gpt-test",
		WSBaseURL:     wsURL,
		DomainSession: domain,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	<-s.Events() // session.created

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	text, _, err := s.SendTextAwait(ctx, "hi")
	if err != nil {
		t.Fatalf("SendTextAwait: %v", err)
	}
	if text != "hello" {
		t.Fatalf("text=%q, want %q", text, "hello")
	}
}

func TestSendTextAwait_FailsOnUpstreamError(t *testing.T) {
	wsURL, closeServer := newUpstreamTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		readFrameType(t, conn)
		_ = conn.WriteJSON(map[string]any{"type": EventSessionCreated})
		readFrameType(t, conn)
		readFrameType(t, conn)
		_ = conn.WriteJSON(map[string]any{"type": EventError, "error": map[string]any{"code": 500, "message": "boom"}})
		time.Sleep(50 * time.Millisecond)
	})
	defer closeServer()

	domain := session.New("s1", time.Now(), time.Minute)
	s, err := Open(context.Background(), OpenDeps{
		SessionID:     "s1",
		APIKey:        "sk-test",
		Model:         "gpt-test",
		WSBaseURL:     wsURL,
		DomainSession: domain,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	<-s.Events()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := s.SendTextAwait(ctx, "hi"); err == nil {
		t.Fatal("expected error from SendTextAwait")
	}
}

func TestFunctionCallArguments_RoutedToCallbacksNotEvents(t *testing.T) {
	wsURL, closeServer := newUpstreamTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		readFrameType(t, conn)
		_ = conn.WriteJSON(map[string]any{"type": EventSessionCreated})
		_ = conn.WriteJSON(map[string]any{"type": EventFunctionCallArgumentsDelta, "call_id": "c1", "name": "rag_search", "delta": `{"query":`})
		_ = conn.WriteJSON(map[string]any{"type": EventFunctionCallArgumentsDelta, "call_id": "c1", "delta": `"hi"}`})
		_ = conn.WriteJSON(map[string]any{"type": EventFunctionCallArgumentsDone, "call_id": "c1"})
		time.Sleep(50 * time.Millisecond)
	})
	defer closeServer()

	var gotDeltas []string
	var gotDone string
	domain := session.New("s1", time.Now(), time.Minute)
	s, err := Open(context.Background(), OpenDeps{
		SessionID:     "s1",
		APIKey:        "sk-test",
		Model:         "gpt-test",
		WSBaseURL:     wsURL,
		DomainSession: domain,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	s.SetToolCallbacks(
		func(callID, name, delta string) { gotDeltas = append(gotDeltas, delta) },
		func(callID string) { gotDone = callID },
	)

	for ev := range s.Events() {
		if ev.Type == EventFunctionCallArgumentsDelta || ev.Type == EventFunctionCallArgumentsDone {
			t.Fatalf("function call events must not be published on Events(), got %q", ev.Type)
		}
		if ev.Type == EventSessionCreated {
			break
		}
	}
	time.Sleep(50 * time.Millisecond)

	if strings.Join(gotDeltas, "") != `{"query":"hi"}` {
		t.Fatalf("unexpected accumulated deltas: %v", gotDeltas)
	}
	if gotDone != "c1" {
		t.Fatalf("expected done callback for c1, got %q", gotDone)
	}
}

func TestMaybeUpdateInstructions_DedupesAgainstDomainSession(t *testing.T) {
	var updateCount int
	wsURL, closeServer := newUpstreamTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		readFrameType(t, conn) // initial session.update
		_ = conn.WriteJSON(map[string]any{"type": EventSessionCreated})

		for i := 0; i < 2; i++ {
			typ, _ := readFrameType(t, conn)
			if typ == FrameSessionUpdate {
				updateCount++
				_ = conn.WriteJSON(map[string]any{"type": EventSessionUpdated})
			}
		}
	})
	defer closeServer()

	domain := session.New("s1", time.Now(), time.Minute)
	s, err := Open(context.Background(), OpenDeps{
		SessionID:     "s1",
		APIKey:        "sk-test",
		Model:         "gpt-test",
		WSBaseURL:     wsURL,
		DomainSession: domain,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	<-s.Events()

	// Open records the hash of its own initial instructions, so the domain
	// session is seeded after it.
	domain.MaybeUpdateInstructionHash("same instructions")

	if err := s.MaybeUpdateInstructions("same instructions"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.MaybeUpdateInstructions("different instructions"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A trailing clear is the fake server's second frame, so a duplicate
	// session.update would be counted rather than left unread.
	_ = s.ClearAudio()
	time.Sleep(50 * time.Millisecond)

	if updateCount != 1 {
		t.Fatalf("expected exactly 1 session.update for changed instructions, got %d", updateCount)
	}
}

func TestOperations_FailAfterClose(t *testing.T) {
	wsURL, closeServer := newUpstreamTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		readFrameType(t, conn)
		_ = conn.WriteJSON(map[string]any{"type": EventSessionCreated})
		time.Sleep(200 * time.Millisecond)
	})
	defer closeServer()

	domain := session.New("s1", time.Now(), time.Minute)
	s, err := Open(context.Background(), OpenDeps{
		SessionID:     "s1",
		APIKey:        "sk-test",
		Model:         "gpt-test",
		WSBaseURL:     wsURL,
		DomainSession: domain,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	<-s.Events()
	_ = s.Close()

	if err := s.AppendAudio("abc"); err == nil {
		t.Fatal("expected error appending audio after close")
	}
	if err := s.ClearAudio(); err == nil {
		t.Fatal("expected error clearing audio after close")
	}
}
