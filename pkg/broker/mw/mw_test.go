package mw

import (
	"bufio"
	"bytes"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(buf, nil))
}

func TestRequestID_MintsWhenAbsent(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := RequestIDFrom(r.Context())
		if !ok {
			t.Fatal("expected request id in context")
		}
		seen = id
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if seen == "" {
		t.Fatal("expected a minted request id")
	}
	if rr.Header().Get("X-Request-ID") != seen {
		t.Fatalf("response header mismatch: %q vs %q", rr.Header().Get("X-Request-ID"), seen)
	}
}

func TestRequestID_PreservesClientSupplied(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "client-supplied")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-ID"); got != "client-supplied" {
		t.Fatalf("X-Request-ID=%q, want client-supplied", got)
	}
}

func TestRecover_PanicReturns500(t *testing.T) {
	h := Recover(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d, want 500", rr.Code)
	}
}

func TestAccessLog_LogsStatusAndPath(t *testing.T) {
	buf := &bytes.Buffer{}
	h := AccessLog(newTestLogger(buf), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h = RequestID(h)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/live", nil))

	if !bytes.Contains(buf.Bytes(), []byte("418")) {
		t.Fatalf("expected status 418 in log output, got %s", buf.String())
	}
	if !bytes.Contains(buf.Bytes(), []byte("/v1/live")) {
		t.Fatalf("expected path in log output, got %s", buf.String())
	}
}

type hijackableRecorder struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackableRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	server, _ := net.Pipe()
	return server, bufio.NewReadWriter(bufio.NewReader(server), bufio.NewWriter(server)), nil
}

func TestAccessLog_PreservesHijacker(t *testing.T) {
	writer := &hijackableRecorder{ResponseRecorder: httptest.NewRecorder()}

	h := AccessLog(nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Fatal("expected http.Hijacker to be preserved through AccessLog")
		}
		if _, _, err := hj.Hijack(); err != nil {
			t.Fatalf("hijack: %v", err)
		}
	}))

	h.ServeHTTP(writer, httptest.NewRequest(http.MethodGet, "/v1/live", nil))

	if !writer.hijacked {
		t.Fatal("expected underlying hijacker to be invoked")
	}
}
