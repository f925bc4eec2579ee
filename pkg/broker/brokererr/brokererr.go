// Package brokererr defines the typed error kinds surfaced to clients and
// loggers, mirroring how upstream protocol failures and per-frame validation
// problems propagate through the session broker.
package brokererr

import "fmt"

type Kind string

const (
	KindInvalidAudio        Kind = "invalid_audio"
	KindInvalidMessage      Kind = "invalid_message"
	KindUnknownChannel      Kind = "unknown_channel"
	KindUnknownType         Kind = "unknown_type"
	KindSessionClosed       Kind = "session_closed"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindUpstreamError       Kind = "upstream_error"
	KindToolFailure         Kind = "tool_failure"
	KindRateLimited         Kind = "rate_limited"
	KindLowConfidence       Kind = "low_confidence"
)

// Error is a typed broker error. Code is a stable, client-facing identifier;
// Message is human-readable. Retryable sessions continue after the error is
// surfaced; non-retryable ones close the session.
type Error struct {
	Kind      Kind
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func New(kind Kind, code, message string, retryable bool) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Retryable: retryable}
}

func InvalidAudio(message string) *Error {
	return New(KindInvalidAudio, "bad_request", message, true)
}

func InvalidMessage(message string) *Error {
	return New(KindInvalidMessage, "bad_request", message, true)
}

func UnknownChannel(channel string) *Error {
	return New(KindUnknownChannel, "bad_request", fmt.Sprintf("unknown channel %q", channel), true)
}

func UnknownType(typ string) *Error {
	return New(KindUnknownType, "bad_request", fmt.Sprintf("unknown type %q", typ), true)
}

func SessionClosed() *Error {
	return New(KindSessionClosed, "session_closed", "operation invoked on a closed upstream session", false)
}

func UpstreamUnavailable(message string) *Error {
	return New(KindUpstreamUnavailable, "upstream_unavailable", message, false)
}

func UpstreamError(code int, message string) *Error {
	return New(KindUpstreamError, fmt.Sprintf("%d", code), message, false)
}

func ToolFailure(message string) *Error {
	return New(KindToolFailure, "tool_failure", message, true)
}

func RateLimited() *Error {
	return New(KindRateLimited, "rate_limited", "tool call rate limit exceeded", true)
}

func LowConfidence(message string) *Error {
	return New(KindLowConfidence, "low_confidence", message, true)
}
