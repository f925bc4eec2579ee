// Package envelope implements the client-facing channel-envelope protocol:
// every inbound and outbound client frame carries a "channel", and all but
// the inbound sonju:summarize request and the openai:error envelope also
// carry a "type"; the Broker fans upstream events out in the same shape.
// Decode sniffs the discriminator pair, dispatches to a typed struct, and
// validates required fields inline.
package envelope

import (
	"encoding/json"
	"fmt"
	"strings"
)

const (
	ChannelOpenAIConversation = "openai:conversation"
	ChannelOpenAIError        = "openai:error"
	ChannelSonjuSystem        = "sonju:system"
	ChannelSonjuSummarize     = "sonju:summarize"
	ChannelSonjuSuggested     = "sonju:suggestedQuestion"
	ChannelSonjuOfficeInfo    = "sonju:officeInfo"
)

type DecodeError struct {
	Code    string
	Message string
	Field   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Field) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Field)
}

func badRequest(message, field string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Field: field}
}

func unknownChannel(channel string) *DecodeError {
	return &DecodeError{Code: "unknown_channel", Message: fmt.Sprintf("unknown channel %q", channel)}
}

// Inbound message types on the openai:conversation channel.

// AudioBufferCommit is the "input_audio_buffer.commit" message. Per the
// wire protocol this clears the upstream audio buffer; it does not commit
// it (see AudioBufferEnd for that).
type AudioBufferCommit struct {
	Channel string `json:"channel"`
	Type    string `json:"type"`
}

// AudioBufferAppendJSON is the JSON form of "input_audio_buffer.append".
// Audio must be sent as a binary frame, so receiving this as JSON is
// always rejected.
type AudioBufferAppendJSON struct {
	Channel string `json:"channel"`
	Type    string `json:"type"`
}

// AudioBufferEnd is "input_audio_buffer.end": commits the audio buffer
// and requests a response.
type AudioBufferEnd struct {
	Channel string `json:"channel"`
	Type    string `json:"type"`
}

// InputText is "input_text": a plain-text turn.
type InputText struct {
	Channel string `json:"channel"`
	Type    string `json:"type"`
	Text    string `json:"text"`
}

// Preprompted is "preprompted": a client-selected canned prompt, echoed
// back on the same channel without any upstream interaction.
type Preprompted struct {
	Channel string `json:"channel"`
	Type    string `json:"type"`
	Enum    string `json:"enum"`
}

// Ignored is returned for message shapes the protocol accepts but takes
// no action on: unrecognized types on openai:conversation, and any frame
// on the receive-only sonju:suggestedQuestion / sonju:officeInfo channels.
type Ignored struct{}

// Summarize is "sonju:summarize": request the canned summary image.
type Summarize struct {
	Channel string `json:"channel"`
}

// Decode inspects the channel/type discriminator pair and returns the
// matching typed inbound message, or a *DecodeError for an unknown
// channel or malformed body.
func Decode(data []byte) (any, error) {
	var head struct {
		Channel string `json:"channel"`
		Type    string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, badRequest("invalid json frame", "")
	}
	channel := strings.TrimSpace(head.Channel)
	if channel == "" {
		return nil, badRequest("missing channel", "channel")
	}

	switch channel {
	case ChannelOpenAIConversation:
		typ := strings.TrimSpace(head.Type)
		if typ == "" {
			return nil, badRequest("missing type", "type")
		}
		return decodeConversation(data, typ)
	case ChannelSonjuSummarize:
		return Summarize{Channel: channel}, nil
	case ChannelSonjuSuggested, ChannelSonjuOfficeInfo:
		// Receive-only channels: any inbound frame is ignored.
		return Ignored{}, nil
	default:
		return nil, unknownChannel(channel)
	}
}

func decodeConversation(data []byte, typ string) (any, error) {
	switch typ {
	case "input_audio_buffer.commit":
		var msg AudioBufferCommit
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid input_audio_buffer.commit frame", "")
		}
		return msg, nil
	case "input_audio_buffer.append":
		var msg AudioBufferAppendJSON
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid input_audio_buffer.append frame", "")
		}
		return msg, nil
	case "input_audio_buffer.end":
		var msg AudioBufferEnd
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid input_audio_buffer.end frame", "")
		}
		return msg, nil
	case "input_text":
		var msg InputText
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid input_text frame", "")
		}
		if strings.TrimSpace(msg.Text) == "" {
			return nil, badRequest("input_text.text is required", "text")
		}
		return msg, nil
	case "preprompted":
		var msg Preprompted
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid preprompted frame", "")
		}
		return msg, nil
	default:
		// Unrecognized types on this channel are ignored, not rejected.
		return Ignored{}, nil
	}
}

// Outbound is a flat, literal-shaped client envelope: {channel, type,
// ...fields}. Fields live at the top level of the JSON object rather than
// nested under a wrapper key, matching the wire protocol exactly.
type Outbound map[string]any

func outbound(channel, typ string, fields map[string]any) Outbound {
	o := Outbound{"channel": channel, "type": typ}
	for k, v := range fields {
		o[k] = v
	}
	return o
}

// Outbound message constructors. Each mirrors an upstream event or a
// sonju: side-channel result, fanned out to the subscribed client
// connection.

func TextDelta(outputIndex int, delta string) Outbound {
	return outbound(ChannelOpenAIConversation, "response.text.delta", map[string]any{"output_index": outputIndex, "delta": delta})
}

func TextDone(outputIndex int) Outbound {
	return outbound(ChannelOpenAIConversation, "response.text.done", map[string]any{"output_index": outputIndex})
}

func AudioDelta(outputIndex int, delta string) Outbound {
	return outbound(ChannelOpenAIConversation, "response.audio.delta", map[string]any{"output_index": outputIndex, "delta": delta})
}

func AudioDone(outputIndex int) Outbound {
	return outbound(ChannelOpenAIConversation, "response.audio.done", map[string]any{"output_index": outputIndex})
}

func TranscriptDelta(outputIndex int, delta string) Outbound {
	return outbound(ChannelOpenAIConversation, "response.audio_transcript.delta", map[string]any{"output_index": outputIndex, "delta": delta})
}

func TranscriptDone(outputIndex int) Outbound {
	return outbound(ChannelOpenAIConversation, "response.audio_transcript.done", map[string]any{"output_index": outputIndex})
}

func ResponseDone() Outbound {
	return outbound(ChannelOpenAIConversation, "response.done", nil)
}

func PrepromptedDone(output string) Outbound {
	return outbound(ChannelOpenAIConversation, "preprompted.done", map[string]any{"output": output})
}

func SessionReady(sessionID string) Outbound {
	return outbound(ChannelSonjuSystem, "session.ready", map[string]any{"session_id": sessionID})
}

// cannedSummaryPNGBase64 is a 1x1 transparent PNG, preserved byte-for-byte
// as the canned sonju:summarize response until an upstream summarizer is
// defined.
const cannedSummaryPNGBase64 = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNk+A8AAQUBAScY42YAAAAASUVORK5CYII="

// SummaryImage is the synchronous reply to sonju:summarize.
func SummaryImage() Outbound {
	return outbound(ChannelSonjuSummarize, "summary.image", map[string]any{"image_base64": cannedSummaryPNGBase64})
}

// Error builds the single client-facing error envelope shape:
// {channel:"openai:error", code, ...extra}. message, when non-empty, is
// carried under "message"; extra carries any additional fields (e.g. a
// closed event's "reason", or an internal error's "kind"/"retryable").
func Error(code any, message string, extra map[string]any) Outbound {
	o := Outbound{"channel": ChannelOpenAIError, "code": code}
	if message != "" {
		o["message"] = message
	}
	for k, v := range extra {
		o[k] = v
	}
	return o
}
