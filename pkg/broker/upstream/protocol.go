// Package upstream implements the Upstream Session: the outbound WebSocket
// connection to the model-inference service, its wire protocol, and its
// typed event feed.
package upstream

import (
	"encoding/json"
	"fmt"
)

// Outbound frame types (broker -> upstream).
const (
	FrameSessionUpdate         = "session.update"
	FrameConversationItemCreate = "conversation.item.create"
	FrameResponseCreate        = "response.create"
	FrameInputAudioAppend      = "input_audio_buffer.append"
	FrameInputAudioCommit      = "input_audio_buffer.commit"
	FrameInputAudioClear       = "input_audio_buffer.clear"
	FrameToolOutput            = "tool.output"
)

// Inbound event types (upstream -> broker).
const (
	EventSessionCreated               = "session.created"
	EventSessionUpdated               = "session.updated"
	EventTextDelta                    = "response.text.delta"
	EventTextDone                     = "response.text.done"
	EventAudioDelta                   = "response.audio.delta"
	EventAudioDone                    = "response.audio.done"
	EventAudioTranscriptDelta         = "response.audio_transcript.delta"
	EventAudioTranscriptDone          = "response.audio_transcript.done"
	EventFunctionCallArgumentsDelta   = "response.function_call.arguments.delta"
	EventFunctionCallArgumentsDone    = "response.function_call.arguments.done"
	EventResponseDone                 = "response.done"
	EventError                        = "error"
	EventResponseError                = "response.error"
)

// Modality is one of "text" or "audio".
type Modality = string

const (
	ModalityText  Modality = "text"
	ModalityAudio Modality = "audio"
)

// ragSearchToolDefinition is the fixed JSON schema for the rag_search tool
// registered on every session.update frame.
func ragSearchToolDefinition() map[string]any {
	return map[string]any{
		"type": "function",
		"name": "rag_search",
		"parameters": map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string"},
				"mode": map[string]any{
					"type": "string",
					"enum": []string{"provisional", "final"},
				},
				"topK": map[string]any{
					"type":    "integer",
					"minimum": 1,
					"maximum": 5,
					"default": 2,
				},
				"threshold": map[string]any{
					"type":    "number",
					"minimum": 0,
					"maximum": 1,
					"default": 0.3,
				},
			},
			"required": []string{"query"},
		},
	}
}

type sessionUpdateFrame struct {
	Type    string             `json:"type"`
	Session sessionUpdateBody `json:"session"`
}

type sessionUpdateBody struct {
	Modalities              []string         `json:"modalities,omitempty"`
	Instructions            string           `json:"instructions,omitempty"`
	InputAudioFormat        string           `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string           `json:"output_audio_format,omitempty"`
	InputAudioTranscription *inputTranscript `json:"input_audio_transcription,omitempty"`
	TurnDetection           any              `json:"turn_detection"`
	Temperature             float64          `json:"temperature,omitempty"`
	MaxResponseOutputTokens int              `json:"max_response_output_tokens,omitempty"`
	Tools                   []map[string]any `json:"tools,omitempty"`
}

type inputTranscript struct {
	Model string `json:"model"`
}

type conversationItemCreateFrame struct {
	Type string              `json:"type"`
	Item conversationItemBody `json:"item"`
}

type conversationItemBody struct {
	Type    string                 `json:"type"`
	Role    string                 `json:"role"`
	Content []conversationContent `json:"content"`
}

type conversationContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type responseCreateFrame struct {
	Type     string         `json:"type"`
	Response responseCreateBody `json:"response"`
}

type responseCreateBody struct {
	Modalities []string `json:"modalities"`
}

type inputAudioAppendFrame struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type simpleFrame struct {
	Type string `json:"type"`
}

type toolOutputFrame struct {
	Type      string `json:"type"`
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output"`
}

// inboundEnvelope is the minimal shape needed to route an inbound frame
// before unmarshalling it fully.
type inboundEnvelope struct {
	Type string `json:"type"`
}

func decodeType(data []byte) (string, error) {
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("invalid upstream frame: %w", err)
	}
	return env.Type, nil
}

type textDeltaPayload struct {
	OutputIndex int    `json:"output_index"`
	Delta       string `json:"delta"`
}

type textDonePayload struct {
	OutputIndex int `json:"output_index"`
}

type functionCallArgsDeltaPayload struct {
	CallID string `json:"call_id"`
	Name   string `json:"name"`
	Delta  string `json:"delta"`
}

type functionCallArgsDonePayload struct {
	CallID string `json:"call_id"`
}

type errorPayload struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Message string `json:"message"`
}
