package envelope

import (
	"encoding/json"
	"testing"
)

func TestDecode_InputAudioBufferCommitClearsBuffer(t *testing.T) {
	raw := []byte(`{"channel":"openai:conversation","type":"input_audio_buffer.commit"}`)
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if _, ok := msg.(AudioBufferCommit); !ok {
		t.Fatalf("decoded type = %T, want AudioBufferCommit", msg)
	}
}

func TestDecode_InputAudioBufferAppendAsJSONIsRejectedAtDispatch(t *testing.T) {
	raw := []byte(`{"channel":"openai:conversation","type":"input_audio_buffer.append"}`)
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if _, ok := msg.(AudioBufferAppendJSON); !ok {
		t.Fatalf("decoded type = %T, want AudioBufferAppendJSON", msg)
	}
}

func TestDecode_InputAudioBufferEnd(t *testing.T) {
	raw := []byte(`{"channel":"openai:conversation","type":"input_audio_buffer.end"}`)
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if _, ok := msg.(AudioBufferEnd); !ok {
		t.Fatalf("decoded type = %T, want AudioBufferEnd", msg)
	}
}

func TestDecode_InputTextRequiresText(t *testing.T) {
	raw := []byte(`{"channel":"openai:conversation","type":"input_text"}`)
	if _, err := Decode(raw); err == nil {
		t.Fatal("expected error for missing text")
	}
}

func TestDecode_InputText(t *testing.T) {
	raw := []byte(`{"channel":"openai:conversation","type":"input_text","text":"안녕"}`)
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	got, ok := msg.(InputText)
	if !ok {
		t.Fatalf("decoded type = %T, want InputText", msg)
	}
	if got.Text != "안녕" {
		t.Fatalf("text=%q", got.Text)
	}
}

func TestDecode_Preprompted(t *testing.T) {
	raw := []byte(`{"channel":"openai:conversation","type":"preprompted","enum":"office_hours"}`)
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	got, ok := msg.(Preprompted)
	if !ok {
		t.Fatalf("decoded type = %T, want Preprompted", msg)
	}
	if got.Enum != "office_hours" {
		t.Fatalf("enum=%q", got.Enum)
	}
}

func TestDecode_UnrecognizedConversationTypeIsIgnoredNotRejected(t *testing.T) {
	raw := []byte(`{"channel":"openai:conversation","type":"nonsense"}`)
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v, want no error (unrecognized types are ignored)", err)
	}
	if _, ok := msg.(Ignored); !ok {
		t.Fatalf("decoded type = %T, want Ignored", msg)
	}
}

func TestDecode_SonjuSummarizeRequiresNoType(t *testing.T) {
	raw := []byte(`{"channel":"sonju:summarize"}`)
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if _, ok := msg.(Summarize); !ok {
		t.Fatalf("decoded type = %T, want Summarize", msg)
	}
}

func TestDecode_SuggestedQuestionAndOfficeInfoAreReceiveOnly(t *testing.T) {
	for _, raw := range [][]byte{
		[]byte(`{"channel":"sonju:suggestedQuestion","type":"request"}`),
		[]byte(`{"channel":"sonju:officeInfo","type":"request"}`),
	} {
		msg, err := Decode(raw)
		if err != nil {
			t.Fatalf("Decode(%s) error = %v", raw, err)
		}
		if _, ok := msg.(Ignored); !ok {
			t.Fatalf("decoded type = %T, want Ignored", msg)
		}
	}
}

func TestDecode_UnknownChannel(t *testing.T) {
	raw := []byte(`{"channel":"nope:whatever","type":"request"}`)
	_, err := Decode(raw)
	de, ok := err.(*DecodeError)
	if !ok || de.Code != "unknown_channel" {
		t.Fatalf("err=%v, want *DecodeError{Code: unknown_channel}", err)
	}
}

func TestDecode_MissingChannelOrTypeOnConversationChannel(t *testing.T) {
	if _, err := Decode([]byte(`{"type":"input_text"}`)); err == nil {
		t.Fatal("expected error for missing channel")
	}
	if _, err := Decode([]byte(`{"channel":"openai:conversation"}`)); err == nil {
		t.Fatal("expected error for missing type")
	}
}

func TestOutboundConstructors_FlatWireShape(t *testing.T) {
	cases := []struct {
		out          Outbound
		wantChannel  string
		wantType     string
		requireField string
	}{
		{TextDelta(0, "hi"), ChannelOpenAIConversation, "response.text.delta", "delta"},
		{TextDone(0), ChannelOpenAIConversation, "response.text.done", "output_index"},
		{AudioDelta(0, "abc"), ChannelOpenAIConversation, "response.audio.delta", "delta"},
		{AudioDone(0), ChannelOpenAIConversation, "response.audio.done", "output_index"},
		{TranscriptDelta(0, "hi"), ChannelOpenAIConversation, "response.audio_transcript.delta", "delta"},
		{TranscriptDone(0), ChannelOpenAIConversation, "response.audio_transcript.done", "output_index"},
		{ResponseDone(), ChannelOpenAIConversation, "response.done", ""},
		{PrepromptedDone("x"), ChannelOpenAIConversation, "preprompted.done", "output"},
		{SessionReady("sonj_1"), ChannelSonjuSystem, "session.ready", "session_id"},
		{SummaryImage(), ChannelSonjuSummarize, "summary.image", "image_base64"},
		{Error(400, "bad", nil), ChannelOpenAIError, "", "code"},
	}
	for _, c := range cases {
		data, err := json.Marshal(c.out)
		if err != nil {
			t.Fatalf("marshal %+v: %v", c.out, err)
		}
		var back map[string]any
		if err := json.Unmarshal(data, &back); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if back["channel"] != c.wantChannel {
			t.Fatalf("channel=%v, want %v", back["channel"], c.wantChannel)
		}
		if c.wantType != "" && back["type"] != c.wantType {
			t.Fatalf("type=%v, want %v", back["type"], c.wantType)
		}
		if c.requireField != "" {
			if _, ok := back[c.requireField]; !ok {
				t.Fatalf("expected top-level field %q in %v", c.requireField, back)
			}
		}
		if _, ok := back["data"]; ok {
			t.Fatalf("outbound envelope must not nest a \"data\" key: %v", back)
		}
	}
}

func TestError_ClosedEventShapeCarriesReasonNotMessage(t *testing.T) {
	out := Error(1011, "", map[string]any{"reason": "server error"})
	data, err := json.Marshal(out)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back map[string]any
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back["channel"] != ChannelOpenAIError {
		t.Fatalf("channel=%v, want %v", back["channel"], ChannelOpenAIError)
	}
	if _, ok := back["message"]; ok {
		t.Fatalf("expected no message field when message is empty: %v", back)
	}
	if back["reason"] != "server error" {
		t.Fatalf("reason=%v, want %q", back["reason"], "server error")
	}
}
