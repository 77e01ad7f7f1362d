package chat

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestRecordReplayable(t *testing.T) {
	cases := []struct {
		kind RecordKind
		want bool
	}{
		{RecordClaude, true},
		{RecordSystemInfo, true},
		{RecordCanUseTool, true},
		{RecordUserInput, false},
		{RecordPermissionResp, false},
	}
	for _, c := range cases {
		r := MessageRecord{Kind: c.kind}
		if r.Replayable() != c.want {
			t.Errorf("%s: Replayable() = %v, want %v", c.kind, r.Replayable(), c.want)
		}
	}
}

func TestRecordToServerData(t *testing.T) {
	payload := json.RawMessage(`{"x":1}`)

	if data := (MessageRecord{Kind: RecordSystemInfo, Payload: payload}).toServerData(); data.Kind != KindSystemInfo || data.Info == nil {
		t.Errorf("system_info record mapped to %+v", data)
	}
	if data := (MessageRecord{Kind: RecordCanUseTool, Payload: payload}).toServerData(); data.Kind != KindCanUseTool || data.CanUseTool == nil {
		t.Errorf("can_use_tool record mapped to %+v", data)
	}
	// claude and user_input records both go out as claude frames
	if data := (MessageRecord{Kind: RecordClaude, Payload: payload}).toServerData(); data.Kind != KindClaude {
		t.Errorf("claude record mapped to %+v", data)
	}
	if data := (MessageRecord{Kind: RecordUserInput, Payload: payload}).toServerData(); data.Kind != KindClaude {
		t.Errorf("user_input record mapped to %+v", data)
	}
}

func TestUserTextFromFrame(t *testing.T) {
	stringContent := json.RawMessage(`{"type":"user","message":{"role":"user","content":"plain text"}}`)
	if got := userTextFromFrame(stringContent); got != "plain text" {
		t.Errorf("string content: got %q", got)
	}

	blockContent := json.RawMessage(`{"type":"user","message":{"role":"user","content":[{"type":"tool_result","content":"x"},{"type":"text","text":"from block"}]}}`)
	if got := userTextFromFrame(blockContent); got != "from block" {
		t.Errorf("block content: got %q", got)
	}

	if got := userTextFromFrame(json.RawMessage(`not json`)); got != "" {
		t.Errorf("garbage frame: got %q", got)
	}
}

func TestUserInputRecord(t *testing.T) {
	record, ok := userInputRecord("what time is it", "sess-1")
	if !ok {
		t.Fatal("userInputRecord failed")
	}
	if record.Kind != RecordUserInput {
		t.Errorf("unexpected kind %s", record.Kind)
	}
	if !strings.Contains(string(record.Payload), `"session_id":"sess-1"`) {
		t.Errorf("payload missing session id: %s", record.Payload)
	}
	if got := userTextFromFrame(record.Payload); got != "what time is it" {
		t.Errorf("round trip lost the text: %q", got)
	}
}
