package chat

import (
	"encoding/json"
	"time"
)

// Client-to-server message kinds.
const (
	KindRegister       = "register"
	KindUserInput      = "user_input"
	KindPermissionResp = "permission_resp"
	KindSetMode        = "set_mode"
	KindGetInfo        = "get_info"
	KindStopSession    = "stop_session"
	KindInterrupt      = "interrupt"
	KindStartChat      = "start_chat"
)

// Server-to-client message kinds.
const (
	KindClaude      = "claude"
	KindServerError = "server_error"
	KindSystemInfo  = "system_info"
	KindCanUseTool  = "can_use_tool"
	KindChatRemoved = "chat_removed"
)

// ClientMessage is one frame from a WebSocket client. Data.Kind selects
// which of the optional fields are meaningful.
type ClientMessage struct {
	ChatID string     `json:"chat_id"`
	Data   ClientData `json:"data"`
}

// ClientData is the kind-discriminated payload of a ClientMessage.
type ClientData struct {
	Kind string `json:"kind"`

	// user_input
	Content string `json:"content,omitempty"`

	// permission_resp: {behavior: allow|deny, updatedInput?, message?, interrupt?}
	Permission map[string]any `json:"permission,omitempty"`

	// set_mode, start_chat
	Mode string `json:"mode,omitempty"`

	// start_chat
	WorkDir string `json:"work_dir,omitempty"`
	Resume  string `json:"resume,omitempty"`
	Config  string `json:"config,omitempty"`
}

// ServerMessage is one frame to a WebSocket client.
type ServerMessage struct {
	ChatID string     `json:"chat_id"`
	Data   ServerData `json:"data"`
}

// ServerData is the kind-discriminated payload of a ServerMessage. Claude
// payloads carry the CLI frame verbatim.
type ServerData struct {
	Kind       string          `json:"kind"`
	Claude     json.RawMessage `json:"claude,omitempty"`
	Error      string          `json:"error,omitempty"`
	Info       json.RawMessage `json:"info,omitempty"`
	CanUseTool json.RawMessage `json:"can_use_tool,omitempty"`
}

func claudeData(frame json.RawMessage) ServerData {
	return ServerData{Kind: KindClaude, Claude: frame}
}

func serverErrorData(msg string) ServerData {
	return ServerData{Kind: KindServerError, Error: msg}
}

func systemInfoData(info json.RawMessage) ServerData {
	return ServerData{Kind: KindSystemInfo, Info: info}
}

func canUseToolData(params json.RawMessage) ServerData {
	return ServerData{Kind: KindCanUseTool, CanUseTool: params}
}

func chatRemovedData() ServerData {
	return ServerData{Kind: KindChatRemoved}
}

// RecordKind classifies a cached message.
type RecordKind string

const (
	RecordUserInput      RecordKind = "user_input"
	RecordClaude         RecordKind = "claude"
	RecordSystemInfo     RecordKind = "system_info"
	RecordCanUseTool     RecordKind = "can_use_tool"
	RecordPermissionResp RecordKind = "permission_resp"
)

// MessageRecord is one entry of a session's in-memory cache. Payload holds
// the message verbatim: a CLI frame for claude and user_input records, the
// permission params for can_use_tool, the client's answer for
// permission_resp, and the marshaled server info for system_info.
type MessageRecord struct {
	Timestamp time.Time       `json:"timestamp"`
	Kind      RecordKind      `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
}

// Replayable reports whether the record is sent back out on reattach.
// Records that originated from the client itself are not.
func (r MessageRecord) Replayable() bool {
	return r.Kind != RecordUserInput && r.Kind != RecordPermissionResp
}

// toServerData converts a cached record back into an outbound payload.
// user_input records hold a CLI-shaped user frame, so a full-cache replay
// (start_chat response) presents them as claude data.
func (r MessageRecord) toServerData() ServerData {
	switch r.Kind {
	case RecordSystemInfo:
		return systemInfoData(r.Payload)
	case RecordCanUseTool:
		return canUseToolData(r.Payload)
	default:
		return claudeData(r.Payload)
	}
}

// SessionInfo summarizes one session for listing endpoints.
type SessionInfo struct {
	SessionID     string    `json:"session_id"`
	WorkDir       string    `json:"work_dir"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
	MessageCount  int       `json:"message_count"`
	LastUserInput string    `json:"last_user_input"`
	Active        bool      `json:"active"`
}

// StartChatOptions are the inputs of the start_chat operation.
type StartChatOptions struct {
	ChatID  string
	WorkDir string
	Mode    string
	Resume  string
	Config  string
}
