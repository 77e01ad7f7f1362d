package sdk

import (
	"context"
	"encoding/json"
)

// Message is one decoded data frame from the child's stdout. Raw preserves
// the exact bytes the child emitted; fields gives cheap access to the
// envelope without re-decoding.
type Message struct {
	Type   string
	Raw    json.RawMessage
	fields map[string]any
}

func newMessage(raw []byte, fields map[string]any) *Message {
	typ, _ := fields["type"].(string)
	buf := make([]byte, len(raw))
	copy(buf, raw)
	return &Message{Type: typ, Raw: buf, fields: fields}
}

// SessionID returns the session_id field, or "" when absent.
func (m *Message) SessionID() string {
	id, _ := m.fields["session_id"].(string)
	return id
}

// Subtype returns the subtype field, or "" when absent.
func (m *Message) Subtype() string {
	s, _ := m.fields["subtype"].(string)
	return s
}

// ServerInfo is the payload of the initialize handshake response.
type ServerInfo struct {
	Commands []any `json:"commands"`
	Models   []any `json:"models"`
}

// CanUseToolFunc decides whether the child may invoke a tool. Input and
// suggestions arrive as decoded JSON straight from the control request.
type CanUseToolFunc func(ctx context.Context, toolName string, input map[string]any, suggestions []any) (PermissionResult, error)

// PermissionResult is the outcome of a tool permission check: either
// PermissionAllow or PermissionDeny.
type PermissionResult interface {
	toResponse() map[string]any
}

// PermissionAllow lets the tool call proceed, optionally with rewritten input.
type PermissionAllow struct {
	UpdatedInput       map[string]any
	UpdatedPermissions []any
}

func (p PermissionAllow) toResponse() map[string]any {
	resp := map[string]any{"behavior": "allow"}
	if p.UpdatedInput != nil {
		resp["updatedInput"] = p.UpdatedInput
	}
	if p.UpdatedPermissions != nil {
		resp["updatedPermissions"] = p.UpdatedPermissions
	}
	return resp
}

// PermissionDeny refuses the tool call; Interrupt additionally asks the
// child to abort the current turn.
type PermissionDeny struct {
	Message   string
	Interrupt bool
}

func (p PermissionDeny) toResponse() map[string]any {
	resp := map[string]any{"behavior": "deny", "message": p.Message}
	if p.Interrupt {
		resp["interrupt"] = true
	}
	return resp
}

// ParsePermissionResult converts a decoded client permission reply into a
// PermissionResult. The wire shape mirrors toResponse.
func ParsePermissionResult(v map[string]any) PermissionResult {
	if behavior, _ := v["behavior"].(string); behavior == "allow" {
		allow := PermissionAllow{}
		if input, ok := v["updatedInput"].(map[string]any); ok {
			allow.UpdatedInput = input
		}
		if perms, ok := v["updatedPermissions"].([]any); ok {
			allow.UpdatedPermissions = perms
		}
		return allow
	}
	deny := PermissionDeny{}
	if msg, ok := v["message"].(string); ok {
		deny.Message = msg
	}
	if intr, ok := v["interrupt"].(bool); ok {
		deny.Interrupt = intr
	}
	return deny
}
