package chat

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/xiaoyuanzhu-com/claude-chat/log"
	"github.com/xiaoyuanzhu-com/claude-chat/sdk"
)

type sessionCmdKind int

const (
	cmdUserInput sessionCmdKind = iota
	cmdPermissionResp
	cmdSetMode
	cmdSetModel
	cmdInterrupt
	cmdGetInfo
	cmdCanUseTool
	cmdStop
)

type sessionCmd struct {
	kind       sessionCmdKind
	text       string
	permission map[string]any
	mode       sdk.PermissionMode
	model      string
	ask        *permissionAsk
}

// permissionAsk is one pending tool-permission question. The reply channel
// completes at most once; closing it signals cancellation to the transport
// callback that is blocked on the answer.
type permissionAsk struct {
	params json.RawMessage
	reply  chan sdk.PermissionResult
}

// Session is one live CLI conversation. The run goroutine owns the
// transport and the pending permission slot; everything in the manager-state
// block is owned by the Manager loop and never touched here.
type Session struct {
	workDir   string
	createdAt time.Time
	transport *sdk.Transport
	mailbox   chan sessionCmd
	mgr       *Manager

	// manager state
	id             string
	lastActivity   time.Time
	records        []MessageRecord
	subscriberChat string
	lagCount       int
}

// newSession builds the session shell. The transport is attached after
// spawn succeeds, so the permission callback can close over the session.
func newSession(mgr *Manager, workDir string) *Session {
	now := time.Now()
	return &Session{
		workDir:      workDir,
		createdAt:    now,
		lastActivity: now,
		mailbox:      make(chan sessionCmd, 32),
		mgr:          mgr,
	}
}

// send posts a command to the session actor without blocking. Returns false
// when the transport has stopped or the mailbox is full; the manager loop
// must never park on a session, because the session actor may itself be
// waiting on the manager mailbox.
func (s *Session) send(cmd sessionCmd) bool {
	select {
	case s.mailbox <- cmd:
		return true
	case <-s.transport.Done():
		return false
	default:
		return false
	}
}

// permissionCallback builds the CanUseToolFunc wired into the transport.
// It parks the question in the actor's single pending slot and blocks until
// the client answers or the transport stops.
func (s *Session) permissionCallback() sdk.CanUseToolFunc {
	return func(ctx context.Context, toolName string, input map[string]any, suggestions []any) (sdk.PermissionResult, error) {
		params, err := json.Marshal(map[string]any{
			"tool_name":              toolName,
			"input":                  input,
			"permission_suggestions": suggestions,
		})
		if err != nil {
			return nil, err
		}

		ask := &permissionAsk{params: params, reply: make(chan sdk.PermissionResult, 1)}
		select {
		case s.mailbox <- sessionCmd{kind: cmdCanUseTool, ask: ask}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}

		select {
		case result, ok := <-ask.reply:
			if !ok {
				return nil, errors.New("permission question superseded")
			}
			return result, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// run is the session actor loop: child output on one side, manager commands
// on the other. Exits when the transport's message stream closes.
func (s *Session) run() {
	var pending *permissionAsk
	curID := ""

	defer func() {
		if pending != nil {
			close(pending.reply)
		}
	}()

	for {
		select {
		case msg, ok := <-s.transport.Messages():
			if !ok {
				reason, err := s.transport.StopCause()
				s.mgr.post(sessionEndedMsg{session: s, reason: reason, err: err})
				return
			}
			if curID == "" && msg.SessionID() != "" {
				curID = msg.SessionID()
			}
			s.mgr.post(cliMsg{session: s, sessionID: curID, data: claudeData(msg.Raw)})

		case cmd := <-s.mailbox:
			switch cmd.kind {
			case cmdUserInput:
				if err := s.transport.SendUserMessage(cmd.text, curID); err != nil {
					log.Warn().Err(err).Msg("failed to forward user input")
				}

			case cmdPermissionResp:
				if pending == nil {
					log.Warn().Msg("permission response with no pending question")
					continue
				}
				pending.reply <- sdk.ParsePermissionResult(cmd.permission)
				pending = nil

			case cmdCanUseTool:
				if pending != nil {
					log.Warn().Msg("new permission question while one is pending, replacing")
					close(pending.reply)
				}
				pending = cmd.ask
				s.mgr.post(cliMsg{session: s, sessionID: curID, data: canUseToolData(cmd.ask.params)})

			case cmdSetMode:
				if err := s.transport.SetPermissionMode(cmd.mode); err != nil {
					log.Warn().Err(err).Msg("failed to set permission mode")
				}

			case cmdSetModel:
				if err := s.transport.SetModel(cmd.model); err != nil {
					log.Warn().Err(err).Msg("failed to set model")
				}

			case cmdInterrupt:
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
					defer cancel()
					if err := s.transport.Interrupt(ctx); err != nil {
						log.Warn().Err(err).Msg("interrupt failed")
					}
				}()

			case cmdGetInfo:
				info, err := s.transport.ServerInfo()
				if err != nil {
					s.mgr.post(cliMsg{session: s, sessionID: curID, data: serverErrorData(err.Error())})
					continue
				}
				payload, err := json.Marshal(info)
				if err != nil {
					log.Error().Err(err).Msg("failed to marshal server info")
					continue
				}
				s.mgr.post(cliMsg{session: s, sessionID: curID, data: systemInfoData(payload)})

			case cmdStop:
				s.transport.Stop()
				// keep draining until the message stream closes
			}
		}
	}
}

// snapshotRecords copies the cache for handing out of the manager loop.
func (s *Session) snapshotRecords() []MessageRecord {
	out := make([]MessageRecord, len(s.records))
	copy(out, s.records)
	return out
}

// info summarizes the session. Manager loop only.
func (s *Session) info() SessionInfo {
	lastInput := ""
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].Kind == RecordUserInput {
			lastInput = userTextFromFrame(s.records[i].Payload)
			break
		}
	}
	return SessionInfo{
		SessionID:     s.id,
		WorkDir:       s.workDir,
		CreatedAt:     s.createdAt,
		LastActivity:  s.lastActivity,
		MessageCount:  len(s.records),
		LastUserInput: lastInput,
		Active:        true,
	}
}

// userTextFromFrame extracts the text content of a CLI-shaped user frame.
func userTextFromFrame(frame json.RawMessage) string {
	var v struct {
		Message struct {
			Content any `json:"content"`
		} `json:"message"`
	}
	if err := json.Unmarshal(frame, &v); err != nil {
		return ""
	}
	switch content := v.Message.Content.(type) {
	case string:
		return content
	case []any:
		for _, block := range content {
			if m, ok := block.(map[string]any); ok {
				if m["type"] == "text" {
					if text, ok := m["text"].(string); ok {
						return text
					}
				}
			}
		}
	}
	return ""
}
