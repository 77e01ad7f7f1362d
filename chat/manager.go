package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/xiaoyuanzhu-com/claude-chat/log"
	"github.com/xiaoyuanzhu-com/claude-chat/sdk"
)

// MessageWriter delivers one ServerMessage to a connected client. An error
// means the connection can no longer accept frames; the manager then counts
// the message as lag instead of dropping it.
type MessageWriter interface {
	WriteServerMessage(msg *ServerMessage) error
}

// ManagerConfig tunes the manager's session lifecycle.
type ManagerConfig struct {
	CLIPath       string
	IdleTTL       time.Duration
	CleanInterval time.Duration
	SettingsDir   string
	Debug         string
}

// Manager is the single actor owning every session, connection, and routing
// table. All state below the mailbox is touched only by the run loop, which
// is what keeps the routing invariants local.
type Manager struct {
	cfg      ManagerConfig
	settings *SettingsStore
	prompts  *PromptHistory

	mailbox  chan any
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	conns         map[uint32]MessageWriter
	chatToConn    map[string]uint32
	chatToSession map[string]*Session
	sessionByID   map[string]*Session
	sessions      map[*Session]struct{}
}

// Mailbox message types.

type connOpenedMsg struct {
	connID uint32
	writer MessageWriter
}

type connClosedMsg struct {
	connID uint32
}

type clientMsg struct {
	connID uint32
	msg    ClientMessage
}

type cliMsg struct {
	session   *Session
	sessionID string
	data      ServerData
}

type sessionEndedMsg struct {
	session *Session
	reason  sdk.StopReason
	err     error
}

type listSessionsMsg struct {
	workDir string
	reply   chan []SessionInfo
}

type startChatMsg struct {
	opts  StartChatOptions
	reply chan startChatResult
}

type startChatResult struct {
	records []MessageRecord
	err     error
}

type cleanTickMsg struct{}

// NewManager creates the manager and its settings store. Call Start to run
// the actor loop.
func NewManager(cfg ManagerConfig) *Manager {
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 10 * time.Minute
	}
	if cfg.CleanInterval <= 0 {
		cfg.CleanInterval = 5 * time.Minute
	}
	if cfg.CLIPath == "" {
		cfg.CLIPath = "claude"
	}
	return &Manager{
		cfg:           cfg,
		settings:      NewSettingsStore(cfg.SettingsDir),
		prompts:       NewPromptHistory(cfg.SettingsDir),
		mailbox:       make(chan any, 256),
		done:          make(chan struct{}),
		stopped:       make(chan struct{}),
		conns:         make(map[uint32]MessageWriter),
		chatToConn:    make(map[string]uint32),
		chatToSession: make(map[string]*Session),
		sessionByID:   make(map[string]*Session),
		sessions:      make(map[*Session]struct{}),
	}
}

// Start launches the actor loop.
func (m *Manager) Start() {
	go m.run()
}

// Stop shuts the loop down and stops every live session. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
	})
	<-m.stopped
	m.settings.Close()
}

// Settings exposes the profile store to the API layer.
func (m *Manager) Settings() *SettingsStore {
	return m.settings
}

// Prompts exposes the prompt history to the API layer.
func (m *Manager) Prompts() *PromptHistory {
	return m.prompts
}

// post delivers a mailbox message unless the manager is shutting down.
func (m *Manager) post(msg any) {
	select {
	case m.mailbox <- msg:
	case <-m.done:
	}
}

// Connect registers a new client connection and its writer.
func (m *Manager) Connect(connID uint32, writer MessageWriter) {
	m.post(connOpenedMsg{connID: connID, writer: writer})
}

// Disconnect removes a closed connection. Sessions it subscribed to keep
// running; their messages accumulate as lag.
func (m *Manager) Disconnect(connID uint32) {
	m.post(connClosedMsg{connID: connID})
}

// Handle dispatches one decoded client frame.
func (m *Manager) Handle(connID uint32, msg ClientMessage) {
	m.post(clientMsg{connID: connID, msg: msg})
}

// SessionsByWorkDir lists live sessions bound to the given working
// directory.
func (m *Manager) SessionsByWorkDir(ctx context.Context, workDir string) ([]SessionInfo, error) {
	reply := make(chan []SessionInfo, 1)
	m.post(listSessionsMsg{workDir: workDir, reply: reply})
	select {
	case infos := <-reply:
		return infos, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, fmt.Errorf("manager stopped")
	}
}

// StartChat runs the start/resume state machine and returns the session's
// cached records. The WebSocket path goes through Handle instead and gets
// the records replayed over the wire.
func (m *Manager) StartChat(ctx context.Context, opts StartChatOptions) ([]MessageRecord, error) {
	reply := make(chan startChatResult, 1)
	m.post(startChatMsg{opts: opts, reply: reply})
	select {
	case res := <-reply:
		return res.records, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, fmt.Errorf("manager stopped")
	}
}

// ClaudeInfo spawns a disposable CLI child in workDir, performs the
// handshake, and reports the supported commands and models. Stateless, so
// it runs outside the actor loop.
func (m *Manager) ClaudeInfo(ctx context.Context, workDir string) (*sdk.ServerInfo, error) {
	opts := &sdk.Options{
		WorkingDir:       workDir,
		PathToExecutable: m.cfg.CLIPath,
	}
	transport, err := sdk.Spawn(ctx, nil, opts)
	if err != nil {
		return nil, err
	}
	defer transport.Stop()

	go func() {
		for range transport.Messages() {
		}
	}()

	return transport.Initialize(ctx)
}

// run is the actor loop.
func (m *Manager) run() {
	ticker := time.NewTicker(m.cfg.CleanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			for s := range m.sessions {
				s.transport.Stop()
			}
			close(m.stopped)
			return

		case <-ticker.C:
			m.cleanSessions()

		case raw := <-m.mailbox:
			switch msg := raw.(type) {
			case connOpenedMsg:
				m.conns[msg.connID] = msg.writer
			case connClosedMsg:
				m.handleConnClosed(msg.connID)
			case clientMsg:
				m.handleClientMsg(msg.connID, msg.msg)
			case cliMsg:
				m.handleCliMsg(msg)
			case sessionEndedMsg:
				m.handleSessionEnded(msg)
			case listSessionsMsg:
				msg.reply <- m.listSessions(msg.workDir)
			case startChatMsg:
				records, err := m.startChat(msg.opts)
				msg.reply <- startChatResult{records: records, err: err}
			case cleanTickMsg:
				m.cleanSessions()
			}
		}
	}
}

func (m *Manager) handleConnClosed(connID uint32) {
	delete(m.conns, connID)
	for chat, conn := range m.chatToConn {
		if conn == connID {
			delete(m.chatToConn, chat)
		}
	}
	// chat→session bindings survive; their messages lag until the chat
	// registers again on a new connection
}

func (m *Manager) handleClientMsg(connID uint32, msg ClientMessage) {
	chatID := msg.ChatID
	data := msg.Data

	switch data.Kind {
	case KindRegister:
		m.handleRegister(connID, chatID)

	case KindStartChat:
		records, err := m.startChat(StartChatOptions{
			ChatID:  chatID,
			WorkDir: data.WorkDir,
			Mode:    data.Mode,
			Resume:  data.Resume,
			Config:  data.Config,
		})
		if err != nil {
			m.sendError(chatID, err)
			return
		}
		m.replayAll(chatID, records)

	case KindUserInput:
		s, ok := m.chatToSession[chatID]
		if !ok {
			m.sendError(chatID, ErrSessionNotFound)
			return
		}
		if !s.send(sessionCmd{kind: cmdUserInput, text: data.Content}) {
			m.sendError(chatID, fmt.Errorf("session busy, input dropped"))
			return
		}
		if record, ok := userInputRecord(data.Content, s.id); ok {
			s.records = append(s.records, record)
		}
		s.lastActivity = time.Now()
		m.prompts.Add(data.Content, s.workDir)

	case KindPermissionResp:
		s, ok := m.chatToSession[chatID]
		if !ok {
			m.sendError(chatID, ErrSessionNotFound)
			return
		}
		if !s.send(sessionCmd{kind: cmdPermissionResp, permission: data.Permission}) {
			m.sendError(chatID, fmt.Errorf("session busy, permission response dropped"))
			return
		}
		if payload, err := json.Marshal(data.Permission); err == nil {
			s.records = append(s.records, MessageRecord{
				Timestamp: time.Now(),
				Kind:      RecordPermissionResp,
				Payload:   payload,
			})
		}
		s.lastActivity = time.Now()

	case KindSetMode:
		mode := sdk.PermissionMode(data.Mode)
		if !sdk.ValidPermissionMode(mode) {
			m.sendError(chatID, fmt.Errorf("invalid permission mode: %q", data.Mode))
			return
		}
		m.forward(chatID, sessionCmd{kind: cmdSetMode, mode: mode})
	case KindGetInfo:
		m.forward(chatID, sessionCmd{kind: cmdGetInfo})
	case KindInterrupt:
		m.forward(chatID, sessionCmd{kind: cmdInterrupt})

	case KindStopSession:
		s, ok := m.chatToSession[chatID]
		if !ok {
			m.sendError(chatID, ErrSessionNotFound)
			return
		}
		s.send(sessionCmd{kind: cmdStop})
		m.removeSession(s, true)

	default:
		m.sendError(chatID, fmt.Errorf("unknown message kind: %s", data.Kind))
	}
}

// forward relays a command to the chat's bound session.
func (m *Manager) forward(chatID string, cmd sessionCmd) {
	s, ok := m.chatToSession[chatID]
	if !ok {
		m.sendError(chatID, ErrSessionNotFound)
		return
	}
	if !s.send(cmd) {
		m.sendError(chatID, fmt.Errorf("session busy, command dropped"))
		return
	}
	s.lastActivity = time.Now()
}

// handleRegister binds the chat to the connection and replays anything the
// chat missed while detached.
func (m *Manager) handleRegister(connID uint32, chatID string) {
	m.chatToConn[chatID] = connID

	s, ok := m.chatToSession[chatID]
	if !ok || s.lagCount == 0 {
		return
	}
	m.replayLag(s, chatID)
}

// replayLag pushes the undelivered tail of the session cache through the
// chat's writer, in original order. A write failure leaves the remaining
// lag intact for the next registration.
func (m *Manager) replayLag(s *Session, chatID string) {
	writer, ok := m.writerForChat(chatID)
	if !ok {
		return
	}

	var replayable []MessageRecord
	for _, r := range s.records {
		if r.Replayable() {
			replayable = append(replayable, r)
		}
	}
	if s.lagCount > len(replayable) {
		s.lagCount = len(replayable)
	}

	lagged := replayable[len(replayable)-s.lagCount:]
	for _, r := range lagged {
		msg := &ServerMessage{ChatID: chatID, Data: r.toServerData()}
		if err := writer.WriteServerMessage(msg); err != nil {
			log.Warn().Err(err).Str("chatId", chatID).Int("remaining", s.lagCount).Msg("replay interrupted")
			return
		}
		s.lagCount--
	}
}

// handleCliMsg caches a session's outbound message and delivers it to the
// subscriber, counting lag when delivery is impossible.
func (m *Manager) handleCliMsg(msg cliMsg) {
	s := msg.session
	if _, live := m.sessions[s]; !live {
		return
	}

	if msg.sessionID != "" && s.id == "" {
		if other, exists := m.sessionByID[msg.sessionID]; exists && other != s {
			log.Warn().Str("sessionId", msg.sessionID).Msg("session id already bound to another live session")
		}
		s.id = msg.sessionID
		m.sessionByID[msg.sessionID] = s
		log.Debug().Str("sessionId", msg.sessionID).Msg("session id assigned")
	}

	record, cacheable := recordFromServerData(msg.data)
	if cacheable {
		s.records = append(s.records, record)
		s.lastActivity = time.Now()
	}

	if s.subscriberChat == "" {
		if cacheable {
			s.lagCount++
		}
		return
	}
	writer, ok := m.writerForChat(s.subscriberChat)
	if !ok {
		if cacheable {
			s.lagCount++
		}
		return
	}
	out := &ServerMessage{ChatID: s.subscriberChat, Data: msg.data}
	if err := writer.WriteServerMessage(out); err != nil {
		if cacheable {
			s.lagCount++
		}
	}
}

func (m *Manager) handleSessionEnded(msg sessionEndedMsg) {
	s := msg.session
	if _, live := m.sessions[s]; !live {
		return
	}

	if msg.reason.Abnormal() {
		detail := msg.reason.String()
		if msg.err != nil {
			detail = fmt.Sprintf("%s: %v", detail, msg.err)
		}
		log.Warn().Str("sessionId", s.id).Str("reason", detail).Msg("session ended abnormally")
		if s.subscriberChat != "" {
			m.deliver(s.subscriberChat, serverErrorData(fmt.Sprintf("session ended: %s", detail)))
		}
	}
	m.removeSession(s, true)
}

// removeSession drops the session from every table and stops its transport.
// With notify, subscribed chats receive chat_removed.
func (m *Manager) removeSession(s *Session, notify bool) {
	if s.id != "" && m.sessionByID[s.id] == s {
		delete(m.sessionByID, s.id)
	}
	for chat, sess := range m.chatToSession {
		if sess == s {
			delete(m.chatToSession, chat)
			if notify {
				m.deliver(chat, chatRemovedData())
			}
		}
	}
	delete(m.sessions, s)
	s.subscriberChat = ""
	s.transport.Stop()
}

// startChat implements the start/resume state machine.
func (m *Manager) startChat(opts StartChatOptions) ([]MessageRecord, error) {
	if _, ok := m.chatToConn[opts.ChatID]; !ok {
		return nil, ErrChatNotRegistered
	}
	mode := sdk.PermissionMode(opts.Mode)
	if opts.Mode != "" && !sdk.ValidPermissionMode(mode) {
		return nil, fmt.Errorf("invalid permission mode: %q", opts.Mode)
	}

	// resume an active session
	if opts.Resume != "" {
		if s, ok := m.sessionByID[opts.Resume]; ok {
			if old := s.subscriberChat; old != "" && old != opts.ChatID {
				delete(m.chatToSession, old)
				m.deliver(old, chatRemovedData())
			}
			m.attach(opts.ChatID, s)
			if mode != "" {
				s.send(sessionCmd{kind: cmdSetMode, mode: mode})
			}
			return s.snapshotRecords(), nil
		}
	}

	var records []MessageRecord
	if opts.Resume != "" {
		// session exists only on disk
		loaded, err := LoadTranscript(opts.WorkDir, opts.Resume)
		if err != nil {
			return nil, err
		}
		records = loaded
	}

	s, err := m.spawnSession(opts.WorkDir, mode, opts.Resume, opts.Config)
	if err != nil {
		return nil, err
	}

	if opts.Resume != "" {
		s.id = opts.Resume
		m.sessionByID[opts.Resume] = s
		s.records = records
		if len(records) > 0 {
			s.lastActivity = records[len(records)-1].Timestamp
		}
	}
	m.attach(opts.ChatID, s)
	return s.snapshotRecords(), nil
}

// attach makes chatID the session's sole subscriber.
func (m *Manager) attach(chatID string, s *Session) {
	if prev, ok := m.chatToSession[chatID]; ok && prev != s {
		prev.subscriberChat = ""
	}
	m.chatToSession[chatID] = s
	s.subscriberChat = chatID
	s.lagCount = 0
}

// spawnSession starts a new streaming CLI child, with the named settings
// profile installed for the duration of the spawn.
func (m *Manager) spawnSession(workDir string, mode sdk.PermissionMode, resume string, configName string) (*Session, error) {
	s := newSession(m, workDir)

	opts := &sdk.Options{
		WorkingDir:       workDir,
		PermissionMode:   mode,
		Resume:           resume,
		PathToExecutable: m.cfg.CLIPath,
		CanUseTool:       s.permissionCallback(),
	}
	if m.cfg.Debug != "" {
		opts.Env = map[string]string{"DEBUG": m.cfg.Debug}
	}

	var transport *sdk.Transport
	err := m.settings.withProfile(configName, func() error {
		t, err := sdk.Spawn(context.Background(), nil, opts)
		if err != nil {
			return err
		}
		transport = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.transport = transport
	m.sessions[s] = struct{}{}
	go s.run()

	// handshake in the background so the loop never blocks on the child
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := transport.Initialize(ctx); err != nil {
			log.Warn().Err(err).Str("workDir", workDir).Msg("initialize handshake failed")
		}
	}()

	log.Info().Str("workDir", workDir).Str("resume", resume).Msg("session started")
	return s, nil
}

func (m *Manager) listSessions(workDir string) []SessionInfo {
	var infos []SessionInfo
	for s := range m.sessions {
		if s.id == "" || s.workDir != workDir {
			continue
		}
		infos = append(infos, s.info())
	}
	return infos
}

// cleanSessions stops sessions idle past the TTL.
func (m *Manager) cleanSessions() {
	cutoff := time.Now().Add(-m.cfg.IdleTTL)
	for s := range m.sessions {
		if s.lastActivity.Before(cutoff) {
			log.Info().Str("sessionId", s.id).Time("lastActivity", s.lastActivity).Msg("stopping idle session")
			s.send(sessionCmd{kind: cmdStop})
			m.removeSession(s, true)
		}
	}
}

// replayAll sends the full cache to the chat, user turns included; records
// carry CLI-shaped frames so everything goes out as claude data.
func (m *Manager) replayAll(chatID string, records []MessageRecord) {
	writer, ok := m.writerForChat(chatID)
	if !ok {
		return
	}
	for _, r := range records {
		msg := &ServerMessage{ChatID: chatID, Data: r.toServerData()}
		if err := writer.WriteServerMessage(msg); err != nil {
			log.Warn().Err(err).Str("chatId", chatID).Msg("start_chat replay interrupted")
			return
		}
	}
}

func (m *Manager) writerForChat(chatID string) (MessageWriter, bool) {
	connID, ok := m.chatToConn[chatID]
	if !ok {
		return nil, false
	}
	writer, ok := m.conns[connID]
	return writer, ok
}

// deliver sends one payload to the chat's connection, best effort.
func (m *Manager) deliver(chatID string, data ServerData) {
	writer, ok := m.writerForChat(chatID)
	if !ok {
		return
	}
	if err := writer.WriteServerMessage(&ServerMessage{ChatID: chatID, Data: data}); err != nil {
		log.Debug().Err(err).Str("chatId", chatID).Msg("delivery failed")
	}
}

func (m *Manager) sendError(chatID string, err error) {
	if !IsBusinessError(err) {
		log.Error().Err(err).Str("chatId", chatID).Msg("request failed")
	}
	m.deliver(chatID, serverErrorData(err.Error()))
}

// recordFromServerData classifies an outbound payload for the cache.
// Errors and removal notices are delivered but never cached.
func recordFromServerData(data ServerData) (MessageRecord, bool) {
	record := MessageRecord{Timestamp: time.Now()}
	switch data.Kind {
	case KindClaude:
		record.Kind = RecordClaude
		record.Payload = data.Claude
	case KindSystemInfo:
		record.Kind = RecordSystemInfo
		record.Payload = data.Info
	case KindCanUseTool:
		record.Kind = RecordCanUseTool
		record.Payload = data.CanUseTool
	default:
		return MessageRecord{}, false
	}
	return record, true
}

// userInputRecord caches a client turn as a CLI-shaped user frame.
func userInputRecord(text string, sessionID string) (MessageRecord, bool) {
	payload, err := json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": text,
		},
		"session_id": sessionID,
	})
	if err != nil {
		return MessageRecord{}, false
	}
	return MessageRecord{Timestamp: time.Now(), Kind: RecordUserInput, Payload: payload}, true
}
