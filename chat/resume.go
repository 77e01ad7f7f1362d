package chat

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// claudeConfigDir returns the CLI's own config directory.
func claudeConfigDir() (string, error) {
	if dir := os.Getenv("CLAUDE_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".claude"), nil
}

// sanitizeProjectPath converts a working directory into the CLI's project
// directory name: '/', '\', ':' and '.' all become '-'.
func sanitizeProjectPath(workDir string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '.':
			return '-'
		default:
			return r
		}
	}, workDir)
}

// projectDir returns the directory holding workDir's transcripts.
func projectDir(workDir string) (string, error) {
	configDir, err := claudeConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "projects", sanitizeProjectPath(workDir)), nil
}

// transcriptLine is one entry of a CLI session log. Only the fields needed
// for promotion are decoded; Message stays raw.
type transcriptLine struct {
	Type      string          `json:"type"`
	Message   json.RawMessage `json:"message"`
	SessionID string          `json:"sessionId"`
	Timestamp string          `json:"timestamp"`
}

// LoadTranscript reads the on-disk transcript of one session and promotes
// its user and assistant lines to cache records. Summary, snapshot and
// system lines carry no conversation content and are skipped. Returns
// ErrSessionNotFound when no transcript exists.
func LoadTranscript(workDir, sessionID string) ([]MessageRecord, error) {
	dir, err := projectDir(workDir)
	if err != nil {
		return nil, err
	}

	path := filepath.Join(dir, sessionID+".jsonl")
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: no transcript for session %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	var records []MessageRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		record, ok := promoteTranscriptLine(line, sessionID)
		if !ok {
			continue
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}

	return records, nil
}

// promoteTranscriptLine turns one transcript line into a cache record, when
// it is a user or assistant message.
func promoteTranscriptLine(line []byte, sessionID string) (MessageRecord, bool) {
	var entry transcriptLine
	if err := json.Unmarshal(line, &entry); err != nil {
		return MessageRecord{}, false
	}

	var kind RecordKind
	switch entry.Type {
	case "user":
		kind = RecordUserInput
	case "assistant":
		kind = RecordClaude
	default:
		return MessageRecord{}, false
	}

	frame, err := json.Marshal(map[string]any{
		"type":       entry.Type,
		"message":    json.RawMessage(entry.Message),
		"session_id": sessionID,
	})
	if err != nil {
		return MessageRecord{}, false
	}

	ts := time.Now()
	if t, err := time.Parse(time.RFC3339, entry.Timestamp); err == nil {
		ts = t
	}

	return MessageRecord{Timestamp: ts, Kind: kind, Payload: frame}, true
}

// LoadSessionInfos scans workDir's transcript directory and summarizes each
// session found there. Sessions with no user or assistant content are
// skipped. Results are ordered most recently active first.
func LoadSessionInfos(workDir string) ([]SessionInfo, error) {
	dir, err := projectDir(workDir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read project directory: %w", err)
	}

	var infos []SessionInfo
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}
		sessionID := strings.TrimSuffix(name, ".jsonl")
		info, ok := summarizeTranscript(workDir, sessionID)
		if !ok {
			continue
		}
		infos = append(infos, info)
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].LastActivity.After(infos[j].LastActivity)
	})
	return infos, nil
}

func summarizeTranscript(workDir, sessionID string) (SessionInfo, bool) {
	records, err := LoadTranscript(workDir, sessionID)
	if err != nil || len(records) == 0 {
		return SessionInfo{}, false
	}

	info := SessionInfo{
		SessionID:    sessionID,
		WorkDir:      workDir,
		CreatedAt:    records[0].Timestamp,
		LastActivity: records[len(records)-1].Timestamp,
		MessageCount: len(records),
	}
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Kind == RecordUserInput {
			info.LastUserInput = userTextFromFrame(records[i].Payload)
			break
		}
	}
	return info, true
}
