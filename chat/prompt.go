package chat

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/xiaoyuanzhu-com/claude-chat/log"
)

const (
	promptsFileName = "prompts.jsonl"

	// maxPrompts caps the in-memory history; the file keeps everything.
	maxPrompts = 100

	promptStreamBuffer = 16
)

// PromptRecord is one remembered user prompt.
type PromptRecord struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	WorkDir   string    `json:"work_dir,omitempty"`
}

// PromptHistory keeps the most recent user prompts across all sessions: a
// bounded in-memory ring for listing, a JSONL append log for persistence,
// and fan-out channels for live subscribers.
type PromptHistory struct {
	path string

	mu          sync.Mutex
	prompts     []PromptRecord
	subscribers map[int]chan PromptRecord
	nextSubID   int
}

// NewPromptHistory loads <dir>/prompts.jsonl, keeping only the newest
// maxPrompts entries in memory.
func NewPromptHistory(dir string) *PromptHistory {
	h := &PromptHistory{
		path:        filepath.Join(dir, promptsFileName),
		subscribers: make(map[int]chan PromptRecord),
	}
	h.prompts = loadPrompts(h.path)
	return h
}

func loadPrompts(path string) []PromptRecord {
	file, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn().Err(err).Str("path", path).Msg("failed to open prompt history")
		}
		return nil
	}
	defer file.Close()

	var prompts []PromptRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record PromptRecord
		if err := json.Unmarshal(line, &record); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("skipping unreadable prompt record")
			continue
		}
		prompts = append(prompts, record)
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to read prompt history")
	}

	if len(prompts) > maxPrompts {
		prompts = prompts[len(prompts)-maxPrompts:]
	}
	return prompts
}

// Add remembers one prompt: ring, file, subscribers. Empty prompts are not
// worth remembering.
func (h *PromptHistory) Add(content, workDir string) {
	if content == "" {
		return
	}
	record := PromptRecord{
		Content:   content,
		Timestamp: time.Now(),
		WorkDir:   workDir,
	}

	h.mu.Lock()
	h.prompts = append(h.prompts, record)
	if len(h.prompts) > maxPrompts {
		h.prompts = h.prompts[len(h.prompts)-maxPrompts:]
	}
	for id, ch := range h.subscribers {
		select {
		case ch <- record:
		default:
			// subscriber stopped draining; cut it loose
			close(ch)
			delete(h.subscribers, id)
		}
	}
	h.mu.Unlock()

	if err := h.appendToFile(record); err != nil {
		log.Warn().Err(err).Str("path", h.path).Msg("failed to persist prompt")
	}
}

func (h *PromptHistory) appendToFile(record PromptRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(h.path), 0755); err != nil {
		return err
	}
	file, err := os.OpenFile(h.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.Write(append(data, '\n'))
	return err
}

// Records returns a snapshot of the remembered prompts, oldest first.
func (h *PromptHistory) Records() []PromptRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]PromptRecord, len(h.prompts))
	copy(out, h.prompts)
	return out
}

// Subscribe returns the current backlog plus a channel carrying every prompt
// recorded after it. The channel is closed when the subscriber falls too far
// behind; cancel unsubscribes.
func (h *PromptHistory) Subscribe() ([]PromptRecord, <-chan PromptRecord, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	backlog := make([]PromptRecord, len(h.prompts))
	copy(backlog, h.prompts)

	ch := make(chan PromptRecord, promptStreamBuffer)
	id := h.nextSubID
	h.nextSubID++
	h.subscribers[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subscribers[id]; ok {
			delete(h.subscribers, id)
			close(c)
		}
	}
	return backlog, ch, cancel
}
