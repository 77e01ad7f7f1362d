package chat

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// ============================================================================
// Ring and persistence
// ============================================================================

func TestPromptHistory_KeepsNewest(t *testing.T) {
	h := NewPromptHistory(t.TempDir())

	for i := 0; i < maxPrompts+5; i++ {
		h.Add(fmt.Sprintf("prompt %d", i), "/tmp/w")
	}

	records := h.Records()
	if len(records) != maxPrompts {
		t.Fatalf("expected %d records, got %d", maxPrompts, len(records))
	}
	if records[0].Content != "prompt 5" {
		t.Errorf("oldest surviving record should be prompt 5, got %q", records[0].Content)
	}
	if records[len(records)-1].Content != fmt.Sprintf("prompt %d", maxPrompts+4) {
		t.Errorf("newest record wrong: %q", records[len(records)-1].Content)
	}
}

func TestPromptHistory_IgnoresEmpty(t *testing.T) {
	h := NewPromptHistory(t.TempDir())
	h.Add("", "/tmp/w")
	if got := len(h.Records()); got != 0 {
		t.Errorf("empty prompt must not be recorded, got %d records", got)
	}
}

func TestPromptHistory_PersistAndReload(t *testing.T) {
	dir := t.TempDir()

	h := NewPromptHistory(dir)
	h.Add("first", "/w1")
	h.Add("second", "/w2")

	reloaded := NewPromptHistory(dir)
	records := reloaded.Records()
	if len(records) != 2 {
		t.Fatalf("expected 2 reloaded records, got %d", len(records))
	}
	if records[0].Content != "first" || records[1].Content != "second" {
		t.Errorf("reload out of order: %q, %q", records[0].Content, records[1].Content)
	}
	if records[1].WorkDir != "/w2" {
		t.Errorf("workdir lost on reload: %q", records[1].WorkDir)
	}
}

func TestPromptHistory_SkipsUnreadableLines(t *testing.T) {
	dir := t.TempDir()
	content := `{"content":"good one","timestamp":"2026-01-02T03:04:05Z"}
not json at all
{"content":"good two","timestamp":"2026-01-02T03:04:06Z"}
`
	if err := os.WriteFile(filepath.Join(dir, promptsFileName), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	h := NewPromptHistory(dir)
	records := h.Records()
	if len(records) != 2 {
		t.Fatalf("expected the 2 readable records, got %d", len(records))
	}
	if records[0].Content != "good one" || records[1].Content != "good two" {
		t.Errorf("unexpected records: %+v", records)
	}
}

// ============================================================================
// Subscription
// ============================================================================

func TestPromptHistory_Subscribe(t *testing.T) {
	h := NewPromptHistory(t.TempDir())
	h.Add("before", "/w")

	backlog, ch, cancel := h.Subscribe()
	if len(backlog) != 1 || backlog[0].Content != "before" {
		t.Fatalf("unexpected backlog: %+v", backlog)
	}

	h.Add("after", "/w")
	select {
	case record := <-ch:
		if record.Content != "after" {
			t.Errorf("unexpected live record: %q", record.Content)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for live prompt")
	}

	cancel()
	if _, ok := <-ch; ok {
		t.Error("channel must be closed after cancel")
	}

	// recording after cancel must not reach the dead subscriber
	h.Add("later", "/w")
	if got := len(h.Records()); got != 3 {
		t.Errorf("expected 3 records total, got %d", got)
	}
}

func TestPromptHistory_DropsStalledSubscriber(t *testing.T) {
	h := NewPromptHistory(t.TempDir())
	_, ch, cancel := h.Subscribe()
	defer cancel()

	for i := 0; i < promptStreamBuffer+1; i++ {
		h.Add(fmt.Sprintf("flood %d", i), "/w")
	}

	// the stalled channel was closed once its buffer filled
	drained := 0
	for range ch {
		drained++
	}
	if drained != promptStreamBuffer {
		t.Errorf("expected %d buffered records before the close, got %d", promptStreamBuffer, drained)
	}
}

// ============================================================================
// Manager wiring
// ============================================================================

func TestUserInput_RecordedInPromptHistory(t *testing.T) {
	m, _ := newTestManager(t, basicScript)
	w := newFakeWriter()
	m.Connect(1, w)
	register(m, 1, "c1")

	workDir := t.TempDir()
	if _, err := m.StartChat(testCtx(t), StartChatOptions{ChatID: "c1", WorkDir: workDir}); err != nil {
		t.Fatalf("start chat failed: %v", err)
	}
	recvKind(t, w, KindClaude) // init

	m.Handle(1, ClientMessage{ChatID: "c1", Data: ClientData{Kind: KindUserInput, Content: "remember me"}})
	recvKind(t, w, KindClaude)

	records := m.Prompts().Records()
	if len(records) != 1 {
		t.Fatalf("expected 1 prompt, got %d", len(records))
	}
	if records[0].Content != "remember me" || records[0].WorkDir != workDir {
		t.Errorf("unexpected prompt record: %+v", records[0])
	}
}

func TestUserInput_WithoutSessionNotRecorded(t *testing.T) {
	m, _ := newTestManager(t, basicScript)
	w := newFakeWriter()
	m.Connect(1, w)
	register(m, 1, "c1")

	m.Handle(1, ClientMessage{ChatID: "c1", Data: ClientData{Kind: KindUserInput, Content: "lost"}})
	recvKind(t, w, KindServerError)

	if got := len(m.Prompts().Records()); got != 0 {
		t.Errorf("rejected input must not enter the prompt history, got %d records", got)
	}
}
