package chat

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTranscript(t *testing.T, configDir, workDir, sessionID, content string) {
	t.Helper()
	dir := filepath.Join(configDir, "projects", sanitizeProjectPath(workDir))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, sessionID+".jsonl"), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSanitizeProjectPath(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/data/home/sen/code/projects/ai/zsen/cc-web", "-data-home-sen-code-projects-ai-zsen-cc-web"},
		{`C:\work\my.app`, "C--work-my-app"},
		{"/tmp/a.b.c", "-tmp-a-b-c"},
	}
	for _, c := range cases {
		if got := sanitizeProjectPath(c.in); got != c.want {
			t.Errorf("sanitizeProjectPath(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestLoadTranscript(t *testing.T) {
	configDir := t.TempDir()
	t.Setenv("CLAUDE_CONFIG_DIR", configDir)
	workDir := "/data/projects/demo"

	writeTranscript(t, configDir, workDir, "sess-1", `{"type":"summary","summary":"earlier work"}
{"type":"user","message":{"role":"user","content":"first question"},"sessionId":"sess-1","timestamp":"2026-01-02T03:04:05Z"}

{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"first answer"}]},"sessionId":"sess-1","timestamp":"2026-01-02T03:04:07Z"}
this line is not json
{"type":"system","subtype":"turn_end","sessionId":"sess-1"}
`)

	records, err := LoadTranscript(workDir, "sess-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}

	if records[0].Kind != RecordUserInput {
		t.Errorf("first record kind %s", records[0].Kind)
	}
	if records[1].Kind != RecordClaude {
		t.Errorf("second record kind %s", records[1].Kind)
	}
	want := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if !records[0].Timestamp.Equal(want) {
		t.Errorf("timestamp not taken from transcript: %v", records[0].Timestamp)
	}
	if got := userTextFromFrame(records[0].Payload); got != "first question" {
		t.Errorf("promoted user frame lost its text: %q", got)
	}
}

func TestLoadTranscript_NotFound(t *testing.T) {
	t.Setenv("CLAUDE_CONFIG_DIR", t.TempDir())

	_, err := LoadTranscript("/data/projects/demo", "missing")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("expected ErrSessionNotFound, got %v", err)
	}
	if !IsBusinessError(err) {
		t.Error("a missing transcript is a business error")
	}
}

func TestLoadSessionInfos(t *testing.T) {
	configDir := t.TempDir()
	t.Setenv("CLAUDE_CONFIG_DIR", configDir)
	workDir := "/data/projects/demo"

	writeTranscript(t, configDir, workDir, "older", `{"type":"user","message":{"role":"user","content":"old question"},"sessionId":"older","timestamp":"2026-01-01T00:00:00Z"}
`)
	writeTranscript(t, configDir, workDir, "newer", `{"type":"user","message":{"role":"user","content":"new question"},"sessionId":"newer","timestamp":"2026-02-01T00:00:00Z"}
{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"answer"}]},"sessionId":"newer","timestamp":"2026-02-01T00:00:01Z"}
`)
	// content-free transcripts are skipped entirely
	writeTranscript(t, configDir, workDir, "empty", `{"type":"summary","summary":"nothing"}
`)

	infos, err := LoadSessionInfos(workDir)
	if err != nil {
		t.Fatalf("scan failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(infos))
	}
	if infos[0].SessionID != "newer" || infos[1].SessionID != "older" {
		t.Errorf("not ordered by activity: %s, %s", infos[0].SessionID, infos[1].SessionID)
	}
	if infos[0].MessageCount != 2 {
		t.Errorf("message count %d", infos[0].MessageCount)
	}
	if infos[0].LastUserInput != "new question" {
		t.Errorf("last user input %q", infos[0].LastUserInput)
	}
}

func TestLoadSessionInfos_NoProjectDir(t *testing.T) {
	t.Setenv("CLAUDE_CONFIG_DIR", t.TempDir())

	infos, err := LoadSessionInfos("/data/projects/never-used")
	if err != nil {
		t.Fatalf("expected nil error for missing project dir, got %v", err)
	}
	if infos != nil {
		t.Errorf("expected no sessions, got %v", infos)
	}
}
