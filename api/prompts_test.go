package api

import (
	"bufio"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/xiaoyuanzhu-com/claude-chat/chat"
)

func TestListPrompts(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialChatWS(t, srv)

	sendClient(t, conn, chat.ClientMessage{
		ChatID: "c1",
		Data:   chat.ClientData{Kind: chat.KindRegister},
	})
	sendClient(t, conn, chat.ClientMessage{
		ChatID: "c1",
		Data:   chat.ClientData{Kind: chat.KindStartChat},
	})
	readServer(t, conn) // init

	sendClient(t, conn, chat.ClientMessage{
		ChatID: "c1",
		Data:   chat.ClientData{Kind: chat.KindUserInput, Content: "list my files"},
	})
	readServer(t, conn) // assistant reply

	resp, err := http.Get(srv.URL + "/api/prompts")
	if err != nil {
		t.Fatalf("get prompts failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get prompts status %d", resp.StatusCode)
	}

	var payload struct {
		Prompts []chat.PromptRecord `json:"prompts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		t.Fatalf("undecodable prompts: %v", err)
	}
	if len(payload.Prompts) != 1 {
		t.Fatalf("expected 1 prompt, got %d", len(payload.Prompts))
	}
	if payload.Prompts[0].Content != "list my files" {
		t.Errorf("unexpected prompt content: %q", payload.Prompts[0].Content)
	}
}

func TestStreamPrompts_SendsBacklog(t *testing.T) {
	srv, manager := newTestServer(t)
	manager.Prompts().Add("earlier prompt", "/w")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(srv.URL + "/api/prompts/stream")
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stream status %d", resp.StatusCode)
	}

	reader := bufio.NewReader(resp.Body)
	deadline := time.Now().Add(3 * time.Second)
	var seen strings.Builder
	for time.Now().Before(deadline) {
		line, err := reader.ReadString('\n')
		seen.WriteString(line)
		if strings.Contains(seen.String(), "earlier prompt") {
			return
		}
		if err != nil {
			break
		}
	}
	t.Fatalf("backlog never arrived, got: %q", seen.String())
}
