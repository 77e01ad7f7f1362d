package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/xiaoyuanzhu-com/claude-chat/chat"
)

// fakeCLIScript answers every user turn with one assistant message, like the
// real CLI in streaming mode.
const fakeCLIScript = `#!/bin/sh
sid="sess-$$"
printf '{"type":"system","subtype":"init","session_id":"%s"}\n' "$sid"
while IFS= read -r line; do
  case "$line" in
  *'"type":"user"'*)
    printf '{"type":"assistant","session_id":"%s","message":{"role":"assistant","content":[{"type":"text","text":"ok"}]}}\n' "$sid"
    ;;
  esac
done
`

func newTestServer(t *testing.T) (*httptest.Server, *chat.Manager) {
	t.Helper()

	cliPath := filepath.Join(t.TempDir(), "fake-claude")
	if err := os.WriteFile(cliPath, []byte(fakeCLIScript), 0o755); err != nil {
		t.Fatalf("failed to write fake CLI: %v", err)
	}

	manager := chat.NewManager(chat.ManagerConfig{
		CLIPath:       cliPath,
		IdleTTL:       time.Hour,
		CleanInterval: time.Hour,
		SettingsDir:   t.TempDir(),
	})
	manager.Start()
	t.Cleanup(manager.Stop)

	gin.SetMode(gin.TestMode)
	router := gin.New()
	SetupRoutes(router, NewHandler(manager, context.Background()))

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, manager
}

func dialChatWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/chat/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendClient(t *testing.T, conn *websocket.Conn, msg chat.ClientMessage) {
	t.Helper()
	if err := conn.WriteJSON(msg); err != nil {
		t.Fatalf("write failed: %v", err)
	}
}

func readServer(t *testing.T, conn *websocket.Conn) chat.ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg chat.ServerMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read failed: %v", err)
	}
	return msg
}

func TestChatWS_RoundTrip(t *testing.T) {
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

	init := readServer(t, conn)
	if init.ChatID != "c1" || init.Data.Kind != chat.KindClaude {
		t.Fatalf("expected claude init frame, got %+v", init)
	}
	if !strings.Contains(string(init.Data.Claude), `"subtype":"init"`) {
		t.Errorf("unexpected init payload: %s", init.Data.Claude)
	}

	sendClient(t, conn, chat.ClientMessage{
		ChatID: "c1",
		Data:   chat.ClientData{Kind: chat.KindUserInput, Content: "Hello"},
	})
	reply := readServer(t, conn)
	if reply.Data.Kind != chat.KindClaude || !strings.Contains(string(reply.Data.Claude), `"type":"assistant"`) {
		t.Fatalf("expected assistant frame, got %+v", reply)
	}

	sendClient(t, conn, chat.ClientMessage{
		ChatID: "c1",
		Data:   chat.ClientData{Kind: chat.KindStopSession},
	})
	removed := readServer(t, conn)
	if removed.Data.Kind != chat.KindChatRemoved {
		t.Fatalf("expected chat_removed, got %+v", removed)
	}
}

func TestChatWS_ErrorsForUnboundChat(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialChatWS(t, srv)

	sendClient(t, conn, chat.ClientMessage{
		ChatID: "c1",
		Data:   chat.ClientData{Kind: chat.KindRegister},
	})
	sendClient(t, conn, chat.ClientMessage{
		ChatID: "c1",
		Data:   chat.ClientData{Kind: chat.KindUserInput, Content: "Hello"},
	})

	msg := readServer(t, conn)
	if msg.Data.Kind != chat.KindServerError {
		t.Fatalf("expected server_error, got %+v", msg)
	}
	if !strings.Contains(msg.Data.Error, "session not found") {
		t.Errorf("unexpected error text: %s", msg.Data.Error)
	}
}

func TestChatWS_UndecodableFrameIgnored(t *testing.T) {
	srv, _ := newTestServer(t)
	conn := dialChatWS(t, srv)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	// the connection survives the bad frame
	sendClient(t, conn, chat.ClientMessage{
		ChatID: "c1",
		Data:   chat.ClientData{Kind: chat.KindRegister},
	})
	sendClient(t, conn, chat.ClientMessage{
		ChatID: "c1",
		Data:   chat.ClientData{Kind: chat.KindUserInput, Content: "Hello"},
	})
	msg := readServer(t, conn)
	if msg.Data.Kind != chat.KindServerError {
		t.Fatalf("expected server_error after bad frame, got %+v", msg)
	}
}

func TestSettingsEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/settings")
	if err != nil {
		t.Fatalf("get settings failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get settings status %d", resp.StatusCode)
	}
	var settings chat.Settings
	if err := json.NewDecoder(resp.Body).Decode(&settings); err != nil {
		t.Fatalf("undecodable settings: %v", err)
	}
	if _, ok := settings.Get("ccr"); !ok {
		t.Errorf("expected default ccr profile, got %+v", settings)
	}
}

func TestListSessions_RequiresWorkDir(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/sessions")
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("expected 400 without work_dir, got %d", resp.StatusCode)
	}
}
