package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/vmihailenco/msgpack/v5"

	"proximity-server/config"
	"proximity-server/media"
	"proximity-server/network_state"
	"proximity-server/protocol"
	"proximity-server/relay/local"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.TickInterval = 5 * time.Millisecond
	cfg.Channels = []string{config.DefaultChannelID, "arena"}

	engine := local.New(local.Options{MinPort: 31000, MaxPort: 31999})
	pool, err := media.NewWorkerPool(context.Background(), engine, 1)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	channels := NewChannelManager(cfg, pool, nil)
	srv := NewServer(cfg, channels, nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(func() {
		ts.Close()
		channels.CloseAllChannels()
		engine.Close()
	})
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads JSON frames until match returns true.
func readUntil(t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var f frame
		if err := json.Unmarshal(msg, &f); err != nil {
			t.Fatalf("decode %s: %v", msg, err)
		}
		if match(f) {
			return f
		}
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestWebSocketJoinMoveAndLeave(t *testing.T) {
	srv, ts := newTestServer(t)
	conn := dial(t, ts, "")

	f := readUntil(t, conn, func(f frame) bool { return f.Type == protocol.MsgPlayerAssigned })
	var assigned protocol.PlayerAssigned
	if err := json.Unmarshal(f.Data, &assigned); err != nil {
		t.Fatalf("decode playerAssigned: %v", err)
	}
	if assigned.PlayerID == "" {
		t.Fatalf("empty player id")
	}

	input := `{"type":"playerInput","data":{"keys":{"w":true},"seq":1}}`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(input)); err != nil {
		t.Fatalf("write: %v", err)
	}
	readUntil(t, conn, func(f frame) bool {
		if f.Type != protocol.MsgUpdatePlayers {
			return false
		}
		var players map[string]network_state.Player
		json.Unmarshal(f.Data, &players)
		p, ok := players[assigned.PlayerID]
		return ok && p.Y < assigned.Player.Y
	})

	lobby, _ := srv.Channels().GetChannel(config.DefaultChannelID)
	if lobby.PlayerCount() != 1 || srv.Connections() != 1 {
		t.Fatalf("players = %d, connections = %d", lobby.PlayerCount(), srv.Connections())
	}

	conn.Close()
	eventually(t, func() bool { return lobby.PlayerCount() == 0 && srv.Connections() == 0 }, "player was not removed after disconnect")
}

func TestWebSocketChannelsAreIsolated(t *testing.T) {
	srv, ts := newTestServer(t)
	a := dial(t, ts, "channel=lobby")
	b := dial(t, ts, "channel=arena")
	readUntil(t, a, func(f frame) bool { return f.Type == protocol.MsgPlayerAssigned })
	readUntil(t, b, func(f frame) bool { return f.Type == protocol.MsgPlayerAssigned })

	for _, id := range []string{"lobby", "arena"} {
		ch, ok := srv.Channels().GetChannel(id)
		if !ok || ch.PlayerCount() != 1 {
			t.Fatalf("channel %s should hold exactly one player", id)
		}
	}
}

func TestWebSocketMsgpackFrames(t *testing.T) {
	_, ts := newTestServer(t)
	conn := dial(t, ts, "encoding=msgpack")

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	kind, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.BinaryMessage {
		t.Fatalf("message kind = %d, want binary", kind)
	}
	var f map[string]any
	if err := msgpack.Unmarshal(msg, &f); err != nil {
		t.Fatalf("decode msgpack: %v", err)
	}
	if f["type"] != protocol.MsgPlayerAssigned {
		t.Fatalf("first frame = %v", f)
	}
}

func TestWebSocketRejectsBadRequests(t *testing.T) {
	_, ts := newTestServer(t)
	base := "ws" + strings.TrimPrefix(ts.URL, "http") + "/?"

	tests := []struct {
		query string
		code  int
	}{
		{"channel=nowhere", http.StatusNotFound},
		{"encoding=xml", http.StatusBadRequest},
	}
	for _, tt := range tests {
		_, resp, err := websocket.DefaultDialer.Dial(base+tt.query, nil)
		if err == nil {
			t.Fatalf("%s: dial should fail", tt.query)
		}
		if resp == nil || resp.StatusCode != tt.code {
			t.Fatalf("%s: response = %v, want %d", tt.query, resp, tt.code)
		}
	}
}

func TestCheckOrigin(t *testing.T) {
	cfg := config.Default()
	cfg.AllowedOrigins = []string{"https://play.example.com"}
	srv := NewServer(cfg, nil, nil)

	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if !srv.checkOrigin(r) {
		t.Fatalf("request without origin should pass")
	}
	r.Header.Set("Origin", "https://play.example.com")
	if !srv.checkOrigin(r) {
		t.Fatalf("allowed origin rejected")
	}
	r.Header.Set("Origin", "https://evil.example.com")
	if srv.checkOrigin(r) {
		t.Fatalf("foreign origin accepted")
	}
}
