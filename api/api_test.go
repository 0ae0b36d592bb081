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

	"proximity-server/config"
	"proximity-server/media"
	"proximity-server/protocol"
	"proximity-server/relay/local"
	"proximity-server/server"
)

type nopPeer struct{ id string }

func (p nopPeer) ID() string                  { return p.id }
func (p nopPeer) Encoding() protocol.Encoding { return protocol.EncodingJSON }
func (p nopPeer) Enqueue([]byte) bool         { return true }

type fixture struct {
	cfg      config.Config
	srv      *server.Server
	metrics  *MetricsHandler
	handler  http.Handler
	channels *server.ChannelManager
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.TickInterval = 5 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	engine := local.New(local.Options{MinPort: 32000, MaxPort: 32999})
	pool, err := media.NewWorkerPool(context.Background(), engine, 1)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	channels := server.NewChannelManager(cfg, pool, nil)
	srv := server.NewServer(cfg, channels, nil)
	metrics := NewMetricsHandler(cfg, srv)
	t.Cleanup(func() {
		channels.CloseAllChannels()
		engine.Close()
	})
	return &fixture{
		cfg:      cfg,
		srv:      srv,
		metrics:  metrics,
		handler:  NewRouter(cfg, srv, metrics, nil),
		channels: channels,
	}
}

func (f *fixture) get(t *testing.T, path string, out any) int {
	t.Helper()
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	if out != nil {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("GET %s: decode %q: %v", path, rec.Body.String(), err)
		}
	}
	return rec.Code
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	var body map[string]string
	if code := f.get(t, "/api/v1/health", &body); code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("health = %d %v", code, body)
	}
}

func TestChannelsAndGroups(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.Channels = []string{"lobby", "arena"} })
	lobby, _ := f.channels.GetChannel("lobby")
	lobby.Join(nopPeer{"a"})
	lobby.Join(nopPeer{"b"})
	waitFor(t, func() bool { return len(lobby.ChatGroups()) == 1 })

	var list struct {
		Items []struct {
			ID      string `json:"id"`
			Players int    `json:"players"`
		} `json:"items"`
		TotalItems int `json:"total_items"`
	}
	if code := f.get(t, "/api/v1/channels", &list); code != http.StatusOK {
		t.Fatalf("channels status = %d", code)
	}
	if list.TotalItems != 2 || list.Items[0].ID != "arena" || list.Items[1].ID != "lobby" || list.Items[1].Players != 2 {
		t.Fatalf("channels = %+v", list)
	}

	var groups struct {
		ID   string `json:"id"`
		Chat []struct {
			PlayerIDs []string `json:"playerIds"`
		} `json:"chat"`
		Media []media.GroupInfo `json:"media"`
	}
	if code := f.get(t, "/api/v1/channels/lobby/groups", &groups); code != http.StatusOK {
		t.Fatalf("groups status = %d", code)
	}
	if groups.ID != "lobby" || len(groups.Chat) != 1 || len(groups.Chat[0].PlayerIDs) != 2 || len(groups.Media) != 0 {
		t.Fatalf("groups = %+v", groups)
	}

	var players map[string]json.RawMessage
	if code := f.get(t, "/api/v1/channels/lobby/players", &players); code != http.StatusOK || len(players) != 2 {
		t.Fatalf("players = %d %v", code, players)
	}

	var apiErr apiError
	if code := f.get(t, "/api/v1/channels/nowhere/groups", &apiErr); code != http.StatusNotFound || apiErr.Error == "" {
		t.Fatalf("unknown channel = %d %+v", code, apiErr)
	}
}

func TestMetricsAndHealthTransitions(t *testing.T) {
	f := newFixture(t, nil)

	var m MetricsResponse
	if code := f.get(t, "/api/v1/metrics", &m); code != http.StatusOK {
		t.Fatalf("metrics status = %d", code)
	}
	if m.Health != HealthHealthy || len(m.Channels) != 1 || m.Channels[0].ID != config.DefaultChannelID {
		t.Fatalf("metrics = %+v", m)
	}
	if m.Workload.CurrentLoad != "low" || m.WebSocket.Status != WebSocketRunning {
		t.Fatalf("workload/websocket = %+v %+v", m.Workload, m.WebSocket)
	}

	f.metrics.SetWebSocketStatus(WebSocketStopping)
	var h map[string]any
	if code := f.get(t, "/api/v1/metrics/health", &h); code != http.StatusServiceUnavailable || h["health"] != string(HealthMaintenance) {
		t.Fatalf("health while stopping = %d %v", code, h)
	}

	f.metrics.RecordWebSocketError("listener closed")
	var ws struct {
		WebSocket WebSocketServerMetrics `json:"websocket"`
	}
	f.get(t, "/api/v1/metrics/websocket", &ws)
	if ws.WebSocket.Status != WebSocketError || ws.WebSocket.LastErrorMessage != "listener closed" || ws.WebSocket.LastErrorTime == nil {
		t.Fatalf("websocket = %+v", ws.WebSocket)
	}
}

func TestDetermineHealth(t *testing.T) {
	h := NewMetricsHandler(config.Default(), nil)
	running := WebSocketServerMetrics{Status: WebSocketRunning}

	tests := []struct {
		name     string
		channels []ChannelMetrics
		want     HealthStatus
		load     string
	}{
		{"idle", nil, HealthHealthy, "low"},
		{"many players", []ChannelMetrics{{Players: 400}}, HealthWarning, "high"},
		{"slow ticks", []ChannelMetrics{{Tick: server.MetricsSnapshot{AvgTickMs: 14}}}, HealthCritical, "critical"},
		{"panics", []ChannelMetrics{{Players: 3, Tick: server.MetricsSnapshot{TickPanics: 2}}}, HealthDegraded, "low"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			workload := h.calculateWorkloadMetrics(tt.channels)
			if workload.CurrentLoad != tt.load {
				t.Fatalf("load = %s (%.1f%%), want %s", workload.CurrentLoad, workload.LoadPercentage, tt.load)
			}
			if got, _ := h.determineHealth(tt.channels, workload, running); got != tt.want {
				t.Fatalf("health = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestSchema(t *testing.T) {
	f := newFixture(t, nil)

	var list apiListResponse[string]
	f.get(t, "/api/v1/schema", &list)
	if list.TotalItems != len(protocol.Inbound()) {
		t.Fatalf("schema list = %+v", list)
	}

	var schema map[string]any
	if code := f.get(t, "/api/v1/schema/"+protocol.MsgProduce, &schema); code != http.StatusOK {
		t.Fatalf("schema status = %d", code)
	}
	props, _ := schema["properties"].(map[string]any)
	if _, ok := props["rtpParameters"]; !ok {
		t.Fatalf("produce schema lacks rtpParameters: %v", schema)
	}

	if code := f.get(t, "/api/v1/schema/teleport", nil); code != http.StatusNotFound {
		t.Fatalf("unknown schema status = %d", code)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/metrics", nil)
	req.Header.Set("Origin", "https://play.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("allow origin = %q", got)
	}
}

func TestStaticFallback(t *testing.T) {
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>client</html>"), 0o644)
	os.WriteFile(filepath.Join(dir, "app.js"), []byte("console.log(1)"), 0o644)
	f := newFixture(t, func(c *config.Config) { c.StaticDir = dir })

	for path, want := range map[string]string{
		"/app.js":      "console.log(1)",
		"/rooms/lobby": "<html>client</html>",
	} {
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if !strings.Contains(rec.Body.String(), want) {
			t.Fatalf("GET %s = %q, want %q", path, rec.Body.String(), want)
		}
	}
}
