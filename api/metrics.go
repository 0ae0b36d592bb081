package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"proximity-server/config"
	"proximity-server/media"
	"proximity-server/server"
)

// HealthStatus represents the overall health of the system
type HealthStatus string

const (
	HealthHealthy     HealthStatus = "healthy"
	HealthWarning     HealthStatus = "warning"
	HealthDegraded    HealthStatus = "degraded"
	HealthCritical    HealthStatus = "critical"
	HealthMaintenance HealthStatus = "maintenance"
)

// WebSocketStatus represents the state of the WebSocket server
type WebSocketStatus string

const (
	WebSocketRunning  WebSocketStatus = "running"
	WebSocketStopping WebSocketStatus = "stopping"
	WebSocketError    WebSocketStatus = "error"
)

// DefaultMaxPlayers is the player count treated as 100% load.
const DefaultMaxPlayers = 500

// ChannelMetrics holds the counters of one channel
type ChannelMetrics struct {
	ID         string                 `json:"id"`
	Players    int                    `json:"players"`
	ChatGroups int                    `json:"chat_groups"`
	Media      media.Stats            `json:"media"`
	Tick       server.MetricsSnapshot `json:"tick"`
}

// WorkloadMetrics tracks the current system workload
type WorkloadMetrics struct {
	LoadPercentage float64 `json:"load_percentage"`
	TotalPlayers   int     `json:"total_players"`
	MaxPlayers     int     `json:"max_players"`
	TickBudgetMs   float64 `json:"tick_budget_ms"`
	WorstTickMs    float64 `json:"worst_avg_tick_ms"`
	CurrentLoad    string  `json:"current_load"` // "low", "medium", "high", "critical"
}

// WebSocketServerMetrics holds WebSocket server status
type WebSocketServerMetrics struct {
	Status            WebSocketStatus `json:"status"`
	ActiveConnections int             `json:"active_connections"`
	UptimeSec         int64           `json:"uptime_sec"`
	LastErrorMessage  string          `json:"last_error_message,omitempty"`
	LastErrorTime     *time.Time      `json:"last_error_time,omitempty"`
}

// MetricsResponse is the complete metrics response structure
type MetricsResponse struct {
	Timestamp         time.Time              `json:"timestamp"`
	Health            HealthStatus           `json:"health"`
	HealthDescription string                 `json:"health_description"`
	Channels          []ChannelMetrics       `json:"channels"`
	WebSocket         WebSocketServerMetrics `json:"websocket"`
	Workload          WorkloadMetrics        `json:"workload"`
	ServerUptime      int64                  `json:"server_uptime_sec"`
}

// MetricsHandler manages metrics collection and reporting
type MetricsHandler struct {
	cfg              config.Config
	srv              *server.Server
	mu               sync.RWMutex
	serverStartTime  time.Time
	webSocketMetrics WebSocketServerMetrics

	maxPlayers int
}

// NewMetricsHandler creates a new metrics handler
func NewMetricsHandler(cfg config.Config, srv *server.Server) *MetricsHandler {
	return &MetricsHandler{
		cfg:             cfg,
		srv:             srv,
		serverStartTime: time.Now(),
		maxPlayers:      DefaultMaxPlayers,
		webSocketMetrics: WebSocketServerMetrics{
			Status: WebSocketRunning,
		},
	}
}

// Routes registers metrics routes
func (h *MetricsHandler) Routes(r chi.Router) {
	r.Get("/metrics", h.GetMetrics)
	r.Get("/metrics/health", h.GetHealth)
	r.Get("/metrics/channels", h.GetChannels)
	r.Get("/metrics/websocket", h.GetWebSocket)
	r.Get("/metrics/workload", h.GetWorkload)
}

// GetMetrics returns complete metrics
func (h *MetricsHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.collectMetrics())
}

// GetHealth returns only health status. It answers 503 while the server is stopping or
// critical so load balancers can drain it.
func (h *MetricsHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	metrics := h.collectMetrics()
	status := http.StatusOK
	if metrics.Health == HealthCritical || metrics.Health == HealthMaintenance {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"timestamp":   metrics.Timestamp,
		"health":      metrics.Health,
		"description": metrics.HealthDescription,
		"uptime_sec":  metrics.ServerUptime,
	})
}

// GetChannels returns only per-channel metrics
func (h *MetricsHandler) GetChannels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.collectChannelMetrics())
}

// GetWebSocket returns only WebSocket metrics
func (h *MetricsHandler) GetWebSocket(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	wsMetrics := h.syncWebSocketMetrics()
	h.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"timestamp": time.Now(),
		"websocket": wsMetrics,
	})
}

// GetWorkload returns only workload metrics
func (h *MetricsHandler) GetWorkload(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.collectMetrics().Workload)
}

// collectMetrics gathers all metrics from the system
func (h *MetricsHandler) collectMetrics() *MetricsResponse {
	h.mu.RLock()
	defer h.mu.RUnlock()

	channels := h.collectChannelMetrics()
	workload := h.calculateWorkloadMetrics(channels)
	wsMetrics := h.syncWebSocketMetrics()
	health, healthDesc := h.determineHealth(channels, workload, wsMetrics)

	return &MetricsResponse{
		Timestamp:         time.Now(),
		Health:            health,
		HealthDescription: healthDesc,
		Channels:          channels,
		WebSocket:         wsMetrics,
		Workload:          workload,
		ServerUptime:      int64(time.Since(h.serverStartTime).Seconds()),
	}
}

// syncWebSocketMetrics fills in the live connection count. Callers hold mu.
func (h *MetricsHandler) syncWebSocketMetrics() WebSocketServerMetrics {
	wsMetrics := h.webSocketMetrics
	wsMetrics.UptimeSec = int64(time.Since(h.serverStartTime).Seconds())
	if h.srv != nil {
		wsMetrics.ActiveConnections = h.srv.Connections()
	}
	return wsMetrics
}

func (h *MetricsHandler) collectChannelMetrics() []ChannelMetrics {
	out := []ChannelMetrics{}
	if h.srv == nil {
		return out
	}
	for _, ch := range h.srv.Channels().Channels() {
		out = append(out, ChannelMetrics{
			ID:         ch.ID,
			Players:    ch.PlayerCount(),
			ChatGroups: len(ch.ChatGroups()),
			Media:      ch.MediaStats(),
			Tick:       ch.Metrics(),
		})
	}
	return out
}

// calculateWorkloadMetrics takes the higher of player load and tick time load
func (h *MetricsHandler) calculateWorkloadMetrics(channels []ChannelMetrics) WorkloadMetrics {
	workload := WorkloadMetrics{
		MaxPlayers:   h.maxPlayers,
		TickBudgetMs: float64(h.cfg.TickInterval) / float64(time.Millisecond),
	}
	for _, ch := range channels {
		workload.TotalPlayers += ch.Players
		if ch.Tick.AvgTickMs > workload.WorstTickMs {
			workload.WorstTickMs = ch.Tick.AvgTickMs
		}
	}

	playerLoadPct := float64(workload.TotalPlayers) / float64(h.maxPlayers) * 100
	workload.LoadPercentage = playerLoadPct
	if workload.TickBudgetMs > 0 {
		if tickLoadPct := workload.WorstTickMs / workload.TickBudgetMs * 100; tickLoadPct > playerLoadPct {
			workload.LoadPercentage = tickLoadPct
		}
	}

	switch {
	case workload.LoadPercentage < 40:
		workload.CurrentLoad = "low"
	case workload.LoadPercentage < 70:
		workload.CurrentLoad = "medium"
	case workload.LoadPercentage < 90:
		workload.CurrentLoad = "high"
	default:
		workload.CurrentLoad = "critical"
	}
	return workload
}

// determineHealth determines overall system health based on metrics
func (h *MetricsHandler) determineHealth(channels []ChannelMetrics, workload WorkloadMetrics, wsMetrics WebSocketServerMetrics) (HealthStatus, string) {
	if wsMetrics.Status == WebSocketError {
		return HealthCritical, "WebSocket server error - unable to accept connections"
	}
	if wsMetrics.Status == WebSocketStopping {
		return HealthMaintenance, "Server is performing graceful shutdown - no new connections accepted"
	}

	if workload.CurrentLoad == "critical" {
		return HealthCritical, "Workload at critical levels (>90%) - ticks may overrun their interval"
	}

	var panics int64
	for _, ch := range channels {
		panics += ch.Tick.TickPanics
	}
	if panics > 0 {
		return HealthDegraded, fmt.Sprintf("%d tick panics recovered - check the logs", panics)
	}

	if workload.CurrentLoad == "high" {
		return HealthWarning, "Workload is high (70-90%) - monitor tick times closely"
	}

	if wsMetrics.ActiveConnections > 0 {
		connStr := "connection"
		if wsMetrics.ActiveConnections > 1 {
			connStr = "connections"
		}
		return HealthHealthy, fmt.Sprintf("All systems operational - %d active %s", wsMetrics.ActiveConnections, connStr)
	}
	return HealthHealthy, "Server ready and operational - awaiting connections"
}

// RecordWebSocketError records a WebSocket error
func (h *MetricsHandler) RecordWebSocketError(errorMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	h.webSocketMetrics.Status = WebSocketError
	h.webSocketMetrics.LastErrorMessage = errorMsg
	h.webSocketMetrics.LastErrorTime = &now
}

// SetWebSocketStatus sets the WebSocket status
func (h *MetricsHandler) SetWebSocketStatus(status WebSocketStatus) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.webSocketMetrics.Status = status
}
