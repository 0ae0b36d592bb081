package server

import (
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"proximity-server/config"
	"proximity-server/protocol"
)

// Server upgrades websocket requests and attaches each connection to a channel.
type Server struct {
	cfg      config.Config
	channels *ChannelManager
	upgrader websocket.Upgrader
	log      *zap.Logger

	connections atomic.Int64
}

func NewServer(cfg config.Config, channels *ChannelManager, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		channels: channels,
		log:      logger.Named("ws"),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// Connections is the number of open websocket connections.
func (s *Server) Connections() int { return int(s.connections.Load()) }

// Channels exposes the channel manager.
func (s *Server) Channels() *ChannelManager { return s.channels }

// ServeHTTP handles GET /ws?channel=<id>&encoding=json|msgpack.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	channelID := r.URL.Query().Get("channel")
	if channelID == "" {
		channelID = config.DefaultChannelID
	}
	ch, ok := s.channels.GetChannel(channelID)
	if !ok {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}
	enc, err := protocol.ParseEncoding(r.URL.Query().Get("encoding"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	playerID := uuid.NewString()
	client := NewWebSocketClient(conn, playerID, ClientOptions{
		Encoding:     enc,
		SendBuffer:   s.cfg.SendBuffer,
		PingInterval: s.cfg.PingInterval,
		PongWait:     s.cfg.PongWait,
		MaxMessage:   int64(s.cfg.MaxMessageLength)*4 + 64*1024,
		Logger:       s.log,
	})
	s.connections.Add(1)
	s.log.Info("client connected",
		zap.String("player", playerID),
		zap.String("channel", channelID),
		zap.String("remote", conn.RemoteAddr().String()),
		zap.String("encoding", string(enc)))

	ch.Join(client)
	go client.WritePump()
	go client.ReadPump(
		func(msg []byte) { ch.HandleMessage(client, msg) },
		func() {
			ch.Leave(playerID)
			s.connections.Add(-1)
			s.log.Info("client disconnected", zap.String("player", playerID), zap.String("channel", channelID))
		},
	)
}
