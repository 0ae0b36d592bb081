package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"proximity-server/config"
	"proximity-server/protocol"
)

const writeWait = 10 * time.Second

// Peer is a connected client as the channel sees it.
type Peer interface {
	ID() string
	Encoding() protocol.Encoding
	// Enqueue must not block; it reports false when the message was dropped.
	Enqueue(msg []byte) bool
}

// WebSocketClient represents a single connected client.
type WebSocketClient struct {
	conn     *websocket.Conn
	send     chan []byte
	playerID string
	encoding protocol.Encoding
	log      *zap.Logger

	pingInterval time.Duration
	pongWait     time.Duration
	maxMessage   int64

	done      chan struct{}
	closeOnce sync.Once
}

// ClientOptions carries the heartbeat and buffer settings.
type ClientOptions struct {
	Encoding     protocol.Encoding
	SendBuffer   int
	PingInterval time.Duration
	PongWait     time.Duration
	MaxMessage   int64
	Logger       *zap.Logger
}

// NewWebSocketClient creates and returns a new WebSocketClient instance.
func NewWebSocketClient(conn *websocket.Conn, playerID string, opts ClientOptions) *WebSocketClient {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = config.DefaultPingInterval
	}
	if opts.PongWait <= 0 {
		opts.PongWait = config.DefaultPongWait
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &WebSocketClient{
		conn:         conn,
		send:         make(chan []byte, opts.SendBuffer),
		playerID:     playerID,
		encoding:     opts.Encoding,
		log:          opts.Logger.With(zap.String("player", playerID)),
		pingInterval: opts.PingInterval,
		pongWait:     opts.PongWait,
		maxMessage:   opts.MaxMessage,
		done:         make(chan struct{}),
	}
}

func (c *WebSocketClient) ID() string                  { return c.playerID }
func (c *WebSocketClient) Encoding() protocol.Encoding { return c.encoding }

// Enqueue never blocks. Messages sent after the client stopped are dropped.
func (c *WebSocketClient) Enqueue(msg []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// stop signals the WritePump to terminate.
func (c *WebSocketClient) stop() {
	c.closeOnce.Do(func() { close(c.done) })
}

// ReadPump reads messages until the connection fails, then calls onClose once.
func (c *WebSocketClient) ReadPump(onMessage func([]byte), onClose func()) {
	defer func() {
		onClose()
		c.stop()
		c.conn.Close()
	}()

	if c.maxMessage > 0 {
		c.conn.SetReadLimit(c.maxMessage)
	}
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("unexpected websocket close", zap.Error(err))
			} else {
				c.log.Debug("websocket read ended", zap.Error(err))
			}
			return
		}
		onMessage(message)
	}
}

// WritePump sends queued messages and periodic pings until stopped.
func (c *WebSocketClient) WritePump() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	msgType := websocket.TextMessage
	if c.encoding.Binary() {
		msgType = websocket.BinaryMessage
	}

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(msgType, message); err != nil {
				c.log.Debug("websocket write failed", zap.Error(err))
				c.stop()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.log.Debug("websocket ping failed", zap.Error(err))
				c.stop()
				return
			}
		case <-c.done:
			err := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			if err != nil && err != websocket.ErrCloseSent {
				c.log.Debug("websocket close frame failed", zap.Error(err))
			}
			return
		}
	}
}
