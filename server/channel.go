package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"proximity-server/chat"
	"proximity-server/config"
	"proximity-server/media"
	"proximity-server/movement"
	"proximity-server/network_state"
	"proximity-server/protocol"
	"proximity-server/proximity"
	"proximity-server/relay"
)

// chatRequest is a proximity message staged for the next tick.
type chatRequest struct {
	sender    string
	content   string
	requestID string
}

// Channel is one independent session: its own registry, chat groups and media state,
// advanced by a single tick goroutine.
type Channel struct {
	ID      string
	cfg     config.Config
	log     *zap.Logger
	metrics *ChannelMetrics

	networkState *network_state.NetworkState
	spawns       *network_state.SpawnFactory
	simulator    movement.Simulator
	chat         *chat.Manager
	media        *media.Orchestrator

	clients      map[string]Peer
	clientsMutex sync.RWMutex

	stageMutex sync.Mutex
	joins      []Peer
	leaves     []string
	messages   []chatRequest

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// NewChannel creates a channel. Call Run (usually in its own goroutine) to start ticking.
func NewChannel(id string, cfg config.Config, pool *media.WorkerPool, logger *zap.Logger) *Channel {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	ch := &Channel{
		ID:           id,
		cfg:          cfg,
		log:          logger.With(zap.String("channel", id)),
		metrics:      &ChannelMetrics{},
		networkState: network_state.NewNetworkState(),
		spawns:       network_state.NewSpawnFactory(time.Now().UnixNano(), cfg),
		simulator: movement.Simulator{
			TickInterval: cfg.TickInterval,
			Speed:        cfg.MovementSpeed,
			Bounds:       movement.Bounds{Width: cfg.WorldWidth, Height: cfg.WorldHeight},
		},
		chat:    chat.NewManager(cfg.ChatProximityThreshold, cfg.TransitiveGrouping, cfg.MaxMessageLength),
		clients: make(map[string]Peer),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	ch.media = media.New(media.Options{
		Pool:      pool,
		Codecs:    relay.DefaultCodecs(),
		Threshold: cfg.MediaProximityThreshold,
		Transport: relay.TransportOptions{
			ListenIP:                        cfg.RelayListenIP,
			AnnouncedIP:                     cfg.RelayAnnouncedIP,
			EnableUDP:                       true,
			EnableTCP:                       true,
			PreferUDP:                       true,
			InitialAvailableOutgoingBitrate: cfg.InitialOutgoingBitrate,
		},
		Positions: ch.positions,
		Notifier:  ch,
		Logger:    ch.log,
	})
	return ch
}

// Run ticks until Close is called.
func (c *Channel) Run() {
	c.log.Info("channel update loop started", zap.Duration("tick", c.cfg.TickInterval))
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer func() {
		ticker.Stop()
		c.log.Info("channel update loop stopped")
	}()

	for {
		select {
		case <-ticker.C:
			c.tick()
		case <-c.done:
			return
		}
	}
}

// tick runs one atomic step: leaves, joins, movement, chat regrouping, staged chat
// delivery, media reconciliation and the state broadcast.
func (c *Channel) tick() {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			c.metrics.TickPanics.Add(1)
			c.log.Error("tick panicked", zap.Any("panic", r), zap.Stack("stack"))
		}
		c.metrics.AddTick(time.Since(start))
	}()

	c.stageMutex.Lock()
	joins, leaves, messages := c.joins, c.leaves, c.messages
	c.joins, c.leaves, c.messages = nil, nil, nil
	c.stageMutex.Unlock()

	membershipChanged := false
	for _, id := range leaves {
		if c.removePlayer(id) {
			membershipChanged = true
		}
	}
	for _, p := range joins {
		if c.addPlayer(p) {
			membershipChanged = true
		}
	}

	moved := c.step()

	points := c.positions()
	for _, change := range c.chat.Recompute(points) {
		c.sendTo(change.PlayerID, protocol.Event(protocol.MsgNearbyPlayers, change.Nearby))
	}

	for _, m := range messages {
		c.deliverChat(m)
	}

	if n := c.media.Reconcile(points); n > 0 {
		c.log.Debug("media reconciled", zap.Int("events", n))
	}

	if moved || membershipChanged {
		c.broadcast(protocol.Event(protocol.MsgUpdatePlayers, c.networkState.Snapshot()))
	}
}

// step runs the movement simulator with the registry locked.
func (c *Channel) step() bool {
	c.networkState.Mu.Lock()
	defer c.networkState.Mu.Unlock()

	moved, stats := c.simulator.Step(c.networkState.Players, c.networkState.Inputs, c.networkState.Overrides)
	c.metrics.AddStep(stats)
	return moved
}

func (c *Channel) addPlayer(p Peer) bool {
	id := p.ID()
	player := c.spawns.Spawn(id)
	if err := c.networkState.AddPlayer(player); err != nil {
		c.log.Warn("player join rejected", zap.String("player", id), zap.Error(err))
		return false
	}
	c.clientsMutex.Lock()
	c.clients[id] = p
	c.clientsMutex.Unlock()
	c.media.Register(id)

	c.send(p, protocol.Event(protocol.MsgPlayerAssigned, protocol.PlayerAssigned{PlayerID: id, Player: *player}))
	c.send(p, protocol.Event(protocol.MsgChatGroups, c.chat.Groups()))
	c.log.Info("player joined", zap.String("player", id), zap.Float64("x", player.X), zap.Float64("y", player.Y))
	return true
}

func (c *Channel) removePlayer(id string) bool {
	c.clientsMutex.Lock()
	delete(c.clients, id)
	c.clientsMutex.Unlock()

	removed := c.networkState.RemovePlayer(id)
	c.chat.Forget(id)
	c.media.Disconnect(id)
	if removed {
		c.log.Info("player left", zap.String("player", id))
	}
	return removed
}

func (c *Channel) deliverChat(m chatRequest) {
	d, err := c.chat.Deliver(m.sender, m.content)
	if err != nil {
		c.metrics.ChatRejected.Add(1)
		c.sendTo(m.sender, protocol.AckError(m.requestID, err, nil))
		return
	}
	if d.NoOneNearby {
		c.metrics.ChatNoOneNearby.Add(1)
		c.sendTo(m.sender, protocol.Event(protocol.MsgChatEvent, protocol.ChatEvent{Type: "info", Message: chat.NoOneNearbyNotice}))
	} else {
		c.metrics.ChatDelivered.Add(1)
		frame := protocol.Event(protocol.MsgProximityMessage, d.Message)
		for _, id := range d.Recipients {
			c.sendTo(id, frame)
		}
	}
	if m.requestID != "" {
		c.sendTo(m.sender, protocol.Ack(m.requestID, protocol.ChatDelivered{
			ID:         d.Message.ID,
			Delivered:  !d.NoOneNearby,
			Recipients: len(d.Recipients),
		}))
	}
}

// Join stages p to enter the channel on the next tick.
func (c *Channel) Join(p Peer) {
	c.stageMutex.Lock()
	c.joins = append(c.joins, p)
	c.stageMutex.Unlock()
}

// Leave stages id's removal. A join still waiting for its tick is simply dropped.
func (c *Channel) Leave(id string) {
	c.stageMutex.Lock()
	defer c.stageMutex.Unlock()
	for i, p := range c.joins {
		if p.ID() == id {
			c.joins = append(c.joins[:i], c.joins[i+1:]...)
			return
		}
	}
	c.leaves = append(c.leaves, id)
}

// Notify implements media.Notifier.
func (c *Channel) Notify(ev media.Event) {
	c.metrics.MediaEvents.Add(1)
	switch ev.Kind {
	case media.EventNewProducer:
		c.sendTo(ev.PlayerID, protocol.Event(protocol.MsgNewProducer, protocol.NewProducer{
			ProducerID:       ev.ProducerID,
			ProducerSocketID: ev.ProducerOwnerID,
			Kind:             ev.MediaKind,
		}))
	case media.EventProducerOutOfRange:
		c.sendTo(ev.PlayerID, protocol.Event(protocol.MsgProducerOutOfRange, protocol.ProducerOutOfRange{ProducerSocketID: ev.ProducerOwnerID}))
	case media.EventProducerClosed:
		c.sendTo(ev.PlayerID, protocol.Event(protocol.MsgProducerClosed, protocol.ProducerClosed{
			ProducerID:       ev.ProducerID,
			ProducerSocketID: ev.ProducerOwnerID,
		}))
	}
}

// positions snapshots every player position.
func (c *Channel) positions() map[string]proximity.Point {
	c.networkState.Mu.RLock()
	defer c.networkState.Mu.RUnlock()

	points := make(map[string]proximity.Point, len(c.networkState.Players))
	for id, p := range c.networkState.Players {
		points[id] = proximity.Point{X: p.X, Y: p.Y}
	}
	return points
}

func (c *Channel) peer(id string) (Peer, bool) {
	c.clientsMutex.RLock()
	defer c.clientsMutex.RUnlock()
	p, ok := c.clients[id]
	return p, ok
}

func (c *Channel) sendTo(id string, f protocol.Frame) {
	if p, ok := c.peer(id); ok {
		c.send(p, f)
	}
}

func (c *Channel) send(p Peer, f protocol.Frame) {
	msg, err := p.Encoding().Marshal(f)
	if err != nil {
		c.log.Error("marshal frame", zap.String("type", f.Type), zap.String("player", p.ID()), zap.Error(err))
		return
	}
	if !p.Enqueue(msg) {
		c.metrics.SendDropped.Add(1)
		c.log.Warn("client send buffer full", zap.String("player", p.ID()), zap.String("type", f.Type))
	}
}

// broadcast marshals f once per encoding in use and sends it to every client.
func (c *Channel) broadcast(f protocol.Frame) {
	c.clientsMutex.RLock()
	peers := make([]Peer, 0, len(c.clients))
	for _, p := range c.clients {
		peers = append(peers, p)
	}
	c.clientsMutex.RUnlock()
	if len(peers) == 0 {
		return
	}

	encoded := make(map[protocol.Encoding][]byte, 2)
	for _, p := range peers {
		enc := p.Encoding()
		msg, ok := encoded[enc]
		if !ok {
			var err error
			msg, err = enc.Marshal(f)
			if err != nil {
				c.log.Error("marshal broadcast", zap.String("type", f.Type), zap.Error(err))
				return
			}
			encoded[enc] = msg
		}
		if !p.Enqueue(msg) {
			c.metrics.SendDropped.Add(1)
		}
	}
	c.metrics.Broadcasts.Add(1)
}

// PlayerCount is the number of players in the registry.
func (c *Channel) PlayerCount() int { return c.networkState.Len() }

// Players snapshots the registry.
func (c *Channel) Players() map[string]network_state.Player { return c.networkState.Snapshot() }

// ChatGroups returns the chat groups computed on the last tick.
func (c *Channel) ChatGroups() []proximity.Group { return c.chat.Groups() }

// MediaGroups summarizes the media groups.
func (c *Channel) MediaGroups() []media.GroupInfo { return c.media.Groups() }

// MediaStats counts tracked relay handles.
func (c *Channel) MediaStats() media.Stats { return c.media.Stats() }

// Metrics returns a snapshot of the channel counters.
func (c *Channel) Metrics() MetricsSnapshot { return c.metrics.Snapshot() }

// Close stops the update loop and tears down every player's media session.
func (c *Channel) Close() {
	c.once.Do(func() {
		c.log.Info("closing channel")
		close(c.done)
		c.cancel()
		c.media.Close()
	})
}
