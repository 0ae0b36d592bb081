package server

import (
	"sort"
	"sync"

	"go.uber.org/zap"

	"proximity-server/config"
	"proximity-server/media"
)

// ChannelManager manages all active channels.
type ChannelManager struct {
	cfg           config.Config
	pool          *media.WorkerPool
	log           *zap.Logger
	channels      map[string]*Channel
	channelsMutex sync.RWMutex
}

// NewChannelManager creates and starts every configured channel. All channels share the
// relay worker pool.
func NewChannelManager(cfg config.Config, pool *media.WorkerPool, logger *zap.Logger) *ChannelManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	cm := &ChannelManager{
		cfg:      cfg,
		pool:     pool,
		log:      logger,
		channels: make(map[string]*Channel),
	}
	for _, channelID := range cfg.Channels {
		cm.getOrCreateChannel(channelID)
	}
	return cm
}

func (cm *ChannelManager) getOrCreateChannel(channelID string) *Channel {
	cm.channelsMutex.RLock()
	ch, exists := cm.channels[channelID]
	cm.channelsMutex.RUnlock()

	if !exists {
		cm.channelsMutex.Lock()
		// Double check after acquiring write lock
		ch, exists = cm.channels[channelID]
		if !exists {
			cm.log.Info("creating channel", zap.String("channel", channelID))
			ch = NewChannel(channelID, cm.cfg, cm.pool, cm.log)
			cm.channels[channelID] = ch
			go ch.Run()
		}
		cm.channelsMutex.Unlock()
	}
	return ch
}

// GetChannel returns a configured channel.
func (cm *ChannelManager) GetChannel(channelID string) (*Channel, bool) {
	cm.channelsMutex.RLock()
	defer cm.channelsMutex.RUnlock()
	ch, exists := cm.channels[channelID]
	return ch, exists
}

// Channels returns every channel sorted by id.
func (cm *ChannelManager) Channels() []*Channel {
	cm.channelsMutex.RLock()
	out := make([]*Channel, 0, len(cm.channels))
	for _, ch := range cm.channels {
		out = append(out, ch)
	}
	cm.channelsMutex.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// PlayerCount sums players over all channels.
func (cm *ChannelManager) PlayerCount() int {
	n := 0
	for _, ch := range cm.Channels() {
		n += ch.PlayerCount()
	}
	return n
}

// CloseAllChannels gracefully shuts down all channels.
func (cm *ChannelManager) CloseAllChannels() {
	for _, ch := range cm.Channels() {
		ch.Close()
	}
	cm.log.Info("all channels closed")
}
