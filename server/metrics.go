package server

import (
	"sync/atomic"
	"time"

	"proximity-server/movement"
)

// ChannelMetrics records runtime counters of one channel.
type ChannelMetrics struct {
	TickCount       atomic.Int64
	TotalTickNs     atomic.Int64
	MaxTickNs       atomic.Int64
	TickPanics      atomic.Int64
	InputsAccepted  atomic.Int64
	InputsStale     atomic.Int64
	InputsUnknown   atomic.Int64
	Overrides       atomic.Int64
	Idled           atomic.Int64
	ChatDelivered   atomic.Int64
	ChatNoOneNearby atomic.Int64
	ChatRejected    atomic.Int64
	MediaEvents     atomic.Int64
	RelayRequests   atomic.Int64
	RelayErrors     atomic.Int64
	Broadcasts      atomic.Int64
	SendDropped     atomic.Int64
	InvalidMessages atomic.Int64
}

func (m *ChannelMetrics) AddTick(d time.Duration) {
	ns := d.Nanoseconds()
	m.TickCount.Add(1)
	m.TotalTickNs.Add(ns)
	for {
		cur := m.MaxTickNs.Load()
		if ns <= cur || m.MaxTickNs.CompareAndSwap(cur, ns) {
			return
		}
	}
}

func (m *ChannelMetrics) AddStep(st movement.Stats) {
	m.InputsAccepted.Add(int64(st.Accepted))
	m.InputsStale.Add(int64(st.Stale))
	m.Overrides.Add(int64(st.Overrides))
	m.Idled.Add(int64(st.Idled))
}

// MetricsSnapshot is a read-only copy for the admin API.
type MetricsSnapshot struct {
	TickCount       int64   `json:"tick_count"`
	AvgTickMs       float64 `json:"avg_tick_ms"`
	MaxTickMs       float64 `json:"max_tick_ms"`
	TickPanics      int64   `json:"tick_panics"`
	InputsAccepted  int64   `json:"inputs_accepted"`
	InputsStale     int64   `json:"inputs_stale"`
	InputsUnknown   int64   `json:"inputs_unknown"`
	Overrides       int64   `json:"overrides"`
	Idled           int64   `json:"idled"`
	ChatDelivered   int64   `json:"chat_delivered"`
	ChatNoOneNearby int64   `json:"chat_no_one_nearby"`
	ChatRejected    int64   `json:"chat_rejected"`
	MediaEvents     int64   `json:"media_events"`
	RelayRequests   int64   `json:"relay_requests"`
	RelayErrors     int64   `json:"relay_errors"`
	Broadcasts      int64   `json:"broadcasts"`
	SendDropped     int64   `json:"send_dropped"`
	InvalidMessages int64   `json:"invalid_messages"`
}

func (m *ChannelMetrics) Snapshot() MetricsSnapshot {
	ticks := m.TickCount.Load()
	var avg float64
	if ticks > 0 {
		avg = float64(m.TotalTickNs.Load()) / float64(ticks) / 1e6
	}
	return MetricsSnapshot{
		TickCount:       ticks,
		AvgTickMs:       avg,
		MaxTickMs:       float64(m.MaxTickNs.Load()) / 1e6,
		TickPanics:      m.TickPanics.Load(),
		InputsAccepted:  m.InputsAccepted.Load(),
		InputsStale:     m.InputsStale.Load(),
		InputsUnknown:   m.InputsUnknown.Load(),
		Overrides:       m.Overrides.Load(),
		Idled:           m.Idled.Load(),
		ChatDelivered:   m.ChatDelivered.Load(),
		ChatNoOneNearby: m.ChatNoOneNearby.Load(),
		ChatRejected:    m.ChatRejected.Load(),
		MediaEvents:     m.MediaEvents.Load(),
		RelayRequests:   m.RelayRequests.Load(),
		RelayErrors:     m.RelayErrors.Load(),
		Broadcasts:      m.Broadcasts.Load(),
		SendDropped:     m.SendDropped.Load(),
		InvalidMessages: m.InvalidMessages.Load(),
	}
}
