package network_state

import (
	"sort"
	"sync"
)

// NetworkState is the connection registry: players by connection id plus their staged
// input and movement overrides. The tick holds Mu for the whole movement step; handlers
// only take it briefly to stage.
type NetworkState struct {
	Mu        sync.RWMutex
	Players   map[string]*Player
	Inputs    map[string]*InputRecord
	Overrides map[string]*MovementOverride
}

// NewNetworkState returns an empty registry.
func NewNetworkState() *NetworkState {
	return &NetworkState{
		Players:   make(map[string]*Player),
		Inputs:    make(map[string]*InputRecord),
		Overrides: make(map[string]*MovementOverride),
	}
}

// AddPlayer registers p.
func (ns *NetworkState) AddPlayer(p *Player) error {
	ns.Mu.Lock()
	defer ns.Mu.Unlock()

	if _, exists := ns.Players[p.ID]; exists {
		return ErrDuplicatePlayer
	}
	ns.Players[p.ID] = p
	return nil
}

// RemovePlayer deletes the player and everything staged for it.
func (ns *NetworkState) RemovePlayer(id string) bool {
	ns.Mu.Lock()
	defer ns.Mu.Unlock()

	if _, exists := ns.Players[id]; !exists {
		return false
	}
	delete(ns.Players, id)
	delete(ns.Inputs, id)
	delete(ns.Overrides, id)
	return true
}

// StageInput overwrites the player's pending input. Unknown ids are ignored.
func (ns *NetworkState) StageInput(id string, in InputRecord) bool {
	ns.Mu.Lock()
	defer ns.Mu.Unlock()

	if _, exists := ns.Players[id]; !exists {
		return false
	}
	rec := in
	ns.Inputs[id] = &rec
	return true
}

// StageOverride records a direct position override for the next tick.
func (ns *NetworkState) StageOverride(id string, o MovementOverride) bool {
	ns.Mu.Lock()
	defer ns.Mu.Unlock()

	if _, exists := ns.Players[id]; !exists {
		return false
	}
	ov := o
	if o.AnimationState != nil {
		as := *o.AnimationState
		ov.AnimationState = &as
	}
	ns.Overrides[id] = &ov
	return true
}

// Get returns a copy of the player.
func (ns *NetworkState) Get(id string) (Player, bool) {
	ns.Mu.RLock()
	defer ns.Mu.RUnlock()

	p, ok := ns.Players[id]
	if !ok {
		return Player{}, false
	}
	return *p, true
}

// Snapshot copies every player, safe to marshal outside the lock.
func (ns *NetworkState) Snapshot() map[string]Player {
	ns.Mu.RLock()
	defer ns.Mu.RUnlock()

	out := make(map[string]Player, len(ns.Players))
	for id, p := range ns.Players {
		out[id] = *p
	}
	return out
}

// IDs returns the registered ids in sorted order.
func (ns *NetworkState) IDs() []string {
	ns.Mu.RLock()
	defer ns.Mu.RUnlock()

	ids := make([]string, 0, len(ns.Players))
	for id := range ns.Players {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len is the number of registered players.
func (ns *NetworkState) Len() int {
	ns.Mu.RLock()
	defer ns.Mu.RUnlock()
	return len(ns.Players)
}
