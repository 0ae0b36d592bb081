package media

import (
	"sort"

	"proximity-server/relay"
)

// SoloKey is the key of the group that hosts a player's router and producers.
func SoloKey(playerID string) string { return "solo-" + playerID }

// Group is one router and everything created on it. Consumers of the owner's producers
// live here too, keyed by the consuming player.
type Group struct {
	Key    string
	Owner  string
	Router relay.Router

	sendTransports map[string]relay.Transport
	recvTransports map[string]relay.Transport
	producers      map[string]map[string]relay.Producer
	consumers      map[string]map[string]relay.Consumer
}

func newGroup(owner string, r relay.Router) *Group {
	return &Group{
		Key:            SoloKey(owner),
		Owner:          owner,
		Router:         r,
		sendTransports: make(map[string]relay.Transport),
		recvTransports: make(map[string]relay.Transport),
		producers:      make(map[string]map[string]relay.Producer),
		consumers:      make(map[string]map[string]relay.Consumer),
	}
}

func (g *Group) addProducer(playerID string, p relay.Producer) {
	if g.producers[playerID] == nil {
		g.producers[playerID] = make(map[string]relay.Producer)
	}
	g.producers[playerID][p.ID()] = p
}

func (g *Group) addConsumer(playerID string, c relay.Consumer) {
	if g.consumers[playerID] == nil {
		g.consumers[playerID] = make(map[string]relay.Consumer)
	}
	g.consumers[playerID][c.ID()] = c
}

// ownerProducers returns the owner's producers sorted by id.
func (g *Group) ownerProducers() []relay.Producer {
	ps := make([]relay.Producer, 0, len(g.producers[g.Owner]))
	for _, p := range g.producers[g.Owner] {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].ID() < ps[j].ID() })
	return ps
}

func (g *Group) consumerIDs() []string {
	ids := make([]string, 0, len(g.consumers))
	for id, cs := range g.consumers {
		if len(cs) > 0 {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// GroupInfo is a read-only summary of a media group.
type GroupInfo struct {
	Key        string   `json:"key"`
	Owner      string   `json:"owner"`
	RouterID   string   `json:"routerId"`
	Producers  []string `json:"producers"`
	Consumers  []string `json:"consumers"`
	Transports int      `json:"transports"`
}

func (g *Group) info() GroupInfo {
	gi := GroupInfo{
		Key:        g.Key,
		Owner:      g.Owner,
		RouterID:   g.Router.ID(),
		Producers:  []string{},
		Consumers:  g.consumerIDs(),
		Transports: len(g.sendTransports) + len(g.recvTransports),
	}
	for _, p := range g.ownerProducers() {
		gi.Producers = append(gi.Producers, p.ID())
	}
	return gi
}
