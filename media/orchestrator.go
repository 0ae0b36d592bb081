// Package media decides when relay routers, transports, producers and consumers are
// created and closed as players move in and out of media range.
package media

import (
	"sort"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/zap"

	"proximity-server/proximity"
	"proximity-server/relay"
)

type EventKind string

const (
	EventNewProducer        EventKind = "newProducer"
	EventProducerOutOfRange EventKind = "producerOutOfRange"
	EventProducerClosed     EventKind = "producerClosed"
)

// Event is a push notification for PlayerID.
type Event struct {
	Kind            EventKind
	PlayerID        string
	ProducerID      string
	ProducerOwnerID string
	MediaKind       relay.Kind
}

// Notifier receives events. Notify must not block.
type Notifier interface {
	Notify(Event)
}

type NotifierFunc func(Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }

// Positions returns the current position of every connected player.
type Positions func() map[string]proximity.Point

type Options struct {
	Pool      *WorkerPool
	Codecs    []relay.Codec
	Threshold float64
	// Transport is the template for every transport; Direction is filled in per call.
	Transport relay.TransportOptions
	Positions Positions
	Notifier  Notifier
	Logger    *zap.Logger
}

// Stats counts the handles the orchestrator currently tracks.
type Stats struct {
	Groups     int `json:"groups"`
	Transports int `json:"transports"`
	Producers  int `json:"producers"`
	Consumers  int `json:"consumers"`
}

// session serializes relay setup for one player.
type session struct {
	setup  sync.Mutex
	closed atomic.Bool
}

// announceKey is a directed (consumer, owner) pair.
type announceKey struct {
	consumer string
	owner    string
}

// Orchestrator owns all media group state for one channel.
type Orchestrator struct {
	opts Options
	log  *zap.Logger

	sessions cmap.ConcurrentMap[string, *session]

	mu        sync.Mutex
	groups    map[string]*Group
	owners    map[string]string // producer id -> owning player
	announced map[announceKey]map[string]bool
}

func New(opts Options) *Orchestrator {
	if opts.Codecs == nil {
		opts.Codecs = relay.DefaultCodecs()
	}
	if opts.Positions == nil {
		opts.Positions = func() map[string]proximity.Point { return nil }
	}
	if opts.Notifier == nil {
		opts.Notifier = NotifierFunc(func(Event) {})
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		opts:      opts,
		log:       log.Named("media"),
		sessions:  cmap.New[*session](),
		groups:    make(map[string]*Group),
		owners:    make(map[string]string),
		announced: make(map[announceKey]map[string]bool),
	}
}

// Register makes id eligible for relay operations.
func (o *Orchestrator) Register(id string) {
	o.sessions.SetIfAbsent(id, &session{})
}

// Registered reports whether id has a live session.
func (o *Orchestrator) Registered(id string) bool {
	return o.sessions.Has(id)
}

// begin takes the player's setup lock. The returned func releases it.
func (o *Orchestrator) begin(id string) (*session, func(), error) {
	s, ok := o.sessions.Get(id)
	if !ok {
		return nil, nil, ErrUnknownPlayer
	}
	s.setup.Lock()
	if s.closed.Load() {
		s.setup.Unlock()
		return nil, nil, ErrPlayerGone
	}
	return s, s.setup.Unlock, nil
}

// Disconnect tears down everything id owned or consumed. It never waits for id's
// in-flight setup; those calls see the closed session and close what they created.
func (o *Orchestrator) Disconnect(id string) {
	if s, ok := o.sessions.Pop(id); ok {
		s.closed.Store(true)
	}

	o.mu.Lock()
	var (
		consumers  []relay.Consumer
		producers  []relay.Producer
		transports []relay.Transport
		router     relay.Router
		events     []Event
	)

	if g, ok := o.groups[SoloKey(id)]; ok {
		notify := make(map[string]bool)
		for _, cid := range g.consumerIDs() {
			if cid != id {
				notify[cid] = true
			}
		}
		for key := range o.announced {
			if key.owner == id && len(o.announced[key]) > 0 {
				notify[key.consumer] = true
			}
		}
		for _, cid := range sortedKeys(notify) {
			events = append(events, Event{Kind: EventProducerOutOfRange, PlayerID: cid, ProducerOwnerID: id})
		}

		for _, cs := range g.consumers {
			for _, c := range cs {
				consumers = append(consumers, c)
			}
		}
		for _, ps := range g.producers {
			for pid, p := range ps {
				producers = append(producers, p)
				delete(o.owners, pid)
			}
		}
		for _, t := range g.sendTransports {
			transports = append(transports, t)
		}
		for _, t := range g.recvTransports {
			transports = append(transports, t)
		}
		router = g.Router
	}

	for key, g := range o.groups {
		if key == SoloKey(id) {
			continue
		}
		for _, c := range g.consumers[id] {
			consumers = append(consumers, c)
		}
		if t, ok := g.recvTransports[id]; ok {
			transports = append(transports, t)
		}
		if t, ok := g.sendTransports[id]; ok {
			transports = append(transports, t)
		}
	}

	for _, c := range consumers {
		c.Close()
	}
	for _, p := range producers {
		p.Close()
	}
	for _, t := range transports {
		t.Close()
	}
	if router != nil {
		router.Close()
	}

	delete(o.groups, SoloKey(id))
	for _, g := range o.groups {
		delete(g.consumers, id)
		delete(g.recvTransports, id)
		delete(g.sendTransports, id)
	}
	for key := range o.announced {
		if key.consumer == id || key.owner == id {
			delete(o.announced, key)
		}
	}
	o.mu.Unlock()

	if router != nil || len(consumers) > 0 || len(transports) > 0 {
		o.log.Debug("media session closed",
			zap.String("player", id),
			zap.Int("consumers", len(consumers)),
			zap.Int("producers", len(producers)),
			zap.Int("transports", len(transports)))
	}
	o.emit(events)
}

// Stats counts tracked handles.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	st := Stats{Groups: len(o.groups)}
	for _, g := range o.groups {
		st.Transports += len(g.sendTransports) + len(g.recvTransports)
		for _, ps := range g.producers {
			st.Producers += len(ps)
		}
		for _, cs := range g.consumers {
			st.Consumers += len(cs)
		}
	}
	return st
}

// Groups summarizes every media group, sorted by key.
func (o *Orchestrator) Groups() []GroupInfo {
	o.mu.Lock()
	defer o.mu.Unlock()

	out := make([]GroupInfo, 0, len(o.groups))
	for _, g := range o.groups {
		out = append(out, g.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Close disconnects every registered player.
func (o *Orchestrator) Close() {
	for _, id := range o.sessions.Keys() {
		o.Disconnect(id)
	}
}

func (o *Orchestrator) emit(events []Event) {
	for _, ev := range events {
		o.opts.Notifier.Notify(ev)
	}
}

// inRangeOf lists the other players within media range of id, sorted.
func (o *Orchestrator) inRangeOf(id string, points map[string]proximity.Point) []string {
	return proximity.Nearby(id, points, o.opts.Threshold)
}

func (o *Orchestrator) announce(consumer, owner, producerID string) bool {
	key := announceKey{consumer: consumer, owner: owner}
	set := o.announced[key]
	if set == nil {
		set = make(map[string]bool)
		o.announced[key] = set
	}
	if set[producerID] {
		return false
	}
	set[producerID] = true
	return true
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
