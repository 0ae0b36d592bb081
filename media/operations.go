package media

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"proximity-server/proximity"
	"proximity-server/relay"
)

// SendTransport is the result of CreateSendTransport.
type SendTransport struct {
	Params  relay.TransportParams
	IsAlone bool
}

// Consumption is the result of Consume. Transport is set when a receive transport was
// created in the producer's group for this call.
type Consumption struct {
	ID            string
	ProducerID    string
	OwnerID       string
	Kind          relay.Kind
	RTPParameters relay.RTPParameters
	Transport     *relay.TransportParams
}

// RouterCapabilities returns the capabilities of id's router, creating its group on
// first use.
func (o *Orchestrator) RouterCapabilities(ctx context.Context, id string) (relay.RTPCapabilities, error) {
	s, done, err := o.begin(id)
	if err != nil {
		return relay.RTPCapabilities{}, err
	}
	defer done()

	g, err := o.ensureGroup(ctx, id, s)
	if err != nil {
		return relay.RTPCapabilities{}, &RelayError{Op: "createRouter", Err: err}
	}
	return g.Router.RTPCapabilities(), nil
}

// CreateSendTransport returns id's send transport, creating it on first call.
func (o *Orchestrator) CreateSendTransport(ctx context.Context, id string) (SendTransport, error) {
	s, done, err := o.begin(id)
	if err != nil {
		return SendTransport{}, err
	}
	defer done()

	alone := len(o.inRangeOf(id, o.opts.Positions())) == 0

	g, err := o.ensureGroup(ctx, id, s)
	if err != nil {
		return SendTransport{}, &RelayError{Op: "createTransport", Err: err, IsAlone: alone}
	}

	o.mu.Lock()
	existing := g.sendTransports[id]
	o.mu.Unlock()
	if existing != nil && !existing.Closed() {
		return SendTransport{Params: existing.Params(), IsAlone: alone}, nil
	}

	t, err := g.Router.CreateTransport(ctx, o.transportOptions(relay.DirectionSend))
	if err != nil {
		return SendTransport{}, &RelayError{Op: "createTransport", Err: err, IsAlone: alone}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.stillLive(s, g); err != nil {
		t.Close()
		return SendTransport{}, err
	}
	g.sendTransports[id] = t
	return SendTransport{Params: t.Params(), IsAlone: alone}, nil
}

// ConnectTransport completes the DTLS handshake of id's send transport. transportID may
// be empty.
func (o *Orchestrator) ConnectTransport(ctx context.Context, id, transportID string, dtls relay.DTLSParameters) error {
	return o.connect(ctx, id, transportID, relay.DirectionSend, dtls)
}

// ConnectRecvTransport connects one of id's receive transports. An empty transportID
// selects the one in id's own group.
func (o *Orchestrator) ConnectRecvTransport(ctx context.Context, id, transportID string, dtls relay.DTLSParameters) error {
	return o.connect(ctx, id, transportID, relay.DirectionRecv, dtls)
}

func (o *Orchestrator) connect(ctx context.Context, id, transportID string, dir relay.Direction, dtls relay.DTLSParameters) error {
	_, done, err := o.begin(id)
	if err != nil {
		return err
	}
	defer done()

	o.mu.Lock()
	t := o.findTransport(id, transportID, dir)
	o.mu.Unlock()
	if t == nil {
		return fmt.Errorf("%w: %s transport %q", ErrNotFound, dir, transportID)
	}
	if err := t.Connect(ctx, dtls); err != nil {
		return &RelayError{Op: "connect" + string(dir), Err: err}
	}
	return nil
}

// Produce creates a producer on id's send transport and announces it to every player in
// media range.
func (o *Orchestrator) Produce(ctx context.Context, id string, kind relay.Kind, params relay.RTPParameters) (string, error) {
	s, done, err := o.begin(id)
	if err != nil {
		return "", err
	}
	defer done()

	o.mu.Lock()
	g := o.groups[SoloKey(id)]
	var t relay.Transport
	if g != nil {
		t = g.sendTransports[id]
	}
	o.mu.Unlock()
	if t == nil {
		return "", fmt.Errorf("%w: transport not found", ErrNotFound)
	}

	p, err := t.Produce(ctx, relay.ProduceOptions{Kind: kind, RTPParameters: params})
	if err != nil {
		return "", &RelayError{Op: "produce", Err: err}
	}

	others := o.inRangeOf(id, o.opts.Positions())

	o.mu.Lock()
	if err := o.stillLive(s, g); err != nil {
		o.mu.Unlock()
		p.Close()
		return "", err
	}
	g.addProducer(id, p)
	o.owners[p.ID()] = id
	var events []Event
	for _, other := range others {
		if o.announce(other, id, p.ID()) {
			events = append(events, Event{Kind: EventNewProducer, PlayerID: other, ProducerID: p.ID(), ProducerOwnerID: id, MediaKind: p.Kind()})
		}
	}
	o.mu.Unlock()

	o.log.Debug("producer created", zap.String("player", id), zap.String("producer", p.ID()), zap.Int("announced", len(events)))
	o.emit(events)
	return p.ID(), nil
}

// CreateRecvTransport returns id's receive transport in its own group.
func (o *Orchestrator) CreateRecvTransport(ctx context.Context, id string) (relay.TransportParams, error) {
	s, done, err := o.begin(id)
	if err != nil {
		return relay.TransportParams{}, err
	}
	defer done()

	g, err := o.ensureGroup(ctx, id, s)
	if err != nil {
		return relay.TransportParams{}, &RelayError{Op: "createRecvTransport", Err: err}
	}
	t, _, err := o.recvTransport(ctx, s, id, g)
	if err != nil {
		return relay.TransportParams{}, err
	}
	return t.Params(), nil
}

// Consume forwards producerID to id. The pair must be in media range and id's
// capabilities must be able to consume the producer.
func (o *Orchestrator) Consume(ctx context.Context, id, producerID string, caps relay.RTPCapabilities) (Consumption, error) {
	s, done, err := o.begin(id)
	if err != nil {
		return Consumption{}, err
	}
	defer done()

	points := o.opts.Positions()

	o.mu.Lock()
	owner, ok := o.owners[producerID]
	g := o.groups[SoloKey(owner)]
	o.mu.Unlock()
	if !ok || g == nil {
		return Consumption{}, fmt.Errorf("%w: producer %q", ErrNotFound, producerID)
	}
	if owner == id {
		return Consumption{}, ErrOwnProducer
	}
	a, aok := points[id]
	b, bok := points[owner]
	if !aok || !bok || !proximity.InRange(a, b, o.opts.Threshold) {
		return Consumption{}, ErrOutOfRange
	}
	if !g.Router.CanConsume(producerID, caps) {
		return Consumption{}, ErrIncompatible
	}

	t, created, err := o.recvTransport(ctx, s, id, g)
	if err != nil {
		return Consumption{}, err
	}

	c, err := t.Consume(ctx, relay.ConsumeOptions{ProducerID: producerID, RTPCapabilities: caps, Paused: false})
	if err != nil {
		return Consumption{}, &RelayError{Op: "consume", Err: err}
	}
	if err := c.Resume(ctx); err != nil {
		c.Close()
		return Consumption{}, &RelayError{Op: "resume", Err: err}
	}

	o.mu.Lock()
	if err := o.stillLive(s, g); err != nil {
		o.mu.Unlock()
		c.Close()
		return Consumption{}, err
	}
	if _, ok := o.owners[producerID]; !ok {
		o.mu.Unlock()
		c.Close()
		return Consumption{}, fmt.Errorf("%w: producer %q", ErrNotFound, producerID)
	}
	g.addConsumer(id, c)
	o.mu.Unlock()

	out := Consumption{
		ID:            c.ID(),
		ProducerID:    c.ProducerID(),
		OwnerID:       owner,
		Kind:          c.Kind(),
		RTPParameters: c.RTPParameters(),
	}
	if created {
		params := t.Params()
		out.Transport = &params
	}
	return out, nil
}

// CloseProducer closes one of id's producers and every consumer of it.
func (o *Orchestrator) CloseProducer(ctx context.Context, id, producerID string) error {
	_, done, err := o.begin(id)
	if err != nil {
		return err
	}
	defer done()
	if err := ctx.Err(); err != nil {
		return err
	}

	o.mu.Lock()
	if o.owners[producerID] != id {
		o.mu.Unlock()
		return fmt.Errorf("%w: producer %q", ErrNotFound, producerID)
	}
	g := o.groups[SoloKey(id)]
	p := g.producers[id][producerID]

	notify := make(map[string]bool)
	for cid, cs := range g.consumers {
		for key, c := range cs {
			if c.ProducerID() == producerID {
				c.Close()
				delete(cs, key)
				notify[cid] = true
			}
		}
		if len(cs) == 0 {
			delete(g.consumers, cid)
		}
	}
	for key, set := range o.announced {
		if key.owner == id && set[producerID] {
			delete(set, producerID)
			notify[key.consumer] = true
		}
	}
	if p != nil {
		p.Close()
	}
	delete(g.producers[id], producerID)
	delete(o.owners, producerID)
	o.mu.Unlock()

	var events []Event
	for _, cid := range sortedKeys(notify) {
		events = append(events, Event{Kind: EventProducerClosed, PlayerID: cid, ProducerID: producerID, ProducerOwnerID: id})
	}
	o.emit(events)
	return nil
}

// ensureGroup returns id's solo group, creating its router on a pool worker. Callers
// hold the setup lock.
func (o *Orchestrator) ensureGroup(ctx context.Context, id string, s *session) (*Group, error) {
	o.mu.Lock()
	g := o.groups[SoloKey(id)]
	o.mu.Unlock()
	if g != nil {
		return g, nil
	}
	if o.opts.Pool == nil {
		return nil, relay.ErrClosed
	}

	w, err := o.opts.Pool.Next()
	if err != nil {
		return nil, err
	}
	r, err := w.CreateRouter(ctx, o.opts.Codecs)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if s.closed.Load() {
		r.Close()
		return nil, ErrPlayerGone
	}
	g = newGroup(id, r)
	o.groups[g.Key] = g
	o.log.Debug("media group created", zap.String("group", g.Key), zap.String("worker", w.ID()))
	return g, nil
}

// recvTransport gets or creates id's receive transport in g.
func (o *Orchestrator) recvTransport(ctx context.Context, s *session, id string, g *Group) (relay.Transport, bool, error) {
	o.mu.Lock()
	t := g.recvTransports[id]
	o.mu.Unlock()
	if t != nil && !t.Closed() {
		return t, false, nil
	}

	t, err := g.Router.CreateTransport(ctx, o.transportOptions(relay.DirectionRecv))
	if err != nil {
		return nil, false, &RelayError{Op: "createRecvTransport", Err: err}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if err := o.stillLive(s, g); err != nil {
		t.Close()
		return nil, false, err
	}
	g.recvTransports[id] = t
	return t, true, nil
}

// stillLive checks, under mu, that a handle created outside the lock can be stored.
func (o *Orchestrator) stillLive(s *session, g *Group) error {
	if s.closed.Load() {
		return ErrPlayerGone
	}
	if o.groups[g.Key] != g {
		return fmt.Errorf("%w: group %s closed", ErrNotFound, g.Key)
	}
	return nil
}

func (o *Orchestrator) findTransport(id, transportID string, dir relay.Direction) relay.Transport {
	own := o.groups[SoloKey(id)]
	if transportID == "" {
		if own == nil {
			return nil
		}
		if dir == relay.DirectionSend {
			return own.sendTransports[id]
		}
		return own.recvTransports[id]
	}
	for _, g := range o.groups {
		m := g.recvTransports
		if dir == relay.DirectionSend {
			m = g.sendTransports
		}
		if t, ok := m[id]; ok && t.ID() == transportID {
			return t
		}
	}
	return nil
}

func (o *Orchestrator) transportOptions(dir relay.Direction) relay.TransportOptions {
	opts := o.opts.Transport
	opts.Direction = dir
	return opts
}
