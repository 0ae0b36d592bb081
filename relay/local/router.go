package local

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"proximity-server/relay"
)

// router owns one mutex shared by every handle on it, so close cascades never have to
// order locks.
type router struct {
	id           string
	worker       *worker
	codecs       []relay.Codec
	fingerprints []webrtc.DTLSFingerprint

	mu         sync.Mutex
	transports map[string]*transport
	producers  map[string]*producer
	closed     bool
}

func (r *router) engine() *Engine { return r.worker.engine }

func (r *router) ID() string { return r.id }

func (r *router) RTPCapabilities() relay.RTPCapabilities {
	return relay.RTPCapabilities{Codecs: append([]relay.Codec(nil), r.codecs...)}
}

func (r *router) CreateTransport(ctx context.Context, opts relay.TransportOptions) (relay.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Direction != relay.DirectionSend && opts.Direction != relay.DirectionRecv {
		return nil, fmt.Errorf("%w: %q", relay.ErrWrongDirection, opts.Direction)
	}
	if !opts.EnableUDP && !opts.EnableTCP {
		opts.EnableUDP = true
	}

	port, err := r.engine().ports.acquire()
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.engine().ports.release(port)
		return nil, relay.ErrClosed
	}

	t := &transport{
		id:        uuid.NewString(),
		router:    r,
		direction: opts.Direction,
		port:      port,
		producers: make(map[string]*producer),
		consumers: make(map[string]*consumer),
	}
	t.params = relay.TransportParams{
		ID:             t.id,
		ICEParameters:  newICEParameters(),
		ICECandidates:  hostCandidates(opts, port),
		DTLSParameters: relay.DTLSParameters{Role: "auto", Fingerprints: r.fingerprints},
	}
	r.transports[t.id] = t
	r.engine().transports.Add(1)
	return t, nil
}

// CanConsume is true when the producer exists and caps supports one of its codecs.
func (r *router) CanConsume(producerID string, caps relay.RTPCapabilities) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.producers[producerID]
	if !ok || p.closed {
		return false
	}
	return len(matchingCodecs(p.params.Codecs, caps)) > 0
}

func (r *router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, t := range r.transports {
		t.closeLocked()
	}
	r.mu.Unlock()

	r.worker.forget(r.id)
	r.engine().routers.Add(-1)
	return nil
}

func (r *router) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

type transport struct {
	id        string
	router    *router
	direction relay.Direction
	port      int
	params    relay.TransportParams

	// guarded by router.mu
	connected bool
	closed    bool
	producers map[string]*producer
	consumers map[string]*consumer
}

func (t *transport) ID() string                    { return t.id }
func (t *transport) Direction() relay.Direction    { return t.direction }
func (t *transport) Params() relay.TransportParams { return t.params }

func (t *transport) Connect(ctx context.Context, dtls relay.DTLSParameters) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(dtls.Fingerprints) == 0 {
		return fmt.Errorf("connect transport %s: no dtls fingerprints", t.id)
	}
	t.router.mu.Lock()
	defer t.router.mu.Unlock()
	if t.closed {
		return relay.ErrClosed
	}
	if t.connected {
		return relay.ErrAlreadyConnected
	}
	t.connected = true
	return nil
}

func (t *transport) Connected() bool {
	t.router.mu.Lock()
	defer t.router.mu.Unlock()
	return t.connected
}

func (t *transport) Produce(ctx context.Context, opts relay.ProduceOptions) (relay.Producer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.direction != relay.DirectionSend {
		return nil, relay.ErrWrongDirection
	}
	kind, err := relay.ParseKind(string(opts.Kind))
	if err != nil {
		return nil, err
	}
	r := t.router
	caps := r.RTPCapabilities()
	var codecs []relay.Codec
	for _, c := range opts.RTPParameters.Codecs {
		if c.Kind == "" {
			c.Kind = kind
		}
		if c.Kind == kind && caps.Supports(c) {
			codecs = append(codecs, c)
		}
	}
	if len(codecs) == 0 {
		return nil, fmt.Errorf("%w: no %s codec supported by router", relay.ErrIncompatible, kind)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if t.closed {
		return nil, relay.ErrClosed
	}
	params := opts.RTPParameters
	params.Codecs = codecs
	p := &producer{
		id:        uuid.NewString(),
		kind:      kind,
		params:    params,
		transport: t,
		consumers: make(map[string]*consumer),
	}
	t.producers[p.id] = p
	r.producers[p.id] = p
	r.engine().producers.Add(1)
	r.engine().log.Debug("producer created", zap.String("producer", p.id), zap.String("kind", string(kind)))
	return p, nil
}

func (t *transport) Consume(ctx context.Context, opts relay.ConsumeOptions) (relay.Consumer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if t.direction != relay.DirectionRecv {
		return nil, relay.ErrWrongDirection
	}
	r := t.router
	r.mu.Lock()
	defer r.mu.Unlock()
	if t.closed {
		return nil, relay.ErrClosed
	}
	p, ok := r.producers[opts.ProducerID]
	if !ok || p.closed {
		return nil, fmt.Errorf("%w: %s", relay.ErrUnknownProducer, opts.ProducerID)
	}
	codecs := matchingCodecs(p.params.Codecs, opts.RTPCapabilities)
	if len(codecs) == 0 {
		return nil, relay.ErrIncompatible
	}
	c := &consumer{
		id:        uuid.NewString(),
		producer:  p,
		transport: t,
		params:    relay.RTPParameters{MID: p.params.MID, Codecs: codecs, Encodings: p.params.Encodings},
		paused:    opts.Paused,
	}
	t.consumers[c.id] = c
	p.consumers[c.id] = c
	r.engine().consumers.Add(1)
	return c, nil
}

func (t *transport) Close() error {
	t.router.mu.Lock()
	defer t.router.mu.Unlock()
	t.closeLocked()
	return nil
}

func (t *transport) closeLocked() {
	if t.closed {
		return
	}
	t.closed = true
	for _, p := range t.producers {
		p.closeLocked()
	}
	for _, c := range t.consumers {
		c.closeLocked()
	}
	delete(t.router.transports, t.id)
	t.router.engine().ports.release(t.port)
	t.router.engine().transports.Add(-1)
}

func (t *transport) Closed() bool {
	t.router.mu.Lock()
	defer t.router.mu.Unlock()
	return t.closed
}

type producer struct {
	id        string
	kind      relay.Kind
	params    relay.RTPParameters
	transport *transport

	// guarded by router.mu
	closed    bool
	consumers map[string]*consumer
}

func (p *producer) ID() string       { return p.id }
func (p *producer) Kind() relay.Kind { return p.kind }

func (p *producer) Close() error {
	p.transport.router.mu.Lock()
	defer p.transport.router.mu.Unlock()
	p.closeLocked()
	return nil
}

func (p *producer) closeLocked() {
	if p.closed {
		return
	}
	p.closed = true
	for _, c := range p.consumers {
		c.closeLocked()
	}
	r := p.transport.router
	delete(p.transport.producers, p.id)
	delete(r.producers, p.id)
	r.engine().producers.Add(-1)
}

func (p *producer) Closed() bool {
	p.transport.router.mu.Lock()
	defer p.transport.router.mu.Unlock()
	return p.closed
}

type consumer struct {
	id        string
	producer  *producer
	transport *transport
	params    relay.RTPParameters

	// guarded by router.mu
	paused bool
	closed bool
}

func (c *consumer) ID() string                         { return c.id }
func (c *consumer) ProducerID() string                 { return c.producer.id }
func (c *consumer) Kind() relay.Kind                   { return c.producer.kind }
func (c *consumer) RTPParameters() relay.RTPParameters { return c.params }

func (c *consumer) Resume(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.transport.router.mu.Lock()
	defer c.transport.router.mu.Unlock()
	if c.closed {
		return relay.ErrClosed
	}
	c.paused = false
	return nil
}

func (c *consumer) Paused() bool {
	c.transport.router.mu.Lock()
	defer c.transport.router.mu.Unlock()
	return c.paused
}

func (c *consumer) Close() error {
	c.transport.router.mu.Lock()
	defer c.transport.router.mu.Unlock()
	c.closeLocked()
	return nil
}

func (c *consumer) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	delete(c.transport.consumers, c.id)
	delete(c.producer.consumers, c.id)
	c.transport.router.engine().consumers.Add(-1)
}

func (c *consumer) Closed() bool {
	c.transport.router.mu.Lock()
	defer c.transport.router.mu.Unlock()
	return c.closed
}

func matchingCodecs(have []relay.Codec, caps relay.RTPCapabilities) []relay.Codec {
	var out []relay.Codec
	for _, c := range have {
		if caps.Supports(c) {
			out = append(out, c)
		}
	}
	return out
}

func newICEParameters() webrtc.ICEParameters {
	token := strings.ReplaceAll(uuid.NewString()+uuid.NewString(), "-", "")
	return webrtc.ICEParameters{
		UsernameFragment: token[:16],
		Password:         token[16:48],
		ICELite:          true,
	}
}

func hostCandidates(opts relay.TransportOptions, port int) []webrtc.ICECandidate {
	addr := opts.AnnouncedIP
	if addr == "" {
		addr = opts.ListenIP
	}
	if addr == "" {
		addr = "127.0.0.1"
	}
	udpPriority, tcpPriority := uint32(1076302079), uint32(1076276479)
	if !opts.PreferUDP {
		udpPriority, tcpPriority = tcpPriority, udpPriority
	}

	var out []webrtc.ICECandidate
	if opts.EnableUDP {
		out = append(out, webrtc.ICECandidate{
			Foundation: "udpcandidate",
			Priority:   udpPriority,
			Address:    addr,
			Protocol:   webrtc.ICEProtocolUDP,
			Port:       uint16(port),
			Typ:        webrtc.ICECandidateTypeHost,
			Component:  1,
		})
	}
	if opts.EnableTCP {
		out = append(out, webrtc.ICECandidate{
			Foundation: "tcpcandidate",
			Priority:   tcpPriority,
			Address:    addr,
			Protocol:   webrtc.ICEProtocolTCP,
			Port:       uint16(port),
			Typ:        webrtc.ICECandidateTypeHost,
			Component:  1,
			TCPType:    "passive",
		})
	}
	return out
}
