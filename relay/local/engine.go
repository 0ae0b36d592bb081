// Package local is an in-process, signaling-only relay engine. It issues real DTLS
// fingerprints and host ICE candidates and enforces the handle lifecycle, but it never
// opens sockets or forwards RTP.
package local

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"proximity-server/relay"
)

var ErrNoPorts = errors.New("local relay: rtc port range exhausted")

// Options configures the engine.
type Options struct {
	MinPort int
	MaxPort int
	Logger  *zap.Logger
}

// Counts is the number of open handles of each kind.
type Counts struct {
	Workers    int64 `json:"workers"`
	Routers    int64 `json:"routers"`
	Transports int64 `json:"transports"`
	Producers  int64 `json:"producers"`
	Consumers  int64 `json:"consumers"`
}

// Engine implements relay.Engine.
type Engine struct {
	log   *zap.Logger
	ports *portPool

	workers    atomic.Int64
	routers    atomic.Int64
	transports atomic.Int64
	producers  atomic.Int64
	consumers  atomic.Int64

	mu      sync.Mutex
	seq     int
	created []*worker
	closed  bool
}

var _ relay.Engine = (*Engine)(nil)

func New(opts Options) *Engine {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		log:   log.Named("relay"),
		ports: newPortPool(opts.MinPort, opts.MaxPort),
	}
}

func (e *Engine) CreateWorker(ctx context.Context) (relay.Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, relay.ErrClosed
	}
	e.seq++
	w := &worker{id: fmt.Sprintf("worker-%d", e.seq), engine: e, routers: make(map[string]*router)}
	e.created = append(e.created, w)
	e.workers.Add(1)
	e.log.Debug("worker created", zap.String("worker", w.id))
	return w, nil
}

// Close closes every worker and everything on them.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	workers := e.created
	e.created = nil
	e.mu.Unlock()

	for _, w := range workers {
		w.Close()
	}
	return nil
}

// Open reports currently open handles.
func (e *Engine) Open() Counts {
	return Counts{
		Workers:    e.workers.Load(),
		Routers:    e.routers.Load(),
		Transports: e.transports.Load(),
		Producers:  e.producers.Load(),
		Consumers:  e.consumers.Load(),
	}
}

type worker struct {
	id     string
	engine *Engine

	mu      sync.Mutex
	routers map[string]*router
	closed  bool
}

func (w *worker) ID() string { return w.id }

func (w *worker) CreateRouter(ctx context.Context, codecs []relay.Codec) (relay.Router, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(codecs) == 0 {
		return nil, relay.ErrNoCodecs
	}
	for _, c := range codecs {
		if _, err := relay.ParseKind(string(c.Kind)); err != nil {
			return nil, err
		}
		if !strings.HasPrefix(strings.ToLower(c.MimeType), string(c.Kind)+"/") {
			return nil, fmt.Errorf("codec %s does not match kind %s", c.MimeType, c.Kind)
		}
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate router key: %w", err)
	}
	cert, err := webrtc.GenerateCertificate(key)
	if err != nil {
		return nil, fmt.Errorf("generate router certificate: %w", err)
	}
	fingerprints, err := cert.GetFingerprints()
	if err != nil {
		return nil, fmt.Errorf("router fingerprints: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, relay.ErrClosed
	}
	r := &router{
		id:           uuid.NewString(),
		worker:       w,
		codecs:       append([]relay.Codec(nil), codecs...),
		fingerprints: fingerprints,
		transports:   make(map[string]*transport),
		producers:    make(map[string]*producer),
	}
	w.routers[r.id] = r
	w.engine.routers.Add(1)
	return r, nil
}

func (w *worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	routers := make([]*router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.Unlock()

	for _, r := range routers {
		r.Close()
	}
	w.engine.workers.Add(-1)
	return nil
}

func (w *worker) forget(id string) {
	w.mu.Lock()
	delete(w.routers, id)
	w.mu.Unlock()
}

// portPool hands out ports from [min, max] round robin.
type portPool struct {
	mu    sync.Mutex
	min   int
	max   int
	next  int
	inUse map[int]bool
}

func newPortPool(lo, hi int) *portPool {
	if lo <= 0 || hi < lo {
		lo, hi = 10000, 10100
	}
	return &portPool{min: lo, max: hi, next: lo, inUse: make(map[int]bool)}
}

func (p *portPool) acquire() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	span := p.max - p.min + 1
	for i := 0; i < span; i++ {
		port := p.next
		p.next++
		if p.next > p.max {
			p.next = p.min
		}
		if !p.inUse[port] {
			p.inUse[port] = true
			return port, nil
		}
	}
	return 0, ErrNoPorts
}

func (p *portPool) release(port int) {
	p.mu.Lock()
	delete(p.inUse, port)
	p.mu.Unlock()
}
