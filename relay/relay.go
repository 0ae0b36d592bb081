// Package relay is the boundary to the media relay engine. The server never moves media
// itself; it only decides when workers, routers, transports, producers and consumers are
// created, connected and closed.
package relay

import (
	"context"
	"errors"
)

var (
	ErrClosed           = errors.New("relay: handle closed")
	ErrAlreadyConnected = errors.New("relay: transport already connected")
	ErrWrongDirection   = errors.New("relay: wrong transport direction")
	ErrUnknownProducer  = errors.New("relay: unknown producer")
	ErrIncompatible     = errors.New("relay: rtp capabilities cannot consume producer")
	ErrInvalidKind      = errors.New("relay: invalid media kind")
	ErrNoCodecs         = errors.New("relay: no codecs")
)

// Engine hands out workers. An engine is shared by every channel.
type Engine interface {
	CreateWorker(ctx context.Context) (Worker, error)
	Close() error
}

// Worker hosts routers.
type Worker interface {
	ID() string
	CreateRouter(ctx context.Context, codecs []Codec) (Router, error)
	Close() error
}

// Router hosts the transports of one group. Closing a router closes everything on it.
type Router interface {
	ID() string
	RTPCapabilities() RTPCapabilities
	CreateTransport(ctx context.Context, opts TransportOptions) (Transport, error)
	CanConsume(producerID string, caps RTPCapabilities) bool
	Close() error
	Closed() bool
}

// Direction is the media direction of a transport from the client's point of view.
type Direction string

const (
	DirectionSend Direction = "send"
	DirectionRecv Direction = "recv"
)

// TransportOptions mirror the listen settings of a WebRTC transport.
type TransportOptions struct {
	Direction                       Direction
	ListenIP                        string
	AnnouncedIP                     string
	EnableUDP                       bool
	EnableTCP                       bool
	PreferUDP                       bool
	InitialAvailableOutgoingBitrate int
}

// Transport is one client-facing WebRTC transport. Connect succeeds at most once.
type Transport interface {
	ID() string
	Direction() Direction
	Params() TransportParams
	Connect(ctx context.Context, dtls DTLSParameters) error
	Connected() bool
	Produce(ctx context.Context, opts ProduceOptions) (Producer, error)
	Consume(ctx context.Context, opts ConsumeOptions) (Consumer, error)
	Close() error
	Closed() bool
}

type ProduceOptions struct {
	Kind          Kind
	RTPParameters RTPParameters
}

type ConsumeOptions struct {
	ProducerID      string
	RTPCapabilities RTPCapabilities
	Paused          bool
}

// Producer is an inbound media track sent by a client.
type Producer interface {
	ID() string
	Kind() Kind
	Close() error
	Closed() bool
}

// Consumer forwards one producer to one client.
type Consumer interface {
	ID() string
	ProducerID() string
	Kind() Kind
	RTPParameters() RTPParameters
	Resume(ctx context.Context) error
	Paused() bool
	Close() error
	Closed() bool
}
