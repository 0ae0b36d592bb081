package media

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownPlayer = errors.New("media: unknown player")
	ErrPlayerGone    = errors.New("media: player disconnected")
	ErrNotFound      = errors.New("media: not found")
	ErrIncompatible  = errors.New("media: cannot consume this producer (rtp capabilities not compatible)")
	ErrOutOfRange    = errors.New("media: producer is out of media range")
	ErrOwnProducer   = errors.New("media: cannot consume own producer")
)

// RelayError wraps a relay engine failure. IsAlone tells the client whether anyone was
// in media range when it happened.
type RelayError struct {
	Op      string
	Err     error
	IsAlone bool
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay %s: %v", e.Op, e.Err)
}

func (e *RelayError) Unwrap() error { return e.Err }
