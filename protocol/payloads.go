package protocol

import (
	"encoding/json"
	"fmt"
	"math"

	"proximity-server/network_state"
	"proximity-server/relay"
)

type PlayerInput struct {
	Keys network_state.Keys `json:"keys"`
	Seq  uint64             `json:"seq"`
}

type PlayerMovement struct {
	X              float64                       `json:"x"`
	Y              float64                       `json:"y"`
	AnimationState *network_state.AnimationState `json:"animationState,omitempty"`
}

func (m PlayerMovement) Validate() error {
	if math.IsNaN(m.X) || math.IsInf(m.X, 0) || math.IsNaN(m.Y) || math.IsInf(m.Y, 0) {
		return fmt.Errorf("%w: position must be finite", ErrValidation)
	}
	if m.AnimationState != nil && !m.AnimationState.Direction.Valid() {
		return fmt.Errorf("%w: invalid direction %q", ErrValidation, m.AnimationState.Direction)
	}
	return nil
}

// Override converts the movement into a staged override.
func (m PlayerMovement) Override() network_state.MovementOverride {
	return network_state.MovementOverride{X: m.X, Y: m.Y, AnimationState: m.AnimationState}
}

// ProximityMessage accepts either {"content": "..."} or a bare JSON string.
type ProximityMessage struct {
	Content string `json:"content"`
}

func (p *ProximityMessage) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		p.Content = s
		return nil
	}
	type plain ProximityMessage
	var v plain
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*p = ProximityMessage(v)
	return nil
}

type ConnectTransport struct {
	TransportID    string               `json:"transportId,omitempty"`
	DTLSParameters relay.DTLSParameters `json:"dtlsParameters"`
}

func (c ConnectTransport) Validate() error {
	if len(c.DTLSParameters.Fingerprints) == 0 {
		return fmt.Errorf("%w: dtlsParameters.fingerprints is required", ErrValidation)
	}
	return nil
}

type Produce struct {
	Kind          string              `json:"kind"`
	RTPParameters relay.RTPParameters `json:"rtpParameters"`
}

func (p Produce) Validate() error {
	if _, err := relay.ParseKind(p.Kind); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if len(p.RTPParameters.Codecs) == 0 {
		return fmt.Errorf("%w: rtpParameters.codecs is required", ErrValidation)
	}
	return nil
}

type Consume struct {
	ProducerID      string                `json:"producerId"`
	RTPCapabilities relay.RTPCapabilities `json:"rtpCapabilities"`
}

func (c Consume) Validate() error {
	if c.ProducerID == "" {
		return fmt.Errorf("%w: producerId is required", ErrValidation)
	}
	return nil
}

type CloseProducer struct {
	ProducerID string `json:"producerId"`
}

func (c CloseProducer) Validate() error {
	if c.ProducerID == "" {
		return fmt.Errorf("%w: producerId is required", ErrValidation)
	}
	return nil
}

type PlayerAssigned struct {
	PlayerID string               `json:"playerId"`
	Player   network_state.Player `json:"player"`
}

type ChatEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type NewProducer struct {
	ProducerID       string     `json:"producerId"`
	ProducerSocketID string     `json:"producerSocketId"`
	Kind             relay.Kind `json:"kind"`
}

type ProducerOutOfRange struct {
	ProducerSocketID string `json:"producerSocketId"`
}

type ProducerClosed struct {
	ProducerID       string `json:"producerId"`
	ProducerSocketID string `json:"producerSocketId"`
}

// CreateTransportResult is the ack payload of createTransport.
type CreateTransportResult struct {
	relay.TransportParams
	IsAlone bool `json:"isAlone"`
}

type ProduceResult struct {
	ID string `json:"id"`
}

// ConsumeResult is the ack payload of consume. Transport is set when a receive
// transport was created in the producer's group for this request.
type ConsumeResult struct {
	ID            string                 `json:"id"`
	ProducerID    string                 `json:"producerId"`
	Kind          relay.Kind             `json:"kind"`
	RTPParameters relay.RTPParameters    `json:"rtpParameters"`
	Transport     *relay.TransportParams `json:"transport,omitempty"`
}

// ChatDelivered acks a proximityMessage once it has been routed.
type ChatDelivered struct {
	ID         string `json:"id"`
	Delivered  bool   `json:"delivered"`
	Recipients int    `json:"recipients"`
}

type Connected struct {
	Success bool `json:"success"`
}

// Inbound maps every client message type with a body to its payload type.
func Inbound() map[string]any {
	return map[string]any{
		MsgPlayerInput:          PlayerInput{},
		MsgPlayerMovement:       PlayerMovement{},
		MsgProximityMessage:     ProximityMessage{},
		MsgConnectTransport:     ConnectTransport{},
		MsgProduce:              Produce{},
		MsgConnectRecvTransport: ConnectTransport{},
		MsgConsume:              Consume{},
		MsgCloseProducer:        CloseProducer{},
	}
}
