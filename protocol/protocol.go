// Package protocol defines the websocket envelope and message payloads.
package protocol

import (
	"encoding/json"
	"errors"
)

// Client to server.
const (
	MsgPlayerInput           = "playerInput"
	MsgPlayerMovement        = "playerMovement"
	MsgProximityMessage      = "proximityMessage"
	MsgRequestNearbyPlayers  = "requestNearbyPlayers"
	MsgGetRouterCapabilities = "getRouterCapabilities"
	MsgCreateTransport       = "createTransport"
	MsgConnectTransport      = "connectTransport"
	MsgProduce               = "produce"
	MsgCreateRecvTransport   = "createRecvTransport"
	MsgConnectRecvTransport  = "connectRecvTransport"
	MsgConsume               = "consume"
	MsgCloseProducer         = "closeProducer"
)

// Server to client. proximityMessage is used in both directions.
const (
	MsgPlayerAssigned     = "playerAssigned"
	MsgUpdatePlayers      = "updatePlayers"
	MsgNearbyPlayers      = "nearbyPlayers"
	MsgChatEvent          = "chatEvent"
	MsgChatGroups         = "chatGroups"
	MsgNewProducer        = "newProducer"
	MsgProducerOutOfRange = "producerOutOfRange"
	MsgProducerClosed     = "producerClosed"
	MsgAck                = "ack"
)

var (
	ErrValidation  = errors.New("validation error")
	ErrUnknownType = errors.New("unknown message type")
)

// Envelope is an inbound message. Data is decoded once the type is known.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Frame is an outbound message. Acks set RequestID and OK, plus Error on failure.
type Frame struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId,omitempty"`
	OK        *bool  `json:"ok,omitempty"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	IsAlone   *bool  `json:"isAlone,omitempty"`
}

// Event builds a push message.
func Event(msgType string, data any) Frame {
	return Frame{Type: msgType, Data: data}
}

// Ack answers a request successfully.
func Ack(requestID string, data any) Frame {
	ok := true
	return Frame{Type: MsgAck, RequestID: requestID, OK: &ok, Data: data}
}

// AckError answers a request with an error. isAlone is only set for transport failures.
func AckError(requestID string, err error, isAlone *bool) Frame {
	ok := false
	return Frame{Type: MsgAck, RequestID: requestID, OK: &ok, Error: err.Error(), IsAlone: isAlone}
}
