package server

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"proximity-server/media"
	"proximity-server/network_state"
	"proximity-server/protocol"
	"proximity-server/relay"
)

// relayTimeout bounds every relay request made on behalf of a client.
const relayTimeout = 10 * time.Second

// HandleMessage processes one inbound message from p. Movement and chat are only staged
// for the tick; relay requests run here and are answered with an ack.
func (c *Channel) HandleMessage(p Peer, raw []byte) {
	env, err := protocol.DecodeEnvelope(raw)
	if err != nil {
		c.metrics.InvalidMessages.Add(1)
		c.log.Debug("invalid message", zap.String("player", p.ID()), zap.Error(err))
		return
	}

	switch env.Type {
	case protocol.MsgPlayerInput:
		in, err := protocol.DecodePayload[protocol.PlayerInput](env)
		if err != nil {
			c.reject(p, env, err)
			return
		}
		if !c.networkState.StageInput(p.ID(), network_state.InputRecord{Keys: in.Keys, Seq: in.Seq}) {
			c.metrics.InputsUnknown.Add(1)
		}

	case protocol.MsgPlayerMovement:
		mv, err := protocol.DecodePayload[protocol.PlayerMovement](env)
		if err == nil {
			err = mv.Validate()
		}
		if err != nil {
			c.reject(p, env, err)
			return
		}
		if !c.networkState.StageOverride(p.ID(), mv.Override()) {
			c.metrics.InputsUnknown.Add(1)
		}

	case protocol.MsgProximityMessage:
		msg, err := protocol.DecodePayload[protocol.ProximityMessage](env)
		if err == nil {
			err = c.chat.Validate(msg.Content)
		}
		if err != nil {
			c.metrics.ChatRejected.Add(1)
			c.reject(p, env, err)
			return
		}
		c.stageMutex.Lock()
		c.messages = append(c.messages, chatRequest{sender: p.ID(), content: msg.Content, requestID: env.RequestID})
		c.stageMutex.Unlock()

	case protocol.MsgRequestNearbyPlayers:
		c.send(p, protocol.Event(protocol.MsgNearbyPlayers, c.chat.Nearby(p.ID())))

	case protocol.MsgGetRouterCapabilities:
		c.relayRequest(p, env, func(ctx context.Context) (any, error) {
			return c.media.RouterCapabilities(ctx, p.ID())
		})

	case protocol.MsgCreateTransport:
		c.relayRequest(p, env, func(ctx context.Context) (any, error) {
			st, err := c.media.CreateSendTransport(ctx, p.ID())
			if err != nil {
				return nil, err
			}
			return protocol.CreateTransportResult{TransportParams: st.Params, IsAlone: st.IsAlone}, nil
		})

	case protocol.MsgConnectTransport, protocol.MsgConnectRecvTransport:
		req, err := protocol.DecodePayload[protocol.ConnectTransport](env)
		if err == nil {
			err = req.Validate()
		}
		if err != nil {
			c.reject(p, env, err)
			return
		}
		c.relayRequest(p, env, func(ctx context.Context) (any, error) {
			connect := c.media.ConnectTransport
			if env.Type == protocol.MsgConnectRecvTransport {
				connect = c.media.ConnectRecvTransport
			}
			if err := connect(ctx, p.ID(), req.TransportID, req.DTLSParameters); err != nil {
				return nil, err
			}
			return protocol.Connected{Success: true}, nil
		})

	case protocol.MsgProduce:
		req, err := protocol.DecodePayload[protocol.Produce](env)
		if err == nil {
			err = req.Validate()
		}
		if err != nil {
			c.reject(p, env, err)
			return
		}
		c.relayRequest(p, env, func(ctx context.Context) (any, error) {
			kind, _ := relay.ParseKind(req.Kind)
			id, err := c.media.Produce(ctx, p.ID(), kind, req.RTPParameters)
			if err != nil {
				return nil, err
			}
			return protocol.ProduceResult{ID: id}, nil
		})

	case protocol.MsgCreateRecvTransport:
		c.relayRequest(p, env, func(ctx context.Context) (any, error) {
			return c.media.CreateRecvTransport(ctx, p.ID())
		})

	case protocol.MsgConsume:
		req, err := protocol.DecodePayload[protocol.Consume](env)
		if err == nil {
			err = req.Validate()
		}
		if err != nil {
			c.reject(p, env, err)
			return
		}
		c.relayRequest(p, env, func(ctx context.Context) (any, error) {
			res, err := c.media.Consume(ctx, p.ID(), req.ProducerID, req.RTPCapabilities)
			if err != nil {
				return nil, err
			}
			return protocol.ConsumeResult{
				ID:            res.ID,
				ProducerID:    res.ProducerID,
				Kind:          res.Kind,
				RTPParameters: res.RTPParameters,
				Transport:     res.Transport,
			}, nil
		})

	case protocol.MsgCloseProducer:
		req, err := protocol.DecodePayload[protocol.CloseProducer](env)
		if err == nil {
			err = req.Validate()
		}
		if err != nil {
			c.reject(p, env, err)
			return
		}
		c.relayRequest(p, env, func(ctx context.Context) (any, error) {
			return nil, c.media.CloseProducer(ctx, p.ID(), req.ProducerID)
		})

	default:
		c.metrics.InvalidMessages.Add(1)
		c.reject(p, env, protocol.ErrUnknownType)
	}
}

// reject answers a request that failed validation. Fire-and-forget messages without a
// request id are only logged.
func (c *Channel) reject(p Peer, env protocol.Envelope, err error) {
	c.log.Debug("message rejected", zap.String("player", p.ID()), zap.String("type", env.Type), zap.Error(err))
	if env.RequestID != "" {
		c.send(p, protocol.AckError(env.RequestID, err, nil))
	}
}

func (c *Channel) relayRequest(p Peer, env protocol.Envelope, fn func(ctx context.Context) (any, error)) {
	c.metrics.RelayRequests.Add(1)
	ctx, cancel := context.WithTimeout(c.ctx, relayTimeout)
	defer cancel()

	data, err := fn(ctx)
	if err != nil {
		c.metrics.RelayErrors.Add(1)
		var alone *bool
		var rerr *media.RelayError
		if errors.As(err, &rerr) && env.Type == protocol.MsgCreateTransport {
			alone = &rerr.IsAlone
		}
		c.log.Warn("relay request failed", zap.String("player", p.ID()), zap.String("type", env.Type), zap.Error(err))
		c.send(p, protocol.AckError(env.RequestID, err, alone))
		return
	}
	c.send(p, protocol.Ack(env.RequestID, data))
}
