package server

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"testing"

	"proximity-server/config"
	"proximity-server/media"
	"proximity-server/network_state"
	"proximity-server/protocol"
	"proximity-server/relay"
	"proximity-server/relay/local"
)

type frame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	OK        *bool           `json:"ok"`
	Data      json.RawMessage `json:"data"`
	Error     string          `json:"error"`
	IsAlone   *bool           `json:"isAlone"`
}

type fakePeer struct {
	id string

	mu     sync.Mutex
	frames []frame
}

func (p *fakePeer) ID() string                  { return p.id }
func (p *fakePeer) Encoding() protocol.Encoding { return protocol.EncodingJSON }

func (p *fakePeer) Enqueue(msg []byte) bool {
	var f frame
	if err := json.Unmarshal(msg, &f); err != nil {
		panic(err)
	}
	p.mu.Lock()
	p.frames = append(p.frames, f)
	p.mu.Unlock()
	return true
}

// take returns and clears the received frames.
func (p *fakePeer) take() []frame {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.frames
	p.frames = nil
	return out
}

func ofType(frames []frame, t string) []frame {
	var out []frame
	for _, f := range frames {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}

func ackFor(t *testing.T, frames []frame, requestID string) frame {
	t.Helper()
	for _, f := range frames {
		if f.Type == protocol.MsgAck && f.RequestID == requestID {
			return f
		}
	}
	t.Fatalf("no ack for %q in %+v", requestID, frames)
	return frame{}
}

func newTestChannel(t *testing.T) (*Channel, *local.Engine) {
	t.Helper()
	engine := local.New(local.Options{MinPort: 30000, MaxPort: 30999})
	pool, err := media.NewWorkerPool(context.Background(), engine, 2)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	ch := NewChannel("test", config.Default(), pool, nil)
	t.Cleanup(func() {
		ch.Close()
		engine.Close()
	})
	return ch, engine
}

func (c *Channel) handle(p Peer, msgType, requestID string, data any) {
	env := map[string]any{"type": msgType}
	if requestID != "" {
		env["requestId"] = requestID
	}
	if data != nil {
		env["data"] = data
	}
	raw, err := json.Marshal(env)
	if err != nil {
		panic(err)
	}
	c.HandleMessage(p, raw)
}

func TestJoinSendsAssignmentAndState(t *testing.T) {
	ch, _ := newTestChannel(t)
	a := &fakePeer{id: "a"}
	ch.Join(a)
	ch.tick()

	frames := a.take()
	var types []string
	for _, f := range frames {
		types = append(types, f.Type)
	}
	want := []string{protocol.MsgPlayerAssigned, protocol.MsgChatGroups, protocol.MsgNearbyPlayers, protocol.MsgUpdatePlayers}
	if len(types) != len(want) {
		t.Fatalf("frames = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("frames = %v, want %v", types, want)
		}
	}

	var assigned protocol.PlayerAssigned
	if err := json.Unmarshal(frames[0].Data, &assigned); err != nil {
		t.Fatalf("decode playerAssigned: %v", err)
	}
	if assigned.PlayerID != "a" || assigned.Player.X != 100 || assigned.Player.Y != 100 {
		t.Fatalf("assigned = %+v", assigned)
	}
	if ch.PlayerCount() != 1 {
		t.Fatalf("player count = %d", ch.PlayerCount())
	}
}

func TestInputMovesPlayerOnNextTick(t *testing.T) {
	ch, _ := newTestChannel(t)
	a := &fakePeer{id: "a"}
	ch.Join(a)
	ch.tick()
	a.take()

	ch.handle(a, protocol.MsgPlayerInput, "", map[string]any{"keys": map[string]bool{"d": true}, "seq": 1})
	if p := ch.Players()["a"]; p.X != 100 {
		t.Fatalf("input applied before the tick: %+v", p)
	}
	ch.tick()

	updates := ofType(a.take(), protocol.MsgUpdatePlayers)
	if len(updates) != 1 {
		t.Fatalf("updatePlayers frames = %d", len(updates))
	}
	var players map[string]network_state.Player
	if err := json.Unmarshal(updates[0].Data, &players); err != nil {
		t.Fatalf("decode: %v", err)
	}
	got := players["a"]
	if math.Abs(got.X-101.8) > 1e-9 || got.Y != 100 {
		t.Fatalf("position = (%v, %v), want (101.8, 100)", got.X, got.Y)
	}
	if got.LastProcessedInputSeq != 1 || got.AnimationState.Direction != network_state.DirectionRight || !got.AnimationState.Moving {
		t.Fatalf("player = %+v", got)
	}

	ch.handle(a, protocol.MsgPlayerInput, "", map[string]any{"keys": map[string]bool{"right": true}, "seq": 1})
	ch.tick()
	if m := ch.Metrics(); m.InputsStale != 1 || m.InputsAccepted != 1 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestNoBroadcastWhenNothingChanged(t *testing.T) {
	ch, _ := newTestChannel(t)
	a := &fakePeer{id: "a"}
	ch.Join(a)
	ch.tick()
	a.take()

	ch.tick()
	ch.tick()
	if frames := a.take(); len(frames) != 0 {
		t.Fatalf("idle ticks sent %+v", frames)
	}
}

func TestChatFanOutIncludesSender(t *testing.T) {
	ch, _ := newTestChannel(t)
	a, b := &fakePeer{id: "a"}, &fakePeer{id: "b"}
	ch.Join(a)
	ch.Join(b)
	ch.tick()
	a.take()
	b.take()

	ch.handle(a, protocol.MsgProximityMessage, "m1", map[string]string{"content": "hello"})
	ch.tick()

	af, bf := a.take(), b.take()
	for name, frames := range map[string][]frame{"a": af, "b": bf} {
		msgs := ofType(frames, protocol.MsgProximityMessage)
		if len(msgs) != 1 {
			t.Fatalf("%s got %d proximity messages", name, len(msgs))
		}
		var m struct {
			SenderID string `json:"senderId"`
			Content  string `json:"content"`
		}
		json.Unmarshal(msgs[0].Data, &m)
		if m.SenderID != "a" || m.Content != "hello" {
			t.Fatalf("%s got %+v", name, m)
		}
	}
	ack := ackFor(t, af, "m1")
	if ack.OK == nil || !*ack.OK {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestChatNoOneNearby(t *testing.T) {
	ch, _ := newTestChannel(t)
	a, b := &fakePeer{id: "a"}, &fakePeer{id: "b"}
	ch.Join(a)
	ch.Join(b)
	ch.tick()

	ch.handle(b, protocol.MsgPlayerMovement, "", map[string]any{"x": 900, "y": 900})
	ch.tick()
	a.take()
	b.take()

	ch.handle(a, protocol.MsgProximityMessage, "", "anyone?")
	ch.tick()

	events := ofType(a.take(), protocol.MsgChatEvent)
	if len(events) != 1 {
		t.Fatalf("chatEvent frames = %d", len(events))
	}
	var ev protocol.ChatEvent
	json.Unmarshal(events[0].Data, &ev)
	if ev.Type != "info" || ev.Message != "No one is nearby to hear you" {
		t.Fatalf("event = %+v", ev)
	}
	if got := ofType(b.take(), protocol.MsgProximityMessage); len(got) != 0 {
		t.Fatalf("far player received %+v", got)
	}
}

func TestChatValidationAck(t *testing.T) {
	ch, _ := newTestChannel(t)
	a := &fakePeer{id: "a"}
	ch.Join(a)
	ch.tick()
	a.take()

	ch.handle(a, protocol.MsgProximityMessage, "m2", map[string]string{"content": "   "})
	ack := ackFor(t, a.take(), "m2")
	if ack.OK == nil || *ack.OK || ack.Error == "" {
		t.Fatalf("ack = %+v", ack)
	}
}

func TestNearbyUpdatesOnlyOnChange(t *testing.T) {
	ch, _ := newTestChannel(t)
	a, b := &fakePeer{id: "a"}, &fakePeer{id: "b"}
	ch.Join(a)
	ch.tick()
	a.take()

	ch.Join(b)
	ch.tick()
	nearby := ofType(a.take(), protocol.MsgNearbyPlayers)
	if len(nearby) != 1 || string(nearby[0].Data) != `["b"]` {
		t.Fatalf("a nearby frames = %+v", nearby)
	}

	ch.tick()
	if got := ofType(a.take(), protocol.MsgNearbyPlayers); len(got) != 0 {
		t.Fatalf("unchanged nearby list resent: %+v", got)
	}

	ch.handle(a, protocol.MsgRequestNearbyPlayers, "", nil)
	got := ofType(a.take(), protocol.MsgNearbyPlayers)
	if len(got) != 1 || string(got[0].Data) != `["b"]` {
		t.Fatalf("requested nearby = %+v", got)
	}
}

func TestLeaveBeforeJoinTick(t *testing.T) {
	ch, _ := newTestChannel(t)
	a := &fakePeer{id: "a"}
	ch.Join(a)
	ch.Leave("a")
	ch.tick()

	if ch.PlayerCount() != 0 {
		t.Fatalf("player count = %d", ch.PlayerCount())
	}
	if frames := a.take(); len(frames) != 0 {
		t.Fatalf("peer that never joined got %+v", frames)
	}
}

func TestLeaveBroadcastsAndClearsNearby(t *testing.T) {
	ch, _ := newTestChannel(t)
	a, b := &fakePeer{id: "a"}, &fakePeer{id: "b"}
	ch.Join(a)
	ch.Join(b)
	ch.tick()
	a.take()

	ch.Leave("b")
	ch.tick()
	frames := a.take()

	updates := ofType(frames, protocol.MsgUpdatePlayers)
	if len(updates) != 1 {
		t.Fatalf("updatePlayers frames = %d", len(updates))
	}
	var players map[string]network_state.Player
	json.Unmarshal(updates[0].Data, &players)
	if _, ok := players["b"]; ok || len(players) != 1 {
		t.Fatalf("players = %v", players)
	}
	nearby := ofType(frames, protocol.MsgNearbyPlayers)
	if len(nearby) != 1 || string(nearby[0].Data) != `[]` {
		t.Fatalf("nearby = %+v", nearby)
	}
}

func TestRelayFlowOverMessages(t *testing.T) {
	ch, engine := newTestChannel(t)
	a, b := &fakePeer{id: "a"}, &fakePeer{id: "b"}
	ch.Join(a)
	ch.Join(b)
	ch.tick()
	a.take()
	b.take()

	ch.handle(a, protocol.MsgGetRouterCapabilities, "1", nil)
	var caps relay.RTPCapabilities
	json.Unmarshal(ackFor(t, a.take(), "1").Data, &caps)
	if len(caps.Codecs) != 2 {
		t.Fatalf("caps = %+v", caps)
	}

	ch.handle(a, protocol.MsgCreateTransport, "2", nil)
	var created protocol.CreateTransportResult
	json.Unmarshal(ackFor(t, a.take(), "2").Data, &created)
	if created.ID == "" || created.IsAlone {
		t.Fatalf("createTransport = %+v", created)
	}

	dtls := map[string]any{"role": "client", "fingerprints": []map[string]string{{"algorithm": "sha-256", "value": "AA"}}}
	ch.handle(a, protocol.MsgConnectTransport, "3", map[string]any{"dtlsParameters": dtls})
	if ack := ackFor(t, a.take(), "3"); ack.OK == nil || !*ack.OK {
		t.Fatalf("connect ack = %+v", ack)
	}

	ch.handle(a, protocol.MsgProduce, "4", map[string]any{"kind": "video", "rtpParameters": relay.RTPParameters{Codecs: relay.DefaultCodecs()[:1]}})
	var produced protocol.ProduceResult
	json.Unmarshal(ackFor(t, a.take(), "4").Data, &produced)
	if produced.ID == "" {
		t.Fatalf("no producer id")
	}

	announced := ofType(b.take(), protocol.MsgNewProducer)
	if len(announced) != 1 {
		t.Fatalf("b newProducer frames = %d", len(announced))
	}
	var np protocol.NewProducer
	json.Unmarshal(announced[0].Data, &np)
	if np.ProducerID != produced.ID || np.ProducerSocketID != "a" || np.Kind != relay.KindVideo {
		t.Fatalf("newProducer = %+v", np)
	}

	ch.handle(b, protocol.MsgConsume, "5", map[string]any{"producerId": produced.ID, "rtpCapabilities": caps})
	var consumed protocol.ConsumeResult
	ack := ackFor(t, b.take(), "5")
	json.Unmarshal(ack.Data, &consumed)
	if consumed.ID == "" || consumed.Transport == nil || consumed.ProducerID != produced.ID {
		t.Fatalf("consume ack = %+v (%s)", consumed, ack.Error)
	}

	ch.handle(b, protocol.MsgPlayerMovement, "", map[string]any{"x": 500, "y": 500})
	ch.tick()
	if got := ofType(b.take(), protocol.MsgProducerOutOfRange); len(got) != 1 {
		t.Fatalf("producerOutOfRange frames = %d", len(got))
	}
	ch.tick()
	if got := ofType(b.take(), protocol.MsgProducerOutOfRange); len(got) != 0 {
		t.Fatalf("producerOutOfRange repeated")
	}
	if open := engine.Open(); open.Consumers != 0 {
		t.Fatalf("consumer still open: %+v", open)
	}

	ch.Leave("a")
	ch.tick()
	if open := engine.Open(); open.Producers != 0 || open.Transports != 0 || open.Routers != 0 {
		t.Fatalf("handles left after a left: %+v", open)
	}
}

func TestRelayErrorsAreAcked(t *testing.T) {
	ch, _ := newTestChannel(t)
	a := &fakePeer{id: "a"}
	ch.Join(a)
	ch.tick()
	a.take()

	ch.handle(a, protocol.MsgConsume, "c1", map[string]any{"producerId": "nope", "rtpCapabilities": map[string]any{"codecs": []any{}}})
	ack := ackFor(t, a.take(), "c1")
	if ack.OK == nil || *ack.OK || ack.Error == "" {
		t.Fatalf("ack = %+v", ack)
	}
	if m := ch.Metrics(); m.RelayErrors != 1 {
		t.Fatalf("relay errors = %d", m.RelayErrors)
	}

	ch.handle(a, protocol.MsgProduce, "p1", map[string]any{"kind": "screen"})
	if ack := ackFor(t, a.take(), "p1"); ack.OK == nil || *ack.OK {
		t.Fatalf("invalid produce ack = %+v", ack)
	}
}

func TestInvalidMessages(t *testing.T) {
	ch, _ := newTestChannel(t)
	a := &fakePeer{id: "a"}
	ch.Join(a)
	ch.tick()
	a.take()

	ch.HandleMessage(a, []byte("garbage"))
	ch.handle(a, "teleport", "x1", nil)
	if ack := ackFor(t, a.take(), "x1"); ack.OK == nil || *ack.OK {
		t.Fatalf("unknown type ack = %+v", ack)
	}
	if m := ch.Metrics(); m.InvalidMessages != 2 {
		t.Fatalf("invalid messages = %d", m.InvalidMessages)
	}
}

type panicPeer struct {
	fakePeer
	armed bool
}

func (p *panicPeer) Enqueue(msg []byte) bool {
	if p.armed {
		panic("boom")
	}
	return p.fakePeer.Enqueue(msg)
}

func TestTickRecoversFromPanic(t *testing.T) {
	ch, _ := newTestChannel(t)
	p := &panicPeer{fakePeer: fakePeer{id: "p"}}
	ch.Join(p)
	ch.tick()

	p.armed = true
	ch.handle(p, protocol.MsgPlayerInput, "", map[string]any{"keys": map[string]bool{"up": true}, "seq": 1})
	ch.tick()
	if m := ch.Metrics(); m.TickPanics != 1 {
		t.Fatalf("panics = %d", m.TickPanics)
	}

	p.armed = false
	ch.handle(p, protocol.MsgPlayerInput, "", map[string]any{"keys": map[string]bool{"up": true}, "seq": 2})
	ch.tick()
	if m := ch.Metrics(); m.TickPanics != 1 || m.TickCount != 3 {
		t.Fatalf("metrics after recovery = %+v", m)
	}
}

func TestMovementPanicReleasesRegistry(t *testing.T) {
	ch, _ := newTestChannel(t)
	p := &fakePeer{id: "p"}
	ch.Join(p)
	ch.tick()

	ch.networkState.Mu.Lock()
	ch.networkState.Players["broken"] = nil
	ch.networkState.Mu.Unlock()
	ch.tick()
	if m := ch.Metrics(); m.TickPanics != 1 {
		t.Fatalf("panics = %d", m.TickPanics)
	}

	if !ch.networkState.Mu.TryLock() {
		t.Fatal("registry still locked after a movement panic")
	}
	delete(ch.networkState.Players, "broken")
	ch.networkState.Mu.Unlock()

	before, _ := ch.networkState.Get("p")
	ch.handle(p, protocol.MsgPlayerInput, "", map[string]any{"keys": map[string]bool{"right": true}, "seq": 1})
	ch.tick()
	after, _ := ch.networkState.Get("p")
	if after.X <= before.X || after.LastProcessedInputSeq != 1 {
		t.Fatalf("player did not move after recovery: before %+v after %+v", before, after)
	}
}
