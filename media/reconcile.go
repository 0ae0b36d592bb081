package media

import (
	"sort"

	"go.uber.org/zap"

	"proximity-server/proximity"
	"proximity-server/relay"
)

// Reconcile compares consumer relationships against positions. A consuming pair that
// left media range has all its consumers closed and gets one producerOutOfRange; an
// in-range pair with no consumers gets newProducer for every producer not yet announced.
// Running it again on unchanged positions emits nothing. Returns the number of events.
func (o *Orchestrator) Reconcile(points map[string]proximity.Point) int {
	o.mu.Lock()

	keys := make([]string, 0, len(o.groups))
	for key := range o.groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var (
		events []Event
		closed []relay.Consumer
	)
	for _, key := range keys {
		g := o.groups[key]
		owner, ok := points[g.Owner]
		if !ok {
			continue
		}

		for _, cid := range g.consumerIDs() {
			pos, ok := points[cid]
			if !ok || proximity.InRange(pos, owner, o.opts.Threshold) {
				continue
			}
			for _, c := range g.consumers[cid] {
				closed = append(closed, c)
			}
			delete(g.consumers, cid)
			delete(o.announced, announceKey{consumer: cid, owner: g.Owner})
			events = append(events, Event{Kind: EventProducerOutOfRange, PlayerID: cid, ProducerOwnerID: g.Owner})
		}

		producers := g.ownerProducers()
		for _, cid := range proximity.SortedIDs(points) {
			if cid == g.Owner {
				continue
			}
			if !proximity.InRange(points[cid], owner, o.opts.Threshold) {
				delete(o.announced, announceKey{consumer: cid, owner: g.Owner})
				continue
			}
			if len(g.consumers[cid]) > 0 {
				continue
			}
			for _, p := range producers {
				if o.announce(cid, g.Owner, p.ID()) {
					events = append(events, Event{Kind: EventNewProducer, PlayerID: cid, ProducerID: p.ID(), ProducerOwnerID: g.Owner, MediaKind: p.Kind()})
				}
			}
		}
	}

	for _, c := range closed {
		c.Close()
	}
	o.mu.Unlock()

	if len(closed) > 0 {
		o.log.Debug("closed out-of-range consumers", zap.Int("consumers", len(closed)))
	}
	o.emit(events)
	return len(events)
}
