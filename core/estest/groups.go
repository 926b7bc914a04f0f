package estest

import (
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/evstore-go/core/es"
	"github.com/codewandler/evstore-go/core/transport"
)

type groupConsumer struct {
	corrID string
	subID  string
	peer   transport.ServerPeer
}

// memGroup is one persistent subscription group: a server-side cursor over
// its stream plus delivery state per event id.
type memGroup struct {
	stream   string
	name     string
	settings es.PersistentSettings

	// next is the dispatch cursor into the stream.
	next      int64
	consumers []*groupConsumer
	rr        int
	inflight  map[string]*inflightEvent
	parked    map[string]bool
	handled   map[string]bool
}

type inflightEvent struct {
	ev    es.RecordedEvent
	pos   es.Position
	retry int
}

func groupKey(stream, group string) string { return stream + "::" + group }

func (st *store) persistentAction(req transport.PersistentActionReq) transport.PersistentActionResp {
	st.mu.Lock()
	defer st.mu.Unlock()

	key := groupKey(req.Stream, req.Group)
	g := st.groups[key]

	switch req.Kind {
	case transport.PersistentCreate:
		if g != nil {
			return transport.PersistentActionResp{Status: es.PersistAlreadyExists}
		}
		g = &memGroup{
			stream:   req.Stream,
			name:     req.Group,
			settings: req.Settings,
			inflight: map[string]*inflightEvent{},
			parked:   map[string]bool{},
			handled:  map[string]bool{},
		}
		// StartFrom -1 means "live from creation"
		if req.Settings.StartFrom == -1 {
			if ms := st.streams[req.Stream]; ms != nil {
				g.next = int64(len(ms.events))
			}
		} else {
			g.next = req.Settings.StartFrom
		}
		st.groups[key] = g
		return transport.PersistentActionResp{Status: es.PersistSuccess}

	case transport.PersistentUpdate:
		if g == nil {
			return transport.PersistentActionResp{Status: es.PersistDoesNotExist}
		}
		g.settings = req.Settings
		return transport.PersistentActionResp{Status: es.PersistSuccess}

	case transport.PersistentDelete:
		if g == nil {
			return transport.PersistentActionResp{Status: es.PersistDoesNotExist}
		}
		delete(st.groups, key)
		for _, c := range g.consumers {
			c.peer.Push(transport.Package{
				Command:       transport.CmdSubscriptionDropped,
				CorrelationID: c.corrID,
				Payload:       transport.SubscriptionDropped{Reason: transport.DropDeleted},
			})
		}
		return transport.PersistentActionResp{Status: es.PersistSuccess}
	}

	return transport.PersistentActionResp{Status: es.PersistFail, Reason: "unknown action"}
}

func (st *store) connectPersistent(peer transport.ServerPeer, pkg transport.Package) {
	req := pkg.Payload.(transport.ConnectPersistentReq)

	st.mu.Lock()
	g := st.groups[groupKey(req.Stream, req.Group)]
	if g == nil {
		st.mu.Unlock()
		peer.Push(pkg.Reply(transport.CmdSubscriptionDropped, transport.SubscriptionDropped{
			Reason: transport.DropNotFound,
		}))
		return
	}

	maxSub := g.settings.MaxSubscriberCount
	if maxSub > 0 && len(g.consumers) >= maxSub {
		st.mu.Unlock()
		peer.Push(pkg.Reply(transport.CmdSubscriptionDropped, transport.SubscriptionDropped{
			Reason: transport.DropSubscriberMax,
		}))
		return
	}

	c := &groupConsumer{
		corrID: pkg.CorrelationID,
		subID:  gonanoid.Must(),
		peer:   peer,
	}
	g.consumers = append(g.consumers, c)

	conf := transport.SubscriptionConfirmed{
		SubscriptionID: c.subID,
		PersistentID:   c.subID,
		LastEventNumber: func() int64 {
			if ms := st.streams[req.Stream]; ms != nil {
				return int64(len(ms.events)) - 1
			}
			return -1
		}(),
		LastCommitPosition: st.pos,
	}
	peer.Push(pkg.Reply(transport.CmdSubscriptionConfirmed, conf))

	// unacked deliveries from a lost consumer come back with a bumped retry
	for id, inf := range g.inflight {
		delete(g.inflight, id)
		st.deliverToGroupLocked(g, inf.ev, inf.retry+1)
	}
	st.dispatchGroupLocked(g)
	st.mu.Unlock()
}

// dispatchGroupsLocked feeds groups on stream after an append.
func (st *store) dispatchGroupsLocked(stream string) {
	for _, g := range st.groups {
		if g.stream == stream {
			st.dispatchGroupLocked(g)
		}
	}
}

// dispatchGroupLocked advances the group cursor, delivering each event once
// to one consumer.
func (st *store) dispatchGroupLocked(g *memGroup) {
	st.pruneConsumersLocked(g)
	if len(g.consumers) == 0 {
		return
	}

	ms := st.streams[g.stream]
	if ms == nil {
		return
	}

	for g.next < int64(len(ms.events)) {
		rec := ms.events[g.next]
		g.next++
		if g.handled[rec.ID] || g.parked[rec.ID] {
			continue
		}
		st.deliverToGroupLocked(g, rec, 0)
	}
}

func (st *store) deliverToGroupLocked(g *memGroup, rec es.RecordedEvent, retry int) {
	st.pruneConsumersLocked(g)
	if len(g.consumers) == 0 {
		return
	}

	var c *groupConsumer
	if g.settings.ConsumerStrategy == es.StrategyDispatchToSingle {
		c = g.consumers[0]
	} else {
		c = g.consumers[g.rr%len(g.consumers)]
		g.rr++
	}

	g.inflight[rec.ID] = &inflightEvent{ev: rec, retry: retry}

	rec2 := rec
	c.peer.Push(transport.Package{
		Command:       transport.CmdEventAppeared,
		CorrelationID: c.corrID,
		Payload: transport.EventAppeared{
			Event:      es.ResolvedEvent{Event: &rec2},
			RetryCount: retry,
		},
	})
}

func (st *store) pruneConsumersLocked(g *memGroup) {
	alive := g.consumers[:0]
	for _, c := range g.consumers {
		select {
		case <-c.peer.Done():
		default:
			alive = append(alive, c)
		}
	}
	g.consumers = alive
}

func (st *store) ackEvents(req transport.AckEvents) {
	st.mu.Lock()
	defer st.mu.Unlock()

	g := st.groupBySubIDLocked(req.SubscriptionID)
	if g == nil {
		return
	}
	for _, id := range req.EventIDs {
		delete(g.inflight, id)
		g.handled[id] = true
	}
}

func (st *store) nakEvents(req transport.NakEvents) {
	st.mu.Lock()
	defer st.mu.Unlock()

	g := st.groupBySubIDLocked(req.SubscriptionID)
	if g == nil {
		return
	}

	for _, id := range req.EventIDs {
		inf := g.inflight[id]
		if inf == nil {
			continue
		}
		delete(g.inflight, id)

		switch req.Action {
		case es.NakPark:
			// parked events are never redelivered to the group
			g.parked[id] = true
		case es.NakSkip:
			g.handled[id] = true
		case es.NakRetry, es.NakUnknown:
			st.deliverToGroupLocked(g, inf.ev, inf.retry+1)
		case es.NakStop:
			g.handled[id] = true
			for _, c := range g.consumers {
				c.peer.Push(transport.Package{
					Command:       transport.CmdSubscriptionDropped,
					CorrelationID: c.corrID,
					Payload:       transport.SubscriptionDropped{Reason: transport.DropUnsubscribed},
				})
			}
			g.consumers = nil
		}
	}
}

func (st *store) groupBySubIDLocked(subID string) *memGroup {
	for _, g := range st.groups {
		for _, c := range g.consumers {
			if c.subID == subID {
				return g
			}
		}
	}
	return nil
}

func (st *store) removeConsumerLocked(corrID string) *groupConsumer {
	for _, g := range st.groups {
		for i, c := range g.consumers {
			if c.corrID == corrID {
				g.consumers = append(g.consumers[:i], g.consumers[i+1:]...)
				return c
			}
		}
	}
	return nil
}
