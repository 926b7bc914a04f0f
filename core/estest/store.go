package estest

import (
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/evstore-go/core/es"
	"github.com/codewandler/evstore-go/core/transport"
)

// store is the replicated state every node serves from. One mutex guards
// everything; the fake trades concurrency for being easy to reason about in
// tests.
type store struct {
	mu      sync.Mutex
	streams map[string]*memStream
	// all is the global log in append order, the fake's $all stream.
	all    []globalEvent
	pos    int64
	subs   map[string]*liveSub
	groups map[string]*memGroup
}

type globalEvent struct {
	rec es.RecordedEvent
	pos es.Position
}

type memStream struct {
	events     []es.RecordedEvent
	deleted    bool
	tombstoned bool
}

type liveSub struct {
	stream       string
	resolveLinks bool
	corrID       string
	peer         transport.ServerPeer
}

func newStore() *store {
	return &store{
		streams: map[string]*memStream{},
		subs:    map[string]*liveSub{},
		groups:  map[string]*memGroup{},
	}
}

// === streams ===

func (st *store) append(req transport.AppendReq) transport.AppendResp {
	st.mu.Lock()
	defer st.mu.Unlock()

	ms := st.streams[req.Stream]
	if ms != nil && ms.tombstoned {
		return transport.AppendResp{Result: transport.ResultStreamDeleted}
	}

	current := int64(-1)
	if ms != nil && !ms.deleted {
		current = int64(len(ms.events)) - 1
	}

	switch req.ExpectedVersion {
	case es.ExpectedAny:
	case es.ExpectedNoStream:
		if current != -1 {
			return transport.AppendResp{Result: transport.ResultWrongExpectedVersion, NextExpectedVersion: current}
		}
	case es.ExpectedStreamExists:
		if current == -1 {
			return transport.AppendResp{Result: transport.ResultWrongExpectedVersion, NextExpectedVersion: current}
		}
	default:
		if current != int64(req.ExpectedVersion) {
			return transport.AppendResp{Result: transport.ResultWrongExpectedVersion, NextExpectedVersion: current}
		}
	}

	if ms == nil {
		ms = &memStream{}
		st.streams[req.Stream] = ms
	}
	ms.deleted = false

	var last es.Position
	for _, data := range req.Events {
		st.pos++
		last = es.Position{Commit: st.pos, Prepare: st.pos}

		rec := es.RecordedEvent{
			StreamID:    req.Stream,
			ID:          data.ID,
			EventNumber: int64(len(ms.events)),
			Type:        data.Type,
			Data:        data.Data,
			Metadata:    data.Metadata,
			IsJSON:      data.IsJSON,
			Created:     time.Now(),
		}
		if rec.ID == "" {
			rec.ID = gonanoid.Must()
		}
		ms.events = append(ms.events, rec)
		st.all = append(st.all, globalEvent{rec: rec, pos: last})

		st.notifyLocked(req.Stream, rec, last)
	}
	st.dispatchGroupsLocked(req.Stream)

	return transport.AppendResp{
		Result:              transport.ResultSuccess,
		NextExpectedVersion: int64(len(ms.events)) - 1,
		Position:            last,
	}
}

// notifyLocked pushes a fresh event to every live subscription watching the
// stream or the all stream.
func (st *store) notifyLocked(stream string, rec es.RecordedEvent, pos es.Position) {
	for corrID, sub := range st.subs {
		if sub.stream != stream && sub.stream != es.AllStream {
			continue
		}
		select {
		case <-sub.peer.Done():
			delete(st.subs, corrID)
			continue
		default:
		}

		rec := rec
		pos := pos
		sub.peer.Push(transport.Package{
			Command:       transport.CmdEventAppeared,
			CorrelationID: sub.corrID,
			Payload: transport.EventAppeared{
				Event: es.ResolvedEvent{Event: &rec, Position: &pos},
			},
		})
	}
}

func (st *store) readStream(req transport.ReadStreamReq) transport.ReadStreamResp {
	st.mu.Lock()
	defer st.mu.Unlock()

	ms := st.streams[req.Stream]
	if ms == nil {
		return transport.ReadStreamResp{Status: es.ReadStreamNotFound}
	}
	if ms.tombstoned {
		return transport.ReadStreamResp{Status: es.ReadStreamDeleted}
	}
	if ms.deleted {
		return transport.ReadStreamResp{Status: es.ReadStreamNotFound}
	}

	last := int64(len(ms.events)) - 1
	resp := transport.ReadStreamResp{
		Status:          es.ReadStreamSuccess,
		LastEventNumber: last,
	}

	count := req.Count
	if count <= 0 {
		count = 1
	}

	if req.Direction == es.ReadBackward {
		from := req.From
		if from == -1 || from > last {
			from = last
		}
		for i := from; i >= 0 && len(resp.Events) < count; i-- {
			resp.Events = append(resp.Events, resolved(ms.events[i]))
		}
		resp.NextEventNumber = from - int64(len(resp.Events))
		resp.EndOfStream = resp.NextEventNumber < 0
		return resp
	}

	for i := max64(req.From, 0); i <= last && len(resp.Events) < count; i++ {
		resp.Events = append(resp.Events, resolved(ms.events[i]))
	}
	resp.NextEventNumber = max64(req.From, 0) + int64(len(resp.Events))
	resp.EndOfStream = resp.NextEventNumber > last
	return resp
}

func (st *store) readAll(req transport.ReadAllReq) transport.ReadAllResp {
	st.mu.Lock()
	defer st.mu.Unlock()

	count := req.Count
	if count <= 0 {
		count = 1
	}

	resp := transport.ReadAllResp{Next: req.From}

	if req.Direction == es.ReadBackward {
		from := req.From
		if from.Compare(es.EndPosition()) == 0 {
			from = es.Position{Commit: st.pos + 1, Prepare: st.pos + 1}
		}
		for i := len(st.all) - 1; i >= 0 && len(resp.Events) < count; i-- {
			ge := st.all[i]
			if ge.pos.Compare(from) >= 0 || st.hiddenLocked(ge.rec.StreamID) {
				continue
			}
			resp.Events = append(resp.Events, resolvedAt(ge))
			resp.Next = ge.pos
		}
		resp.EndOfStream = len(resp.Events) < count
		return resp
	}

	for _, ge := range st.all {
		if len(resp.Events) >= count {
			break
		}
		if ge.pos.Compare(req.From) <= 0 || st.hiddenLocked(ge.rec.StreamID) {
			continue
		}
		resp.Events = append(resp.Events, resolvedAt(ge))
		resp.Next = ge.pos
	}
	resp.EndOfStream = len(resp.Events) < count
	return resp
}

// hiddenLocked reports whether a stream's events are gone from reads.
func (st *store) hiddenLocked(stream string) bool {
	ms := st.streams[stream]
	return ms == nil || ms.deleted || ms.tombstoned
}

func (st *store) readEvent(req transport.ReadEventReq) transport.ReadEventResp {
	st.mu.Lock()
	defer st.mu.Unlock()

	ms := st.streams[req.Stream]
	if ms == nil || ms.deleted {
		if ms != nil && ms.tombstoned {
			return transport.ReadEventResp{Status: es.ReadEventDeleted}
		}
		return transport.ReadEventResp{Status: es.ReadEventNoStream}
	}
	if ms.tombstoned {
		return transport.ReadEventResp{Status: es.ReadEventDeleted}
	}

	n := req.EventNumber
	if n == -1 {
		n = int64(len(ms.events)) - 1
	}
	if n < 0 || n >= int64(len(ms.events)) {
		return transport.ReadEventResp{Status: es.ReadEventNotFound}
	}
	return transport.ReadEventResp{
		Status: es.ReadEventSuccess,
		Event:  resolved(ms.events[n]),
	}
}

func (st *store) deleteStream(req transport.DeleteStreamReq) transport.DeleteStreamResp {
	st.mu.Lock()
	defer st.mu.Unlock()

	ms := st.streams[req.Stream]
	if ms != nil && ms.tombstoned {
		return transport.DeleteStreamResp{Result: transport.ResultStreamDeleted}
	}

	current := int64(-1)
	if ms != nil && !ms.deleted {
		current = int64(len(ms.events)) - 1
	}
	switch req.ExpectedVersion {
	case es.ExpectedAny:
	case es.ExpectedStreamExists:
		if current == -1 {
			return transport.DeleteStreamResp{Result: transport.ResultWrongExpectedVersion}
		}
	default:
		if current != int64(req.ExpectedVersion) {
			return transport.DeleteStreamResp{Result: transport.ResultWrongExpectedVersion}
		}
	}

	if ms == nil {
		ms = &memStream{}
		st.streams[req.Stream] = ms
	}
	if req.Hard {
		ms.tombstoned = true
	} else {
		ms.deleted = true
	}
	st.dropSubsLocked(req.Stream, transport.DropNotFound)

	st.pos++
	return transport.DeleteStreamResp{
		Result:   transport.ResultSuccess,
		Position: es.Position{Commit: st.pos, Prepare: st.pos},
	}
}

// === live subscriptions ===

func (st *store) subscribe(peer transport.ServerPeer, pkg transport.Package) {
	req := pkg.Payload.(transport.SubscribeReq)

	st.mu.Lock()
	st.subs[pkg.CorrelationID] = &liveSub{
		stream:       req.Stream,
		resolveLinks: req.ResolveLinks,
		corrID:       pkg.CorrelationID,
		peer:         peer,
	}

	conf := transport.SubscriptionConfirmed{
		SubscriptionID:     gonanoid.Must(),
		LastCommitPosition: st.pos,
		LastEventNumber:    -1,
	}
	if ms := st.streams[req.Stream]; ms != nil && !ms.deleted && !ms.tombstoned {
		conf.LastEventNumber = int64(len(ms.events)) - 1
	}
	st.mu.Unlock()

	peer.Push(pkg.Reply(transport.CmdSubscriptionConfirmed, conf))
}

func (st *store) unsubscribe(pkg transport.Package) {
	st.mu.Lock()
	sub := st.subs[pkg.CorrelationID]
	delete(st.subs, pkg.CorrelationID)
	consumer := st.removeConsumerLocked(pkg.CorrelationID)
	st.mu.Unlock()

	if sub != nil {
		sub.peer.Push(pkg.Reply(transport.CmdSubscriptionDropped, transport.SubscriptionDropped{
			Reason: transport.DropUnsubscribed,
		}))
	}
	if consumer != nil {
		consumer.peer.Push(pkg.Reply(transport.CmdSubscriptionDropped, transport.SubscriptionDropped{
			Reason: transport.DropUnsubscribed,
		}))
	}
}

// dropSubsLocked force-drops every live subscription on stream with reason.
func (st *store) dropSubsLocked(stream string, reason transport.DropReason) {
	for corrID, sub := range st.subs {
		if sub.stream != stream {
			continue
		}
		delete(st.subs, corrID)
		sub.peer.Push(transport.Package{
			Command:       transport.CmdSubscriptionDropped,
			CorrelationID: corrID,
			Payload:       transport.SubscriptionDropped{Reason: reason},
		})
	}
}

// DropAllSubscriptions drops every live subscription with the given reason,
// without touching the underlying connections. Lets tests exercise
// resubscription paths.
func (st *store) dropAll(reason transport.DropReason) {
	st.mu.Lock()
	subs := st.subs
	st.subs = map[string]*liveSub{}
	st.mu.Unlock()

	for corrID, sub := range subs {
		sub.peer.Push(transport.Package{
			Command:       transport.CmdSubscriptionDropped,
			CorrelationID: corrID,
			Payload:       transport.SubscriptionDropped{Reason: reason},
		})
	}
}

func resolved(rec es.RecordedEvent) es.ResolvedEvent {
	rec2 := rec
	return es.ResolvedEvent{Event: &rec2}
}

func resolvedAt(ge globalEvent) es.ResolvedEvent {
	rec := ge.rec
	pos := ge.pos
	return es.ResolvedEvent{Event: &rec, Position: &pos}
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
