package subs

import (
	"errors"

	"github.com/codewandler/evstore-go/core/conn"
	"github.com/codewandler/evstore-go/core/dispatch"
	"github.com/codewandler/evstore-go/core/es"
	"github.com/codewandler/evstore-go/core/transport"
	"github.com/codewandler/evstore-go/ports/checkpoint"
)

// catchUpState is the progress cursor of one catch-up subscription. It lives
// in the run loop and survives resubscriptions, so every retry resumes from
// the last delivered event instead of the original starting point.
type catchUpState struct {
	isAll bool
	// next is the next event number to deliver (stream subscriptions).
	next int64
	// lastPos is the position of the last delivered event (all stream).
	lastPos es.Position
	key     string
}

func (m *Manager) runCatchUp(s *Subscription, opts CatchUpOptions) {
	st := &catchUpState{
		isAll:   s.stream == es.AllStream,
		next:    opts.FromEventNumber,
		lastPos: opts.FromPosition,
		key:     opts.CheckpointKey,
	}

	if st.key != "" && m.ckpt != nil {
		if v, err := m.ckpt.Get(s.runCtx, st.key); err == nil {
			if st.isAll {
				st.lastPos = es.Position{Commit: int64(v), Prepare: int64(v)}
			} else {
				st.next = int64(v)
			}
		} else if !errors.Is(err, checkpoint.ErrNotFound) {
			s.log.Warn("checkpoint load failed", "error", err)
		}
	}

	first := true
	for {
		if s.runCtx.Err() != nil {
			return
		}
		if !first {
			m.metrics.SubscriptionResubscribed(string(s.kind))
		}
		first = false

		sess, err := m.machine.Session(s.runCtx)
		if err != nil {
			if errors.Is(err, conn.ErrClosed) {
				s.terminate(&Event{Dropped: &Drop{Reason: transport.DropServerShutdown}})
				return
			}
			if !m.waitRetry(s) {
				return
			}
			continue
		}

		if m.serveCatchUp(s, sess, opts, st) == serveEnd {
			return
		}
	}
}

// serveCatchUp subscribes live first, then backfills history up to the
// confirmation point while live pushes park in the routing buffer. Once the
// backfill reaches the confirmed head the parked and future live events flow,
// filtered against the cursor so the switchover neither skips nor repeats.
func (m *Manager) serveCatchUp(s *Subscription, sess *conn.Session, opts CatchUpOptions, st *catchUpState) serveResult {
	pkg := transport.NewPackage(transport.CmdSubscribe, transport.SubscribeReq{
		Stream:       s.stream,
		ResolveLinks: opts.ResolveLinks,
	})

	in, unregister := sess.Register(pkg.CorrelationID, liveBufferSize)
	defer unregister()

	conf, res := m.confirm(s, sess, pkg, in)
	if res != serveOK {
		return res
	}

	s.setLink(&link{sess: sess, corrID: pkg.CorrelationID})
	if !s.emit(Event{Confirmed: conf}) {
		return serveEnd
	}
	m.metrics.SubscriptionConfirmed(string(s.kind))

	if res := m.backfill(s, opts, st, conf); res != serveOK {
		return res
	}

	for {
		select {
		case p, ok := <-in:
			if !ok {
				// shed by the session; the cursor in st makes the retry
				// resume exactly where delivery stopped
				return m.handleDrop(s, transport.DropSlowConsumer)
			}
			switch p.Command {
			case transport.CmdEventAppeared:
				ea := p.Payload.(transport.EventAppeared)
				if res := m.deliverCaughtUp(s, st, ea.Event); res != serveOK {
					return res
				}

			case transport.CmdSubscriptionDropped:
				return m.handleDrop(s, p.Payload.(transport.SubscriptionDropped).Reason)
			}

		case <-sess.Done():
			return m.handleDrop(s, transport.DropFailover)

		case <-s.runCtx.Done():
			return serveEnd
		}
	}
}

// backfill pages history through the dispatcher until the cursor passes the
// confirmation point.
func (m *Manager) backfill(s *Subscription, opts CatchUpOptions, st *catchUpState, conf *Confirmation) serveResult {
	for {
		if st.isAll {
			if st.lastPos.Commit >= conf.LastCommitPosition {
				return serveOK
			}
		} else if st.next > conf.LastEventNumber {
			return serveOK
		}

		events, end, res := m.readPage(s, opts, st)
		if res != serveOK {
			return res
		}
		for _, ev := range events {
			if r := m.deliverCaughtUp(s, st, ev); r != serveOK {
				return r
			}
		}
		if end {
			return serveOK
		}
	}
}

func (m *Manager) readPage(s *Subscription, opts CatchUpOptions, st *catchUpState) ([]es.ResolvedEvent, bool, serveResult) {
	var (
		resp transport.Package
		err  error
	)

	if st.isAll {
		pkg := transport.NewPackage(transport.CmdReadAll, transport.ReadAllReq{
			From:         st.lastPos,
			Count:        opts.BatchSize,
			Direction:    es.ReadForward,
			ResolveLinks: opts.ResolveLinks,
		})
		resp, err = m.dispatcher.Execute(s.runCtx, pkg, transport.CmdReadAllCompleted)
		if err != nil {
			return nil, false, m.readFailed(s, err)
		}
		ra := resp.Payload.(transport.ReadAllResp)
		if ra.AccessDenied {
			s.terminate(&Event{Dropped: &Drop{Reason: transport.DropAccessDenied}})
			return nil, false, serveEnd
		}
		return ra.Events, ra.EndOfStream, serveOK
	}

	pkg := transport.NewPackage(transport.CmdReadStream, transport.ReadStreamReq{
		Stream:       s.stream,
		From:         st.next,
		Count:        opts.BatchSize,
		Direction:    es.ReadForward,
		ResolveLinks: opts.ResolveLinks,
	})
	resp, err = m.dispatcher.Execute(s.runCtx, pkg, transport.CmdReadStreamCompleted)
	if err != nil {
		return nil, false, m.readFailed(s, err)
	}

	rs := resp.Payload.(transport.ReadStreamResp)
	switch rs.Status {
	case es.ReadStreamNotFound:
		// stream not written yet; live events will come
		return nil, true, serveOK
	case es.ReadStreamDeleted:
		s.terminate(&Event{Dropped: &Drop{Reason: transport.DropNotFound}})
		return nil, false, serveEnd
	}
	if rs.AccessDenied {
		s.terminate(&Event{Dropped: &Drop{Reason: transport.DropAccessDenied}})
		return nil, false, serveEnd
	}
	return rs.Events, rs.EndOfStream, serveOK
}

func (m *Manager) readFailed(s *Subscription, err error) serveResult {
	if errors.Is(err, dispatch.ErrDispatcherClosed) || s.runCtx.Err() != nil {
		s.terminate(&Event{Dropped: &Drop{Reason: transport.DropServerShutdown}})
		return serveEnd
	}
	s.log.Warn("history read failed", "error", err)
	return serveRetry
}

// deliverCaughtUp emits ev if the cursor has not passed it yet and advances
// the cursor. Duplicates from the backfill/live overlap are filtered here.
func (m *Manager) deliverCaughtUp(s *Subscription, st *catchUpState, ev es.ResolvedEvent) serveResult {
	if st.isAll {
		if ev.Position.Compare(st.lastPos) <= 0 {
			return serveOK
		}
	} else if ev.OriginalEventNumber() < st.next {
		return serveOK
	}

	if !s.emit(Event{EventAppeared: &AppearedEvent{ResolvedEvent: ev}}) {
		return serveEnd
	}
	m.metrics.EventsDelivered(string(s.kind), 1)

	if st.isAll {
		st.lastPos = *ev.Position
	} else {
		st.next = ev.OriginalEventNumber() + 1
	}
	m.saveCheckpoint(s, st)
	return serveOK
}

func (m *Manager) saveCheckpoint(s *Subscription, st *catchUpState) {
	if st.key == "" || m.ckpt == nil {
		return
	}
	var v uint64
	if st.isAll {
		v = uint64(st.lastPos.Commit)
	} else {
		v = uint64(st.next)
	}
	if err := m.ckpt.Set(s.runCtx, st.key, v); err != nil {
		s.log.Warn("checkpoint save failed", "error", err)
	}
}
