package subs

import (
	"errors"
	"sync"
	"time"

	"github.com/codewandler/evstore-go/core/conn"
	"github.com/codewandler/evstore-go/core/transport"
)

// acker buffers acknowledgment ids between flushes. It outlives sessions:
// ids left unflushed when a session dies stay queued, and the server
// redelivers anything it never saw acked.
type acker struct {
	mu      sync.Mutex
	pending []string
	signal  chan struct{}
}

func newAcker() *acker {
	return &acker{signal: make(chan struct{}, 1)}
}

func (a *acker) add(ids ...string) {
	a.mu.Lock()
	a.pending = append(a.pending, ids...)
	a.mu.Unlock()

	select {
	case a.signal <- struct{}{}:
	default:
	}
}

func (a *acker) take() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := a.pending
	a.pending = nil
	return ids
}

func (a *acker) size() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending)
}

func (m *Manager) runPersistent(s *Subscription, opts PersistentOptions) {
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

		if m.servePersistent(s, sess, opts) == serveEnd {
			return
		}
	}
}

func (m *Manager) servePersistent(s *Subscription, sess *conn.Session, opts PersistentOptions) serveResult {
	pkg := transport.NewPackage(transport.CmdConnectPersistent, transport.ConnectPersistentReq{
		Stream:     s.stream,
		Group:      s.group,
		BufferSize: opts.BufferSize,
	})

	in, unregister := sess.Register(pkg.CorrelationID, liveBufferSize)
	defer unregister()

	conf, res := m.confirm(s, sess, pkg, in)
	if res != serveOK {
		return res
	}

	l := &link{sess: sess, corrID: pkg.CorrelationID, serverID: conf.SubscriptionID}
	s.setLink(l)
	if !s.emit(Event{Confirmed: conf}) {
		return serveEnd
	}
	m.metrics.SubscriptionConfirmed(string(s.kind))

	flush := time.NewTicker(opts.AckFlushInterval)
	defer flush.Stop()
	defer m.flushAcks(s, l) // acks for events handled while we tear down

	for {
		select {
		case p, ok := <-in:
			if !ok {
				// shed by the session; unacked events are redelivered by the
				// server once the group reconnects
				return m.handleDrop(s, transport.DropSlowConsumer)
			}
			switch p.Command {
			case transport.CmdEventAppeared:
				ea := p.Payload.(transport.EventAppeared)
				if !s.emit(Event{EventAppeared: &AppearedEvent{ResolvedEvent: ea.Event, RetryCount: ea.RetryCount}}) {
					return serveEnd
				}
				m.metrics.EventsDelivered(string(s.kind), 1)

			case transport.CmdSubscriptionDropped:
				return m.handleDrop(s, p.Payload.(transport.SubscriptionDropped).Reason)
			}

		case <-s.ack.signal:
			if s.ack.size() >= opts.AckBatchSize {
				m.flushAcks(s, l)
			}

		case <-flush.C:
			m.flushAcks(s, l)

		case <-sess.Done():
			return m.handleDrop(s, transport.DropFailover)

		case <-s.runCtx.Done():
			return serveEnd
		}
	}
}

func (m *Manager) flushAcks(s *Subscription, l *link) {
	ids := s.ack.take()
	if len(ids) == 0 {
		return
	}

	err := l.sess.Send(s.runCtx, transport.NewPackage(transport.CmdAckEvents, transport.AckEvents{
		SubscriptionID: l.serverID,
		EventIDs:       ids,
	}))
	if err != nil {
		// the session died under us; requeue so the next session can ack
		// whatever the server still considers in-flight
		s.ack.add(ids...)
		return
	}
	m.metrics.AcksSent(len(ids))
}
