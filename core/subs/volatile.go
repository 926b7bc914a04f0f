package subs

import (
	"errors"
	"log/slog"
	"time"

	"github.com/codewandler/evstore-go/core/conn"
	"github.com/codewandler/evstore-go/core/transport"
)

// liveBufferSize is the routing buffer between the session and a
// subscription's run loop. It absorbs pushes while the loop is busy
// emitting; catch-up additionally parks live events here during backfill.
const liveBufferSize = 512

// serveResult tells a run loop how one session's serving phase ended.
type serveResult int

const (
	// serveOK is only used by the confirmation phase: the subscription is
	// live and serving continues.
	serveOK serveResult = iota
	// serveRetry means the session or subscription failed in a recoverable
	// way; the loop should resubscribe.
	serveRetry
	// serveEnd means the subscription is over: canceled, terminally dropped,
	// or the consumer is gone.
	serveEnd
)

func (m *Manager) runVolatile(s *Subscription, opts VolatileOptions) {
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

		if m.serveVolatile(s, sess, opts) == serveEnd {
			return
		}
	}
}

func (m *Manager) serveVolatile(s *Subscription, sess *conn.Session, opts VolatileOptions) serveResult {
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

	for {
		select {
		case p, ok := <-in:
			if !ok {
				// the session shed this waiter; events were lost, so the
				// server must replay from a fresh subscription
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

		case <-sess.Done():
			return m.handleDrop(s, transport.DropFailover)

		case <-s.runCtx.Done():
			return serveEnd
		}
	}
}

// confirm performs the subscribe exchange. serveOK means conf is valid;
// anything else ends or retries the serving phase.
func (m *Manager) confirm(s *Subscription, sess *conn.Session, pkg transport.Package, in <-chan transport.Package) (*Confirmation, serveResult) {
	if err := sess.Send(s.runCtx, pkg); err != nil {
		if s.runCtx.Err() != nil {
			return nil, serveEnd
		}
		return nil, serveRetry
	}

	wait := time.NewTimer(m.confirmTimeout)
	defer wait.Stop()

	for {
		select {
		case p, ok := <-in:
			if !ok {
				return nil, serveRetry
			}
			switch p.Command {
			case transport.CmdSubscriptionConfirmed:
				c := p.Payload.(transport.SubscriptionConfirmed)
				return &Confirmation{
					SubscriptionID:     c.SubscriptionID,
					LastCommitPosition: c.LastCommitPosition,
					LastEventNumber:    c.LastEventNumber,
				}, serveOK

			case transport.CmdSubscriptionDropped:
				return nil, m.handleDrop(s, p.Payload.(transport.SubscriptionDropped).Reason)

			case transport.CmdNotHandled:
				nh := p.Payload.(transport.NotHandled)
				if nh.Reason == transport.NotHandledNotLeader {
					m.machine.MarkLeader(nh.LeaderHost, nh.LeaderPort)
				}
				return nil, serveRetry

			default:
				// an event raced ahead of the confirmation; ignore it, the
				// server replays from the confirmed point
			}

		case <-sess.Done():
			return nil, serveRetry

		case <-wait.C:
			s.log.Warn("confirmation timed out", slog.Duration("timeout", m.confirmTimeout))
			return nil, serveRetry

		case <-s.runCtx.Done():
			return nil, serveEnd
		}
	}
}

// handleDrop routes a drop reason: terminal reasons end the subscription
// with a final Dropped event, everything else surfaces the drop and
// resubscribes.
func (m *Manager) handleDrop(s *Subscription, reason transport.DropReason) serveResult {
	m.metrics.SubscriptionDropped(string(s.kind), string(reason))
	s.setLink(nil)

	if reason.Terminal() {
		s.log.Info("dropped", slog.String("reason", string(reason)))
		s.terminate(&Event{Dropped: &Drop{Reason: reason}})
		return serveEnd
	}

	s.log.Warn("dropped, resubscribing", slog.String("reason", string(reason)))
	if !s.emit(Event{Dropped: &Drop{Reason: reason}}) {
		return serveEnd
	}
	return serveRetry
}
