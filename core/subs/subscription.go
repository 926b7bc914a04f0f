package subs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/codewandler/evstore-go/core/conn"
	"github.com/codewandler/evstore-go/core/es"
	"github.com/codewandler/evstore-go/core/transport"
)

var (
	// ErrSubscriptionClosed is returned by Ack/Nak after the subscription
	// ended.
	ErrSubscriptionClosed = errors.New("subscription closed")
	// ErrNotPersistent is returned by Ack/Nak on volatile and catch-up
	// subscriptions.
	ErrNotPersistent = errors.New("not a persistent subscription")
	// ErrNotLive is returned by Ack/Nak while the subscription is between
	// sessions.
	ErrNotLive = errors.New("subscription not live")
)

type subKind string

const (
	kindVolatile   subKind = "volatile"
	kindCatchUp    subKind = "catch-up"
	kindPersistent subKind = "persistent"
)

// link binds a live subscription to the session carrying it. It changes on
// every resubscription.
type link struct {
	sess   *conn.Session
	corrID string
	// serverID is the server's id for acks and naks; set on persistent
	// subscriptions only.
	serverID string
}

// Subscription is the consumer handle for one subscription of any kind.
// Events arrive on the Events channel in server order; the channel closes
// when the subscription ends for good.
type Subscription struct {
	id     string
	kind   subKind
	stream string
	group  string

	log     *slog.Logger
	metrics SubMetrics

	out    chan Event
	runCtx context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool

	linkMu sync.Mutex
	live   *link

	ack *acker

	onClose func(id string)
}

func (s *Subscription) ID() string     { return s.id }
func (s *Subscription) Stream() string { return s.stream }
func (s *Subscription) Group() string  { return s.group }

// Events is the delivery channel. It closes once, after the final event.
func (s *Subscription) Events() <-chan Event { return s.out }

// Done is closed when the subscription has ended or been canceled.
func (s *Subscription) Done() <-chan struct{} { return s.runCtx.Done() }

// emit delivers one event, blocking until the consumer takes it. Delivery
// and closing are serialized on s.mu, so no event is delivered after Cancel
// or a terminal drop returned.
func (s *Subscription) emit(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.out <- ev:
		return true
	case <-s.runCtx.Done():
		return false
	}
}

// terminate ends the subscription, delivering ev as the final event first.
// The final event always lands: with a full buffer the oldest undelivered
// events give way, so a consumer that drains after the fact still sees the
// terminal reason last. No emitter can interleave here, emit holds s.mu and
// its select sees the canceled run context.
func (s *Subscription) terminate(ev *Event) {
	s.cancel()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	for delivered := ev == nil; !delivered; {
		select {
		case s.out <- *ev:
			delivered = true
		default:
			select {
			case <-s.out:
			default:
			}
		}
	}
	s.closed = true
	close(s.out)
	s.mu.Unlock()

	if s.onClose != nil {
		s.onClose(s.id)
	}
}

// Cancel ends the subscription. No event is delivered after Cancel returns.
// A best-effort unsubscribe is sent so the server stops pushing.
func (s *Subscription) Cancel() error {
	if l := s.currentLink(); l != nil {
		_ = l.sess.Send(context.Background(), transport.Package{
			Command:       transport.CmdUnsubscribe,
			CorrelationID: l.corrID,
			Payload:       transport.UnsubscribeReq{},
		})
	}
	s.terminate(nil)
	return nil
}

func (s *Subscription) setLink(l *link) {
	s.linkMu.Lock()
	s.live = l
	s.linkMu.Unlock()
}

func (s *Subscription) currentLink() *link {
	s.linkMu.Lock()
	defer s.linkMu.Unlock()
	return s.live
}

// Ack acknowledges handled events on a persistent subscription. Acks are
// batched; a full batch or the flush interval pushes them out.
func (s *Subscription) Ack(eventIDs ...string) error {
	if s.kind != kindPersistent {
		return ErrNotPersistent
	}
	if s.runCtx.Err() != nil {
		return ErrSubscriptionClosed
	}
	s.ack.add(eventIDs...)
	return nil
}

// Nak rejects events with the given action. Naks are not batched.
func (s *Subscription) Nak(action es.NakAction, message string, eventIDs ...string) error {
	if s.kind != kindPersistent {
		return ErrNotPersistent
	}
	if s.runCtx.Err() != nil {
		return ErrSubscriptionClosed
	}

	l := s.currentLink()
	if l == nil || l.serverID == "" {
		return ErrNotLive
	}

	err := l.sess.Send(s.runCtx, transport.NewPackage(transport.CmdNakEvents, transport.NakEvents{
		SubscriptionID: l.serverID,
		EventIDs:       eventIDs,
		Action:         action,
		Message:        message,
	}))
	if err != nil {
		return fmt.Errorf("nak: %w", err)
	}
	s.metrics.NaksSent(len(eventIDs))
	return nil
}
