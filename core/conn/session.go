package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/evstore-go/core/discovery"
	"github.com/codewandler/evstore-go/core/transport"
)

var (
	// ErrSessionClosed is returned when the session died before or during an
	// exchange. The caller decides whether to retry on a fresh session.
	ErrSessionClosed = errors.New("session closed")
	// ErrHeartbeatTimeout marks a session killed by a missed heartbeat ack.
	ErrHeartbeatTimeout = errors.New("heartbeat timeout")
)

// Session is one established channel to one node. It owns the inbound routing
// loop: every package is delivered to the waiter registered under its
// correlation id, heartbeats are answered inline.
//
// A session never reconnects. When the channel dies the session is dead and
// the machine builds a new one.
type Session struct {
	log     *slog.Logger
	node    discovery.Node
	ch      transport.Channel
	metrics ConnMetrics

	// ConnectionID is assigned by the server during identification.
	ConnectionID string

	mu      sync.Mutex
	waiters map[string]chan transport.Package

	done chan struct{}
	once sync.Once
	err  error
}

func newSession(log *slog.Logger, node discovery.Node, ch transport.Channel, m ConnMetrics) *Session {
	s := &Session{
		log:     log.With(slog.String("node", node.Addr())),
		node:    node,
		ch:      ch,
		metrics: m,
		waiters: make(map[string]chan transport.Package),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Session) Node() discovery.Node { return s.node }

// Done is closed when the session is no longer usable.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session ended. Valid after Done is closed.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Close() error {
	s.fail(ErrSessionClosed)
	return nil
}

func (s *Session) fail(err error) {
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
		_ = s.ch.Close()
	})
}

// Register installs a waiter for all packages carrying corrID. The returned
// function removes the waiter; callers must invoke it exactly once, on every
// path, or the routing table leaks entries for the lifetime of the session.
func (s *Session) Register(corrID string, buf int) (<-chan transport.Package, func()) {
	ch := make(chan transport.Package, buf)
	s.mu.Lock()
	s.waiters[corrID] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		delete(s.waiters, corrID)
		s.mu.Unlock()
	}
}

// Send pushes a package down the channel.
func (s *Session) Send(ctx context.Context, pkg transport.Package) error {
	select {
	case <-s.done:
		return fmt.Errorf("%w: %s", ErrSessionClosed, s.node.Addr())
	default:
	}
	if err := s.ch.Send(ctx, pkg); err != nil {
		return err
	}
	s.metrics.PackagesSent(string(pkg.Command))
	return nil
}

// Request performs one send and waits for the single package answering it.
func (s *Session) Request(ctx context.Context, pkg transport.Package) (transport.Package, error) {
	in, unregister := s.Register(pkg.CorrelationID, 1)
	defer unregister()

	if err := s.Send(ctx, pkg); err != nil {
		return transport.Package{}, err
	}

	select {
	case resp, ok := <-in:
		if !ok {
			return transport.Package{}, fmt.Errorf("%w: %s", ErrSessionClosed, s.node.Addr())
		}
		return resp, nil
	case <-s.done:
		return transport.Package{}, fmt.Errorf("%w: %s", ErrSessionClosed, s.node.Addr())
	case <-ctx.Done():
		return transport.Package{}, ctx.Err()
	}
}

func (s *Session) run() {
	for {
		select {
		case pkg := <-s.ch.Inbound():
			s.route(pkg)
		case <-s.ch.Done():
			err := s.ch.Err()
			if err == nil {
				err = ErrSessionClosed
			}
			s.fail(err)
			return
		case <-s.done:
			return
		}
	}
}

func (s *Session) route(pkg transport.Package) {
	s.metrics.PackagesReceived(string(pkg.Command))

	// server-initiated heartbeats are answered here, never surfaced
	if pkg.Command == transport.CmdHeartbeat {
		_ = s.Send(context.Background(), pkg.Reply(transport.CmdHeartbeatAck, nil))
		return
	}

	s.mu.Lock()
	w, ok := s.waiters[pkg.CorrelationID]
	if !ok {
		s.mu.Unlock()
		// late response after the waiter gave up
		s.log.Debug("dropping unrouted package",
			slog.String("command", string(pkg.Command)),
			slog.String("correlation_id", pkg.CorrelationID),
		)
		return
	}

	// delivery must never block the routing loop: a stalled waiter would
	// stop heartbeat acks and response delivery for every other exchange on
	// this session. A full buffer cuts the offending waiter loose instead;
	// its consumer sees the closed channel and recovers on its own.
	select {
	case w <- pkg:
		s.mu.Unlock()
	default:
		delete(s.waiters, pkg.CorrelationID)
		s.mu.Unlock()
		close(w)
		s.metrics.WaitersOverflowed()
		s.log.Warn("waiter buffer full, dropping waiter",
			slog.String("command", string(pkg.Command)),
			slog.String("correlation_id", pkg.CorrelationID),
		)
	}
}

// heartbeatLoop drives client-side liveness checks. A missed ack within
// timeout kills the session.
func (s *Session) heartbeatLoop(interval, timeout time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-t.C:
		}

		pkg := transport.NewPackage(transport.CmdHeartbeat, nil)
		in, unregister := s.Register(pkg.CorrelationID, 1)

		if err := s.Send(context.Background(), pkg); err != nil {
			unregister()
			s.fail(err)
			return
		}

		select {
		case <-in:
			unregister()
		case <-time.After(timeout):
			unregister()
			s.metrics.HeartbeatTimeouts()
			s.log.Warn("heartbeat timed out", slog.Duration("timeout", timeout))
			s.fail(ErrHeartbeatTimeout)
			return
		case <-s.done:
			unregister()
			return
		}
	}
}
