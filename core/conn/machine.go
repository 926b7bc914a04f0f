package conn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewandler/evstore-go/core/discovery"
	"github.com/codewandler/evstore-go/core/es"
	"github.com/codewandler/evstore-go/core/sf"
	"github.com/codewandler/evstore-go/core/transport"
)

// ErrClosed is returned for any use of a machine after Close.
var ErrClosed = errors.New("connection closed")

const identifyRetries = 3

type Config struct {
	Log       *slog.Logger
	Discovery *discovery.Discovery
	Dialer    transport.Dialer
	TLS       transport.TLSSettings
	Metrics   ConnMetrics

	// ConnectionName labels this client on the server side.
	ConnectionName string
	Credentials    es.Credentials

	// HeartbeatInterval/HeartbeatTimeout default to 750ms / 1500ms.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	// IdentifyTimeout bounds one identification exchange. Timeouts are
	// retried on the same channel before the candidate is abandoned.
	// Default 2s.
	IdentifyTimeout time.Duration
}

// Machine owns the connection lifecycle. Sessions are established on demand:
// the first caller of Session after a disconnect performs the full
// discover/dial/identify cycle, concurrent callers coalesce onto that one
// attempt and share its outcome.
type Machine struct {
	log       *slog.Logger
	discovery *discovery.Discovery
	dialer    transport.Dialer
	tls       transport.TLSSettings
	metrics   ConnMetrics

	name        string
	credentials es.Credentials

	hbInterval  time.Duration
	hbTimeout   time.Duration
	identifyTTL time.Duration

	flight *sf.Singleflight[Session]
	state  atomic.Int32
	closed atomic.Bool

	mu  sync.Mutex
	cur *Session
}

func NewMachine(cfg Config) (*Machine, error) {
	if cfg.Discovery == nil {
		return nil, errors.New("conn: discovery is required")
	}
	if cfg.Dialer == nil {
		return nil, errors.New("conn: dialer is required")
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = NopConnMetrics()
	}

	hbInterval := cfg.HeartbeatInterval
	if hbInterval <= 0 {
		hbInterval = 750 * time.Millisecond
	}
	hbTimeout := cfg.HeartbeatTimeout
	if hbTimeout <= 0 {
		hbTimeout = 1500 * time.Millisecond
	}
	identifyTTL := cfg.IdentifyTimeout
	if identifyTTL <= 0 {
		identifyTTL = 2 * time.Second
	}

	name := cfg.ConnectionName
	if name == "" {
		name = "evstore-go"
	}

	return &Machine{
		log:         log.With(slog.String("component", "conn")),
		discovery:   cfg.Discovery,
		dialer:      cfg.Dialer,
		tls:         cfg.TLS,
		metrics:     m,
		name:        name,
		credentials: cfg.Credentials,
		hbInterval:  hbInterval,
		hbTimeout:   hbTimeout,
		identifyTTL: identifyTTL,
		flight:      sf.New[Session](),
	}, nil
}

func (m *Machine) State() State { return State(m.state.Load()) }

func (m *Machine) setState(s State) {
	old := State(m.state.Swap(int32(s)))
	if old != s {
		m.log.Debug("state changed",
			slog.String("from", old.String()),
			slog.String("to", s.String()),
		)
	}
}

func (m *Machine) current() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cur
}

// Session returns the live session, establishing one if needed. Concurrent
// callers share a single connection attempt.
func (m *Machine) Session(ctx context.Context) (*Session, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	if s := m.current(); s != nil && alive(s) {
		return s, nil
	}

	s, err := m.flight.Do("connect", func() (*Session, error) {
		// a racing caller may have connected while we waited on the flight
		if s := m.current(); s != nil && alive(s) {
			return s, nil
		}
		return m.connect(ctx)
	})
	if err != nil {
		return nil, err
	}
	if m.closed.Load() {
		s.fail(ErrClosed)
		return nil, ErrClosed
	}
	return s, nil
}

// MarkLeader feeds a leader address learned from a refused operation back
// into discovery and drops the current session so the next Session call
// lands on the reported leader.
func (m *Machine) MarkLeader(host string, port int) {
	m.discovery.SetLeaderHint(host, port)
	if s := m.current(); s != nil {
		s.fail(fmt.Errorf("%w: not leader, moving to %s:%d", ErrSessionClosed, host, port))
	}
}

func (m *Machine) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	m.setState(StateClosed)
	if s := m.current(); s != nil {
		s.fail(ErrClosed)
	}
	return nil
}

func (m *Machine) connect(ctx context.Context) (*Session, error) {
	timer := m.metrics.ConnectDuration()
	defer timer.ObserveDuration()

	// round 0 works the cached topology, round 1 forces a re-resolve after
	// every cached candidate failed
	var lastErr error
	for round := 0; round < 2; round++ {
		m.setState(StateDiscovering)

		candidates, err := m.discovery.Candidates(ctx, round > 0)
		if err != nil {
			m.setState(StateInit)
			m.metrics.ConnectCompleted(false)
			return nil, err
		}

		for _, node := range candidates {
			if m.closed.Load() {
				return nil, ErrClosed
			}

			s, err := m.attempt(ctx, node)
			if err != nil {
				if ctx.Err() != nil {
					m.setState(StateInit)
					m.metrics.ConnectCompleted(false)
					return nil, ctx.Err()
				}
				lastErr = err
				m.log.Warn("candidate failed",
					slog.String("node", node.Addr()),
					slog.Any("error", err),
				)
				continue
			}

			m.install(s)
			m.setState(StateReady)
			m.metrics.ConnectCompleted(true)
			m.log.Info("connected",
				slog.String("node", node.Addr()),
				slog.String("connection_id", s.ConnectionID),
			)
			return s, nil
		}
	}

	m.setState(StateInit)
	m.metrics.ConnectCompleted(false)
	return nil, fmt.Errorf("%w: all candidates exhausted: %v", discovery.ErrDiscoveryFailed, lastErr)
}

// attempt dials one candidate and identifies on the fresh channel.
func (m *Machine) attempt(ctx context.Context, node discovery.Node) (*Session, error) {
	m.setState(StateHandshaking)

	ch, err := m.dialer.Dial(ctx, node.Addr(), m.tls)
	if err != nil {
		return nil, err
	}

	s := newSession(m.log, node, ch, m.metrics)

	m.setState(StateIdentifying)
	if err := m.identify(ctx, s); err != nil {
		s.fail(err)
		return nil, err
	}

	go s.heartbeatLoop(m.hbInterval, m.hbTimeout)
	return s, nil
}

// identify announces the client on the session. Timeouts are retried on the
// same channel; only exhausting all retries abandons the candidate.
func (m *Machine) identify(ctx context.Context, s *Session) error {
	req := transport.Identify{
		ConnectionName: m.name,
		Login:          m.credentials.Login,
		Password:       m.credentials.Password,
	}

	var lastErr error
	for i := 0; i < identifyRetries; i++ {
		attemptCtx, cancel := context.WithTimeout(ctx, m.identifyTTL)
		resp, err := s.Request(attemptCtx, transport.NewPackage(transport.CmdIdentify, req))
		cancel()

		if err == nil {
			ident, ok := resp.Payload.(transport.Identified)
			if !ok {
				return fmt.Errorf("conn: unexpected identify response %s", resp.Command)
			}
			s.ConnectionID = ident.ConnectionID
			return nil
		}

		if !errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
			return err
		}
		lastErr = err
		m.log.Debug("identify timed out, retrying",
			slog.Int("attempt", i+1),
			slog.String("node", s.node.Addr()),
		)
	}
	return fmt.Errorf("conn: identify gave up after %d attempts: %w", identifyRetries, lastErr)
}

func (m *Machine) install(s *Session) {
	m.mu.Lock()
	m.cur = s
	m.mu.Unlock()

	go m.monitor(s)
}

// monitor flips the machine into reconnecting when its session dies. The
// actual reconnect happens on the next Session call.
func (m *Machine) monitor(s *Session) {
	<-s.Done()

	m.mu.Lock()
	if m.cur == s {
		m.cur = nil
	}
	m.mu.Unlock()

	if m.closed.Load() {
		return
	}
	m.setState(StateReconnecting)
	m.metrics.Reconnects()
	m.log.Warn("session lost",
		slog.String("node", s.node.Addr()),
		slog.Any("error", s.Err()),
	)
}

func alive(s *Session) bool {
	select {
	case <-s.Done():
		return false
	default:
		return true
	}
}
