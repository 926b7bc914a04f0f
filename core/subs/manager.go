package subs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/evstore-go/core/conn"
	"github.com/codewandler/evstore-go/core/dispatch"
	"github.com/codewandler/evstore-go/core/es"
	"github.com/codewandler/evstore-go/core/transport"
	"github.com/codewandler/evstore-go/ports/checkpoint"
)

// ErrManagerClosed is returned for subscriptions requested after Close.
var ErrManagerClosed = errors.New("subscription manager closed")

type Config struct {
	Log        *slog.Logger
	Machine    *conn.Machine
	Dispatcher *dispatch.Dispatcher
	Metrics    SubMetrics

	// Checkpoints persists catch-up progress for subscriptions that set a
	// checkpoint key. Optional.
	Checkpoints checkpoint.Store

	// ConfirmTimeout bounds the wait for a subscription confirmation.
	// Default 7s.
	ConfirmTimeout time.Duration
	// RetryDelay paces resubscription attempts while the cluster is
	// unreachable. Default 1s.
	RetryDelay time.Duration
}

type VolatileOptions struct {
	ResolveLinks bool
	// BufferSize is the capacity of the delivery channel. Default 256.
	BufferSize int
}

type CatchUpOptions struct {
	ResolveLinks bool
	BufferSize   int

	// FromEventNumber is the first event number to deliver. Ignored for the
	// all stream.
	FromEventNumber int64
	// FromPosition is the exclusive lower bound for the all stream.
	FromPosition es.Position
	// BatchSize is the page size for the history read. Default 500.
	BatchSize int
	// CheckpointKey enables durable progress: the subscription resumes from
	// the stored checkpoint and keeps it current while consuming.
	CheckpointKey string
}

type PersistentOptions struct {
	// BufferSize is the server-side in-flight window. Default 10.
	BufferSize int
	// AckBatchSize flushes the ack buffer when reached. Default 10.
	AckBatchSize int
	// AckFlushInterval flushes partial ack batches. Default 2s.
	AckFlushInterval time.Duration
}

// Manager owns all subscriptions of a client: it starts their run loops,
// tracks them for shutdown and carries the shared plumbing they need.
type Manager struct {
	log        *slog.Logger
	machine    *conn.Machine
	dispatcher *dispatch.Dispatcher
	metrics    SubMetrics
	ckpt       checkpoint.Store

	confirmTimeout time.Duration
	retryDelay     time.Duration

	mu     sync.Mutex
	subs   map[string]*Subscription
	closed atomic.Bool
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Machine == nil {
		return nil, errors.New("subs: machine is required")
	}
	if cfg.Dispatcher == nil {
		return nil, errors.New("subs: dispatcher is required")
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = NopSubMetrics()
	}

	confirmTimeout := cfg.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = 7 * time.Second
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = time.Second
	}

	return &Manager{
		log:            log.With(slog.String("component", "subs")),
		machine:        cfg.Machine,
		dispatcher:     cfg.Dispatcher,
		metrics:        m,
		ckpt:           cfg.Checkpoints,
		confirmTimeout: confirmTimeout,
		retryDelay:     retryDelay,
		subs:           make(map[string]*Subscription),
	}, nil
}

func (m *Manager) newSubscription(kind subKind, stream, group string, buf int) (*Subscription, error) {
	if m.closed.Load() {
		return nil, ErrManagerClosed
	}
	if buf <= 0 {
		buf = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Subscription{
		id:      gonanoid.Must(),
		kind:    kind,
		stream:  stream,
		group:   group,
		metrics: m.metrics,
		out:     make(chan Event, buf),
		runCtx:  ctx,
		cancel:  cancel,
		onClose: m.remove,
	}
	s.log = m.log.With(
		slog.String("subscription", s.id),
		slog.String("kind", string(kind)),
		slog.String("stream", stream),
	)

	m.mu.Lock()
	if m.closed.Load() {
		m.mu.Unlock()
		cancel()
		return nil, ErrManagerClosed
	}
	m.subs[s.id] = s
	m.mu.Unlock()
	return s, nil
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	delete(m.subs, id)
	m.mu.Unlock()
}

// SubscribeVolatile delivers events appended after the subscription is
// confirmed. Nothing is replayed and no progress is kept.
func (m *Manager) SubscribeVolatile(stream string, opts VolatileOptions) (*Subscription, error) {
	s, err := m.newSubscription(kindVolatile, stream, "", opts.BufferSize)
	if err != nil {
		return nil, err
	}
	go m.runVolatile(s, opts)
	return s, nil
}

// SubscribeCatchUp replays history from the requested point, then follows
// live events with no gap and no duplicates across the switch.
func (m *Manager) SubscribeCatchUp(stream string, opts CatchUpOptions) (*Subscription, error) {
	s, err := m.newSubscription(kindCatchUp, stream, "", opts.BufferSize)
	if err != nil {
		return nil, err
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	go m.runCatchUp(s, opts)
	return s, nil
}

// SubscribePersistent joins a server-side consumer group. Delivered events
// must be acknowledged via Ack or rejected via Nak.
func (m *Manager) SubscribePersistent(stream, group string, opts PersistentOptions) (*Subscription, error) {
	s, err := m.newSubscription(kindPersistent, stream, group, opts.BufferSize)
	if err != nil {
		return nil, err
	}

	if opts.BufferSize <= 0 {
		opts.BufferSize = 10
	}
	if opts.AckBatchSize <= 0 {
		opts.AckBatchSize = 10
	}
	if opts.AckFlushInterval <= 0 {
		opts.AckFlushInterval = 2 * time.Second
	}
	s.ack = newAcker()

	go m.runPersistent(s, opts)
	return s, nil
}

// Close drops every subscription with a server-shutdown reason. Consumers
// see a final Dropped event (if they are reading) and a closed channel.
func (m *Manager) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	m.mu.Lock()
	subs := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.subs = map[string]*Subscription{}
	m.mu.Unlock()

	for _, s := range subs {
		s.terminate(&Event{Dropped: &Drop{Reason: transport.DropServerShutdown}})
	}
	return nil
}

// waitRetry paces resubscription attempts; false means the subscription was
// canceled while waiting.
func (m *Manager) waitRetry(s *Subscription) bool {
	select {
	case <-time.After(m.retryDelay):
		return true
	case <-s.runCtx.Done():
		return false
	}
}
