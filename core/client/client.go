// Package client is the façade of the event store driver: one Client wires
// discovery, the connection machine, the operation dispatcher and the
// subscription manager together behind a typed API.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/evstore-go/core/conn"
	"github.com/codewandler/evstore-go/core/discovery"
	"github.com/codewandler/evstore-go/core/dispatch"
	"github.com/codewandler/evstore-go/core/es"
	"github.com/codewandler/evstore-go/core/subs"
	"github.com/codewandler/evstore-go/core/transport"
)

// ErrClientClosed is returned for any use of a closed client.
var ErrClientClosed = errors.New("client closed")

// Client is a connection to one event store cluster. It is safe for
// concurrent use; all operations share the single managed connection.
type Client struct {
	log        *slog.Logger
	discovery  *discovery.Discovery
	machine    *conn.Machine
	dispatcher *dispatch.Dispatcher
	subs       *subs.Manager

	closed atomic.Bool
}

// New assembles a client. The dialer is the transport edge (see
// adapters/nats or the in-memory transport); everything else comes from
// options.
func New(dialer transport.Dialer, opts ...Option) (*Client, error) {
	if dialer == nil {
		return nil, errors.New("client: dialer is required")
	}
	s := newSettings(opts...)

	log := s.Log
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("client", gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz0123456789", 6)))

	resolver := s.Resolver
	if resolver == nil {
		var err error
		resolver, err = discovery.NewStaticResolver(s.Seeds...)
		if err != nil {
			return nil, fmt.Errorf("client: %w", err)
		}
	}

	disc, err := discovery.New(discovery.Config{
		Log:      log,
		Resolver: resolver,
		Selector: discovery.NewSelector(s.NodePreference, gonanoid.Must()),
	})
	if err != nil {
		return nil, err
	}

	var (
		connMetrics     conn.ConnMetrics
		dispatchMetrics dispatch.DispatchMetrics
		subMetrics      subs.SubMetrics
	)
	if s.Metrics != nil {
		connMetrics = s.Metrics
		dispatchMetrics = s.Metrics
		subMetrics = s.Metrics
	}

	machine, err := conn.NewMachine(conn.Config{
		Log:               log,
		Discovery:         disc,
		Dialer:            dialer,
		TLS:               s.TLS,
		Metrics:           connMetrics,
		ConnectionName:    s.ConnectionName,
		Credentials:       s.Credentials,
		HeartbeatInterval: s.HeartbeatInterval,
		HeartbeatTimeout:  s.HeartbeatTimeout,
	})
	if err != nil {
		return nil, err
	}

	dispatcher, err := dispatch.New(dispatch.Config{
		Log:              log,
		Machine:          machine,
		Metrics:          dispatchMetrics,
		OperationTimeout: s.OperationTimeout,
		MaxRetries:       s.MaxRetries,
		CheckPeriod:      s.OperationCheckPeriod,
	})
	if err != nil {
		_ = machine.Close()
		return nil, err
	}

	manager, err := subs.NewManager(subs.Config{
		Log:            log,
		Machine:        machine,
		Dispatcher:     dispatcher,
		Metrics:        subMetrics,
		Checkpoints:    s.Checkpoints,
		ConfirmTimeout: s.OperationTimeout,
		RetryDelay:     s.OperationCheckPeriod,
	})
	if err != nil {
		_ = dispatcher.Close()
		_ = machine.Close()
		return nil, err
	}

	return &Client{
		log:        log,
		discovery:  disc,
		machine:    machine,
		dispatcher: dispatcher,
		subs:       manager,
	}, nil
}

// Connect establishes the connection eagerly. Operations connect on demand,
// so calling Connect is optional; it is idempotent and safe to call on an
// already connected client.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	_, err := c.machine.Session(ctx)
	return err
}

// State reports the connection lifecycle phase.
func (c *Client) State() conn.State { return c.machine.State() }

// Close tears the client down: subscriptions are dropped with a shutdown
// reason, pending operations fail, the connection closes. Terminal.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.log.Debug("closing")
	_ = c.subs.Close()
	_ = c.dispatcher.Close()
	return c.machine.Close()
}

// === writes ===

// Append appends events to a stream, guarded by the expected version.
// A concurrency conflict surfaces as es.ErrWrongExpectedVersion.
func (c *Client) Append(ctx context.Context, stream string, expected es.ExpectedVersion, events ...es.EventData) (*es.WriteResult, error) {
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: append needs at least one event", es.ErrBadRequest)
	}

	resp, err := c.exec(ctx, transport.CmdAppend, transport.AppendReq{
		Stream:          stream,
		ExpectedVersion: expected,
		Events:          events,
	}, transport.CmdAppendCompleted)
	if err != nil {
		return nil, err
	}

	r := resp.Payload.(transport.AppendResp)
	if err := resultErr(r.Result, stream); err != nil {
		return nil, err
	}
	return &es.WriteResult{
		NextExpectedVersion: r.NextExpectedVersion,
		Position:            r.Position,
	}, nil
}

// DeleteStream soft-deletes a stream; hard makes it a tombstone that can
// never be recreated.
func (c *Client) DeleteStream(ctx context.Context, stream string, expected es.ExpectedVersion, hard bool) (*es.DeleteResult, error) {
	resp, err := c.exec(ctx, transport.CmdDeleteStream, transport.DeleteStreamReq{
		Stream:          stream,
		ExpectedVersion: expected,
		Hard:            hard,
	}, transport.CmdDeleteStreamCompleted)
	if err != nil {
		return nil, err
	}

	r := resp.Payload.(transport.DeleteStreamResp)
	if err := resultErr(r.Result, stream); err != nil {
		return nil, err
	}
	return &es.DeleteResult{Position: r.Position}, nil
}

// === reads ===

type ReadStreamOptions struct {
	From         int64
	Count        int
	Direction    es.ReadDirection
	ResolveLinks bool
}

// ReadStream reads a page of events from a single stream. A missing or
// deleted stream is reported in the result status, not as an error.
func (c *Client) ReadStream(ctx context.Context, stream string, opts ReadStreamOptions) (*es.ReadStreamResult, error) {
	if opts.Count <= 0 {
		opts.Count = 500
	}
	if opts.Direction == "" {
		opts.Direction = es.ReadForward
	}

	resp, err := c.exec(ctx, transport.CmdReadStream, transport.ReadStreamReq{
		Stream:       stream,
		From:         opts.From,
		Count:        opts.Count,
		Direction:    opts.Direction,
		ResolveLinks: opts.ResolveLinks,
	}, transport.CmdReadStreamCompleted)
	if err != nil {
		return nil, err
	}

	r := resp.Payload.(transport.ReadStreamResp)
	if r.AccessDenied {
		return nil, fmt.Errorf("%w: stream %s", es.ErrAccessDenied, stream)
	}
	return &es.ReadStreamResult{
		Status:          r.Status,
		Stream:          stream,
		Direction:       opts.Direction,
		From:            opts.From,
		Events:          r.Events,
		NextEventNumber: r.NextEventNumber,
		LastEventNumber: r.LastEventNumber,
		EndOfStream:     r.EndOfStream,
	}, nil
}

type ReadAllOptions struct {
	From         es.Position
	Count        int
	Direction    es.ReadDirection
	ResolveLinks bool
}

// ReadAll reads a page of the global event log.
func (c *Client) ReadAll(ctx context.Context, opts ReadAllOptions) (*es.ReadAllResult, error) {
	if opts.Count <= 0 {
		opts.Count = 500
	}
	if opts.Direction == "" {
		opts.Direction = es.ReadForward
	}

	resp, err := c.exec(ctx, transport.CmdReadAll, transport.ReadAllReq{
		From:         opts.From,
		Count:        opts.Count,
		Direction:    opts.Direction,
		ResolveLinks: opts.ResolveLinks,
	}, transport.CmdReadAllCompleted)
	if err != nil {
		return nil, err
	}

	r := resp.Payload.(transport.ReadAllResp)
	if r.AccessDenied {
		return nil, fmt.Errorf("%w: $all", es.ErrAccessDenied)
	}
	return &es.ReadAllResult{
		Direction:   opts.Direction,
		From:        opts.From,
		Events:      r.Events,
		Next:        r.Next,
		EndOfStream: r.EndOfStream,
	}, nil
}

// ReadEvent reads one event by stream and number; -1 reads the last event.
func (c *Client) ReadEvent(ctx context.Context, stream string, eventNumber int64, resolveLinks bool) (*es.ReadEventResult, error) {
	resp, err := c.exec(ctx, transport.CmdReadEvent, transport.ReadEventReq{
		Stream:       stream,
		EventNumber:  eventNumber,
		ResolveLinks: resolveLinks,
	}, transport.CmdReadEventCompleted)
	if err != nil {
		return nil, err
	}

	r := resp.Payload.(transport.ReadEventResp)
	if r.AccessDenied {
		return nil, fmt.Errorf("%w: stream %s", es.ErrAccessDenied, stream)
	}
	return &es.ReadEventResult{
		Status:      r.Status,
		Stream:      stream,
		EventNumber: eventNumber,
		Event:       r.Event,
	}, nil
}

// === persistent subscription management ===

func (c *Client) CreatePersistentSubscription(ctx context.Context, stream, group string, settings es.PersistentSettings) (es.PersistActionResult, error) {
	return c.persistentAction(ctx, transport.PersistentCreate, stream, group, settings)
}

func (c *Client) UpdatePersistentSubscription(ctx context.Context, stream, group string, settings es.PersistentSettings) (es.PersistActionResult, error) {
	return c.persistentAction(ctx, transport.PersistentUpdate, stream, group, settings)
}

func (c *Client) DeletePersistentSubscription(ctx context.Context, stream, group string) (es.PersistActionResult, error) {
	return c.persistentAction(ctx, transport.PersistentDelete, stream, group, es.PersistentSettings{})
}

func (c *Client) persistentAction(ctx context.Context, kind transport.PersistentActionKind, stream, group string, settings es.PersistentSettings) (es.PersistActionResult, error) {
	resp, err := c.exec(ctx, transport.CmdPersistentAction, transport.PersistentActionReq{
		Kind:     kind,
		Stream:   stream,
		Group:    group,
		Settings: settings,
	}, transport.CmdPersistentActionResult)
	if err != nil {
		return es.PersistActionResult{}, err
	}

	r := resp.Payload.(transport.PersistentActionResp)
	return es.PersistActionResult{Status: r.Status, Reason: r.Reason}, nil
}

// === subscriptions ===

func (c *Client) SubscribeVolatile(stream string, opts subs.VolatileOptions) (*subs.Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	return c.subs.SubscribeVolatile(stream, opts)
}

func (c *Client) SubscribeCatchUp(stream string, opts subs.CatchUpOptions) (*subs.Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	return c.subs.SubscribeCatchUp(stream, opts)
}

func (c *Client) SubscribePersistent(stream, group string, opts subs.PersistentOptions) (*subs.Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}
	return c.subs.SubscribePersistent(stream, group, opts)
}

// === helpers ===

func (c *Client) exec(ctx context.Context, cmd transport.Command, payload any, expect transport.Command) (transport.Package, error) {
	if c.closed.Load() {
		return transport.Package{}, ErrClientClosed
	}
	resp, err := c.dispatcher.Execute(ctx, transport.NewPackage(cmd, payload), expect)
	if err != nil {
		if errors.Is(err, dispatch.ErrDispatcherClosed) {
			return transport.Package{}, ErrClientClosed
		}
		return transport.Package{}, err
	}
	return resp, nil
}

func resultErr(r transport.OperationResult, stream string) error {
	switch r {
	case transport.ResultSuccess:
		return nil
	case transport.ResultWrongExpectedVersion:
		return fmt.Errorf("%w: stream %s", es.ErrWrongExpectedVersion, stream)
	case transport.ResultStreamDeleted:
		return fmt.Errorf("%w: stream %s", es.ErrStreamDeleted, stream)
	case transport.ResultAccessDenied:
		return fmt.Errorf("%w: stream %s", es.ErrAccessDenied, stream)
	case transport.ResultBadRequest:
		return fmt.Errorf("%w: stream %s", es.ErrBadRequest, stream)
	default:
		return fmt.Errorf("unexpected operation result %q", r)
	}
}
