// Package dispatch queues one-shot operations, pairs them with live sessions
// and retries them across reconnects and leader changes.
//
// Operations are dispatched strictly in submission order. An operation whose
// session dies before the response arrives goes back into the queue under its
// original sequence number, so after a reconnect the backlog replays exactly
// once, in the order it was submitted.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewandler/evstore-go/core/conn"
	"github.com/codewandler/evstore-go/core/discovery"
	"github.com/codewandler/evstore-go/core/transport"
)

var (
	// ErrOperationTimeout means the operation deadline passed before a
	// response arrived. The operation may or may not have reached the server.
	ErrOperationTimeout = errors.New("operation timeout")
	// ErrTooManyRetries means the operation was retried past the configured
	// bound without completing.
	ErrTooManyRetries = errors.New("too many retries")
	// ErrDispatcherClosed is returned for operations pending or submitted
	// after Close.
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

type Config struct {
	Log     *slog.Logger
	Machine *conn.Machine
	Metrics DispatchMetrics

	// OperationTimeout is the per-operation deadline, counted from
	// submission. Default 7s.
	OperationTimeout time.Duration
	// MaxRetries bounds retries per operation. Default 3.
	MaxRetries int
	// CheckPeriod paces retry attempts while the cluster is unreachable or a
	// node reports itself not ready. Default 1s.
	CheckPeriod time.Duration
}

type opResult struct {
	pkg transport.Package
	err error
}

type pendingOp struct {
	seq      uint64
	pkg      transport.Package
	expect   transport.Command
	deadline time.Time
	retries  int
	ctx      context.Context
	result   chan opResult
}

func (op *pendingOp) deliver(pkg transport.Package, err error) {
	select {
	case op.result <- opResult{pkg: pkg, err: err}:
	default:
	}
}

// Dispatcher owns the operation queue and the single dispatch loop draining
// it.
type Dispatcher struct {
	log     *slog.Logger
	machine *conn.Machine
	metrics DispatchMetrics

	timeout     time.Duration
	maxRetries  int
	checkPeriod time.Duration

	seq atomic.Uint64

	mu    sync.Mutex
	queue []*pendingOp

	signal chan struct{}
	done   chan struct{}
	closed atomic.Bool
}

func New(cfg Config) (*Dispatcher, error) {
	if cfg.Machine == nil {
		return nil, errors.New("dispatch: machine is required")
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	m := cfg.Metrics
	if m == nil {
		m = NopDispatchMetrics()
	}

	timeout := cfg.OperationTimeout
	if timeout <= 0 {
		timeout = 7 * time.Second
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	checkPeriod := cfg.CheckPeriod
	if checkPeriod <= 0 {
		checkPeriod = time.Second
	}

	d := &Dispatcher{
		log:         log.With(slog.String("component", "dispatch")),
		machine:     cfg.Machine,
		metrics:     m,
		timeout:     timeout,
		maxRetries:  maxRetries,
		checkPeriod: checkPeriod,
		signal:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}
	go d.run()
	return d, nil
}

// Execute submits one operation and blocks until its response, its deadline
// or ctx. expect names the command of the success response; NotHandled
// refusals are handled internally.
func (d *Dispatcher) Execute(ctx context.Context, pkg transport.Package, expect transport.Command) (transport.Package, error) {
	if d.closed.Load() {
		return transport.Package{}, ErrDispatcherClosed
	}

	timer := d.metrics.OperationDuration(string(pkg.Command))
	defer timer.ObserveDuration()

	op := &pendingOp{
		seq:      d.seq.Add(1),
		pkg:      pkg,
		expect:   expect,
		deadline: time.Now().Add(d.timeout),
		ctx:      ctx,
		result:   make(chan opResult, 1),
	}
	d.push(op)

	select {
	case res := <-op.result:
		d.metrics.OperationCompleted(string(pkg.Command), res.err == nil)
		return res.pkg, res.err
	case <-ctx.Done():
		d.metrics.OperationCompleted(string(pkg.Command), false)
		return transport.Package{}, ctx.Err()
	}
}

func (d *Dispatcher) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(d.done)

	d.mu.Lock()
	queued := d.queue
	d.queue = nil
	d.mu.Unlock()

	for _, op := range queued {
		op.deliver(transport.Package{}, ErrDispatcherClosed)
	}
	return nil
}

// push inserts by sequence number so requeued operations regain their
// original position ahead of younger ones.
func (d *Dispatcher) push(op *pendingOp) {
	d.mu.Lock()
	i := sort.Search(len(d.queue), func(i int) bool { return d.queue[i].seq > op.seq })
	d.queue = append(d.queue, nil)
	copy(d.queue[i+1:], d.queue[i:])
	d.queue[i] = op
	depth := len(d.queue)
	d.mu.Unlock()

	d.metrics.QueueDepth(depth)
	select {
	case d.signal <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) pop() *pendingOp {
	for {
		d.mu.Lock()
		if len(d.queue) > 0 {
			op := d.queue[0]
			d.queue = d.queue[1:]
			d.mu.Unlock()
			return op
		}
		d.mu.Unlock()

		select {
		case <-d.signal:
		case <-d.done:
			return nil
		}
	}
}

func (d *Dispatcher) run() {
	for {
		op := d.pop()
		if op == nil {
			return
		}
		d.dispatch(op)
	}
}

// dispatch sends one operation on the live session. Getting a session may
// itself fail while the cluster is unreachable; in that case the operation
// stays queued and is retried every check period until its deadline.
func (d *Dispatcher) dispatch(op *pendingOp) {
	if op.ctx.Err() != nil {
		op.deliver(transport.Package{}, op.ctx.Err())
		return
	}
	if time.Now().After(op.deadline) {
		op.deliver(transport.Package{}, fmt.Errorf("%w: %s", ErrOperationTimeout, op.pkg.Command))
		return
	}

	sessCtx, cancel := context.WithDeadline(op.ctx, op.deadline)
	s, err := d.machine.Session(sessCtx)
	cancel()
	if err != nil {
		if errors.Is(err, conn.ErrClosed) {
			op.deliver(transport.Package{}, ErrDispatcherClosed)
			return
		}
		if errors.Is(err, discovery.ErrDiscoveryFailed) {
			d.metrics.OperationRetried(string(op.pkg.Command), "discovery_failed")
			d.requeueAfter(op, d.checkPeriod)
			return
		}
		op.deliver(transport.Package{}, err)
		return
	}

	in, unregister := s.Register(op.pkg.CorrelationID, 1)
	if err := s.Send(op.ctx, op.pkg); err != nil {
		unregister()
		d.retry(op, "send_failed")
		return
	}

	// the loop moves on to the next operation; this one completes in its
	// own waiter
	go d.await(op, s, in, unregister)
}

func (d *Dispatcher) await(op *pendingOp, s *conn.Session, in <-chan transport.Package, unregister func()) {
	defer unregister()

	wait := time.NewTimer(time.Until(op.deadline))
	defer wait.Stop()

	select {
	case resp, ok := <-in:
		if !ok {
			d.retry(op, "waiter_dropped")
			return
		}
		d.complete(op, resp)
	case <-s.Done():
		d.retry(op, "session_lost")
	case <-wait.C:
		op.deliver(transport.Package{}, fmt.Errorf("%w: %s", ErrOperationTimeout, op.pkg.Command))
	case <-op.ctx.Done():
		op.deliver(transport.Package{}, op.ctx.Err())
	case <-d.done:
		op.deliver(transport.Package{}, ErrDispatcherClosed)
	}
}

func (d *Dispatcher) complete(op *pendingOp, resp transport.Package) {
	if resp.Command == transport.CmdNotHandled {
		nh, ok := resp.Payload.(transport.NotHandled)
		if !ok {
			op.deliver(transport.Package{}, fmt.Errorf("dispatch: malformed not-handled response"))
			return
		}

		switch nh.Reason {
		case transport.NotHandledNotLeader:
			d.machine.MarkLeader(nh.LeaderHost, nh.LeaderPort)
			d.retry(op, "not_leader")
		default:
			// not ready or too busy; same node may recover, pace the retry
			d.metrics.OperationRetried(string(op.pkg.Command), string(nh.Reason))
			d.requeueWithBudget(op, d.checkPeriod, string(nh.Reason))
		}
		return
	}

	if resp.Command != op.expect {
		op.deliver(transport.Package{}, fmt.Errorf("dispatch: unexpected response %s to %s", resp.Command, op.pkg.Command))
		return
	}
	op.deliver(resp, nil)
}

// retry requeues op immediately, counting against its retry budget.
func (d *Dispatcher) retry(op *pendingOp, reason string) {
	op.retries++
	if op.retries > d.maxRetries {
		op.deliver(transport.Package{}, fmt.Errorf("%w: %s after %d attempts (%s)",
			ErrTooManyRetries, op.pkg.Command, op.retries, reason))
		return
	}
	d.metrics.OperationRetried(string(op.pkg.Command), reason)
	d.log.Debug("operation requeued",
		slog.String("command", string(op.pkg.Command)),
		slog.String("reason", reason),
		slog.Int("retries", op.retries),
	)
	d.push(op)
}

// requeueAfter delays the requeue without touching the retry budget; the
// operation deadline is the bound while the cluster is unreachable.
func (d *Dispatcher) requeueAfter(op *pendingOp, delay time.Duration) {
	go func() {
		select {
		case <-time.After(delay):
			d.push(op)
		case <-op.ctx.Done():
			op.deliver(transport.Package{}, op.ctx.Err())
		case <-d.done:
			op.deliver(transport.Package{}, ErrDispatcherClosed)
		}
	}()
}

func (d *Dispatcher) requeueWithBudget(op *pendingOp, delay time.Duration, reason string) {
	op.retries++
	if op.retries > d.maxRetries {
		op.deliver(transport.Package{}, fmt.Errorf("%w: %s after %d attempts (%s)",
			ErrTooManyRetries, op.pkg.Command, op.retries, reason))
		return
	}
	go func() {
		select {
		case <-time.After(delay):
			d.push(op)
		case <-op.ctx.Done():
			op.deliver(transport.Package{}, op.ctx.Err())
		case <-d.done:
			op.deliver(transport.Package{}, ErrDispatcherClosed)
		}
	}()
}
