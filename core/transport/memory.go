package transport

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ServerPeer is the server-side view of a memory channel: the node handler
// pushes packages to the client through it and may kill the connection.
type ServerPeer interface {
	Push(pkg Package)
	CloseWithError(err error)
	Done() <-chan struct{}
}

// ServerFunc handles one inbound package on behalf of a fake node. Handlers
// for a single channel run serialized, so pushes stay ordered.
type ServerFunc func(peer ServerPeer, pkg Package)

// MemoryNetwork is an in-process set of addressable nodes used by tests. It
// implements the Dialer side of the transport boundary without sockets and
// lets tests take nodes down, kill live connections and count dials.
type MemoryNetwork struct {
	mu    sync.RWMutex
	log   *slog.Logger
	nodes map[string]*MemoryNode
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		nodes: make(map[string]*MemoryNode),
	}
}

func (n *MemoryNetwork) WithLog(log *slog.Logger) *MemoryNetwork {
	n.log = log.With(slog.String("transport", "mem"))
	return n
}

// AddNode registers a node under addr. The handler may be swapped later via
// MemoryNode.SetHandler.
func (n *MemoryNetwork) AddNode(addr string, fn ServerFunc) *MemoryNode {
	n.mu.Lock()
	defer n.mu.Unlock()

	node := &MemoryNode{
		log:   n.log.With(slog.String("node", addr)),
		addr:  addr,
		up:    true,
		fn:    fn,
		conns: make(map[*memChannel]struct{}),
	}
	n.nodes[addr] = node
	return node
}

// Node returns the node registered under addr, or nil.
func (n *MemoryNetwork) Node(addr string) *MemoryNode {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.nodes[addr]
}

// Dialer returns a Dialer that connects within this network.
func (n *MemoryNetwork) Dialer() Dialer { return &memDialer{net: n} }

type memDialer struct{ net *MemoryNetwork }

func (d *memDialer) Dial(_ context.Context, addr string, _ TLSSettings) (Channel, error) {
	node := d.net.Node(addr)
	if node == nil {
		return nil, fmt.Errorf("%w: %s", ErrNodeUnreachable, addr)
	}
	return node.dial()
}

// MemoryNode is one fake node in a MemoryNetwork.
type MemoryNode struct {
	log  *slog.Logger
	addr string

	mu    sync.Mutex
	up    bool
	fn    ServerFunc
	conns map[*memChannel]struct{}

	dials atomic.Int64
}

func (n *MemoryNode) Addr() string { return n.addr }

// Dials returns how often the node has been dialed, including refused dials.
func (n *MemoryNode) Dials() int64 { return n.dials.Load() }

// SetHandler swaps the server behavior for future packages.
func (n *MemoryNode) SetHandler(fn ServerFunc) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.fn = fn
}

// SetDown refuses future dials and kills all live connections.
func (n *MemoryNode) SetDown() {
	n.mu.Lock()
	n.up = false
	n.mu.Unlock()
	n.KillConnections(ErrNodeUnreachable)
}

func (n *MemoryNode) SetUp() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.up = true
}

// KillConnections fails every live channel with err, simulating a node crash
// while leaving the node dialable.
func (n *MemoryNode) KillConnections(err error) {
	n.mu.Lock()
	conns := make([]*memChannel, 0, len(n.conns))
	for c := range n.conns {
		conns = append(conns, c)
	}
	n.mu.Unlock()

	for _, c := range conns {
		c.fail(err)
	}
}

func (n *MemoryNode) dial() (Channel, error) {
	n.dials.Add(1)

	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.up {
		return nil, fmt.Errorf("%w: %s", ErrNodeUnreachable, n.addr)
	}

	c := &memChannel{
		node:    n,
		inbound: make(chan Package, 256),
		outQ:    make(chan Package, 256),
		done:    make(chan struct{}),
	}
	n.conns[c] = struct{}{}
	go c.serve()

	n.log.Debug("dialed")
	return c, nil
}

func (n *MemoryNode) drop(c *memChannel) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, c)
}

// === channel ===

type memChannel struct {
	node    *MemoryNode
	inbound chan Package
	outQ    chan Package
	done    chan struct{}

	once sync.Once
	err  error
}

func (c *memChannel) Send(ctx context.Context, pkg Package) error {
	select {
	case <-c.done:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	case c.outQ <- pkg:
		return nil
	}
}

func (c *memChannel) Inbound() <-chan Package { return c.inbound }
func (c *memChannel) Done() <-chan struct{}   { return c.done }

func (c *memChannel) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

func (c *memChannel) Close() error {
	c.fail(nil)
	return nil
}

func (c *memChannel) fail(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
		c.node.drop(c)
	})
}

// serve runs the node handler for this channel, one package at a time.
func (c *memChannel) serve() {
	for {
		select {
		case <-c.done:
			return
		case pkg := <-c.outQ:
			c.node.mu.Lock()
			fn := c.node.fn
			c.node.mu.Unlock()
			if fn != nil {
				fn(c, pkg)
			}
		}
	}
}

// Push delivers a package to the client side of the channel.
func (c *memChannel) Push(pkg Package) {
	select {
	case <-c.done:
	case c.inbound <- pkg:
	}
}

func (c *memChannel) CloseWithError(err error) { c.fail(err) }

var _ Channel = (*memChannel)(nil)
var _ ServerPeer = (*memChannel)(nil)
