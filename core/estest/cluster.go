// Package estest is an in-process fake of a replicated event store cluster.
// It speaks the client's wire protocol over the in-memory transport and backs
// every node with one shared store, so tests can exercise failover, leader
// changes and subscription recovery without a real server.
package estest

import (
	"fmt"
	"sync"
	"sync/atomic"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/codewandler/evstore-go/core/discovery"
	"github.com/codewandler/evstore-go/core/es"
	"github.com/codewandler/evstore-go/core/transport"
)

type Cluster struct {
	net   *transport.MemoryNetwork
	store *store

	mu     sync.Mutex
	nodes  []*Node
	leader string
}

// NewCluster builds n nodes named node-0..n-1 sharing one store. node-0
// starts as leader.
func NewCluster(n int) *Cluster {
	c := &Cluster{
		net:   transport.NewMemoryNetwork(),
		store: newStore(),
	}
	for i := 0; i < n; i++ {
		node := &Node{
			c:    c,
			host: fmt.Sprintf("node-%d", i),
			port: 1113,
		}
		node.mem = c.net.AddNode(node.Addr(), node.handle)
		c.nodes = append(c.nodes, node)
	}
	c.leader = c.nodes[0].Addr()
	return c
}

func (c *Cluster) Dialer() transport.Dialer { return c.net.Dialer() }

// Seeds returns every node as a discovery seed, roles filled in.
func (c *Cluster) Seeds() []discovery.Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	seeds := make([]discovery.Node, 0, len(c.nodes))
	for _, n := range c.nodes {
		role := discovery.RoleFollower
		if n.Addr() == c.leader {
			role = discovery.RoleLeader
		}
		seeds = append(seeds, discovery.Node{Host: n.host, Port: n.port, Role: role})
	}
	return seeds
}

func (c *Cluster) Node(i int) *Node { return c.nodes[i] }

func (c *Cluster) Leader() *Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range c.nodes {
		if n.Addr() == c.leader {
			return n
		}
	}
	return nil
}

// SetLeader moves leadership to node i. Existing connections stay up; the
// old leader starts refusing writes.
func (c *Cluster) SetLeader(i int) {
	c.mu.Lock()
	c.leader = c.nodes[i].Addr()
	c.mu.Unlock()
}

// FailOver moves leadership to node i and kills every connection to the old
// leader.
func (c *Cluster) FailOver(i int) {
	old := c.Leader()
	c.SetLeader(i)
	if old != nil && old != c.nodes[i] {
		old.KillConnections()
	}
}

// Append writes events directly into the store, bypassing the protocol.
// Useful for seeding history.
func (c *Cluster) Append(stream string, events ...es.EventData) transport.AppendResp {
	return c.store.append(transport.AppendReq{
		Stream:          stream,
		ExpectedVersion: es.ExpectedAny,
		Events:          events,
	})
}

// Delete removes a stream directly, dropping its live subscriptions.
func (c *Cluster) Delete(stream string, hard bool) transport.DeleteStreamResp {
	return c.store.deleteStream(transport.DeleteStreamReq{
		Stream:          stream,
		ExpectedVersion: es.ExpectedAny,
		Hard:            hard,
	})
}

// CreateGroup creates a persistent subscription group directly.
func (c *Cluster) CreateGroup(stream, group string, settings es.PersistentSettings) es.PersistActionStatus {
	resp := c.store.persistentAction(transport.PersistentActionReq{
		Kind:     transport.PersistentCreate,
		Stream:   stream,
		Group:    group,
		Settings: settings,
	})
	return resp.Status
}

// DropAllSubscriptions drops every live subscription with reason, leaving
// connections intact. Exercises client resubscription.
func (c *Cluster) DropAllSubscriptions(reason transport.DropReason) {
	c.store.dropAll(reason)
}

// InflightCount reports how many deliveries a group is waiting on.
func (c *Cluster) InflightCount(stream, group string) int {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	g := c.store.groups[groupKey(stream, group)]
	if g == nil {
		return 0
	}
	return len(g.inflight)
}

// ParkedCount reports how many events a group has parked.
func (c *Cluster) ParkedCount(stream, group string) int {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	g := c.store.groups[groupKey(stream, group)]
	if g == nil {
		return 0
	}
	return len(g.parked)
}

// Node is one fake cluster member.
type Node struct {
	c    *Cluster
	host string
	port int
	mem  *transport.MemoryNode

	dropIdent atomic.Int64
	busy      atomic.Int64
}

func (n *Node) Addr() string { return fmt.Sprintf("%s:%d", n.host, n.port) }
func (n *Node) Dials() int64 { return n.mem.Dials() }

func (n *Node) SetDown() { n.mem.SetDown() }
func (n *Node) SetUp()   { n.mem.SetUp() }

func (n *Node) KillConnections() {
	n.mem.KillConnections(transport.ErrChannelClosed)
}

// DropIdentifies makes the node swallow the next k identify requests.
func (n *Node) DropIdentifies(k int) { n.dropIdent.Store(int64(k)) }

// RefuseBusy makes the node answer the next k operations with a too-busy
// refusal.
func (n *Node) RefuseBusy(k int) { n.busy.Store(int64(k)) }

func (n *Node) isLeader() bool {
	n.c.mu.Lock()
	defer n.c.mu.Unlock()
	return n.c.leader == n.Addr()
}

func (n *Node) leaderHostPort() (string, int) {
	n.c.mu.Lock()
	defer n.c.mu.Unlock()
	for _, m := range n.c.nodes {
		if m.Addr() == n.c.leader {
			return m.host, m.port
		}
	}
	return "", 0
}

// handle serves one inbound package. Writes and group management demand the
// leader; reads and subscriptions are served by any node.
func (n *Node) handle(peer transport.ServerPeer, pkg transport.Package) {
	switch pkg.Command {
	case transport.CmdIdentify:
		if n.dropIdent.Load() > 0 {
			n.dropIdent.Add(-1)
			return
		}
		peer.Push(pkg.Reply(transport.CmdIdentified, transport.Identified{ConnectionID: gonanoid.Must()}))
		return

	case transport.CmdHeartbeat:
		peer.Push(pkg.Reply(transport.CmdHeartbeatAck, nil))
		return
	}

	if n.busy.Load() > 0 {
		n.busy.Add(-1)
		peer.Push(pkg.Reply(transport.CmdNotHandled, transport.NotHandled{Reason: transport.NotHandledTooBusy}))
		return
	}

	switch pkg.Command {
	case transport.CmdAppend, transport.CmdDeleteStream, transport.CmdPersistentAction:
		if !n.isLeader() {
			host, port := n.leaderHostPort()
			peer.Push(pkg.Reply(transport.CmdNotHandled, transport.NotHandled{
				Reason:     transport.NotHandledNotLeader,
				LeaderHost: host,
				LeaderPort: port,
			}))
			return
		}
	}

	st := n.c.store
	switch pkg.Command {
	case transport.CmdAppend:
		peer.Push(pkg.Reply(transport.CmdAppendCompleted, st.append(pkg.Payload.(transport.AppendReq))))

	case transport.CmdReadStream:
		peer.Push(pkg.Reply(transport.CmdReadStreamCompleted, st.readStream(pkg.Payload.(transport.ReadStreamReq))))

	case transport.CmdReadAll:
		peer.Push(pkg.Reply(transport.CmdReadAllCompleted, st.readAll(pkg.Payload.(transport.ReadAllReq))))

	case transport.CmdReadEvent:
		peer.Push(pkg.Reply(transport.CmdReadEventCompleted, st.readEvent(pkg.Payload.(transport.ReadEventReq))))

	case transport.CmdDeleteStream:
		peer.Push(pkg.Reply(transport.CmdDeleteStreamCompleted, st.deleteStream(pkg.Payload.(transport.DeleteStreamReq))))

	case transport.CmdPersistentAction:
		peer.Push(pkg.Reply(transport.CmdPersistentActionResult, st.persistentAction(pkg.Payload.(transport.PersistentActionReq))))

	case transport.CmdSubscribe:
		st.subscribe(peer, pkg)

	case transport.CmdConnectPersistent:
		st.connectPersistent(peer, pkg)

	case transport.CmdUnsubscribe:
		st.unsubscribe(pkg)

	case transport.CmdAckEvents:
		st.ackEvents(pkg.Payload.(transport.AckEvents))

	case transport.CmdNakEvents:
		st.nakEvents(pkg.Payload.(transport.NakEvents))
	}
}
