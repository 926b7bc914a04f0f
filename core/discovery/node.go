package discovery

import (
	"net"
	"strconv"
	"time"
)

// Role is a node's declared cluster role. It is a hint produced at resolution
// time; the authoritative answer is always the server's NotHandled response.
type Role string

const (
	RoleUnknown  Role = "unknown"
	RoleLeader   Role = "leader"
	RoleFollower Role = "follower"
	RoleReplica  Role = "read-only-replica"
)

// Node is one resolved cluster member. Immutable once produced; topology
// updates replace whole snapshots, never single nodes.
type Node struct {
	Host string
	Port int
	Role Role
}

func (n Node) Addr() string { return net.JoinHostPort(n.Host, strconv.Itoa(n.Port)) }

// Topology is a consistent snapshot of the known cluster.
type Topology struct {
	Nodes       []Node
	RefreshedAt time.Time
}

func (t Topology) IsEmpty() bool { return len(t.Nodes) == 0 }

// Age returns how long ago the snapshot was produced.
func (t Topology) Age() time.Duration {
	if t.RefreshedAt.IsZero() {
		return 1<<63 - 1
	}
	return time.Since(t.RefreshedAt)
}
