package discovery

import (
	"sync/atomic"
	"time"
)

// Registry holds the last known cluster topology. Snapshots are replaced
// atomically: readers always observe a complete set, never a list mid-update.
// Only the discovery service writes; everything else reads.
type Registry struct {
	v atomic.Pointer[Topology]
}

func NewRegistry() *Registry {
	r := &Registry{}
	r.v.Store(&Topology{})
	return r
}

// Snapshot returns the current topology. The contained slice is shared and
// must be treated as read-only.
func (r *Registry) Snapshot() Topology { return *r.v.Load() }

// Replace installs nodes as the new topology snapshot.
func (r *Registry) Replace(nodes []Node) {
	r.v.Store(&Topology{
		Nodes:       nodes,
		RefreshedAt: time.Now(),
	})
}
