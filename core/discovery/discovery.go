package discovery

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Config struct {
	Log      *slog.Logger
	Resolver Resolver
	Registry *Registry
	Selector *Selector
	// MaxSnapshotAge is how long a cached topology snapshot is served before
	// a re-resolution is forced. Default 30s.
	MaxSnapshotAge time.Duration
}

// Discovery produces ranked candidate lists for the connection state machine
// and is the only writer of the Registry's topology snapshot.
type Discovery struct {
	log      *slog.Logger
	resolver Resolver
	registry *Registry
	selector *Selector
	maxAge   time.Duration

	mu     sync.Mutex
	leader *Node // hint from a not-leader response, applied on next resolve
}

func New(cfg Config) (*Discovery, error) {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}

	selector := cfg.Selector
	if selector == nil {
		selector = NewSelector(PreferLeader, "")
	}

	maxAge := cfg.MaxSnapshotAge
	if maxAge <= 0 {
		maxAge = 30 * time.Second
	}

	return &Discovery{
		log:      log.With(slog.String("component", "discovery")),
		resolver: cfg.Resolver,
		registry: registry,
		selector: selector,
		maxAge:   maxAge,
	}, nil
}

func (d *Discovery) Registry() *Registry { return d.registry }

// SetLeaderHint records the leader address reported by a node that refused
// an operation. The hint is folded into the next resolved topology so
// leader-seeking ranking can act on it.
func (d *Discovery) SetLeaderHint(host string, port int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.leader = &Node{Host: host, Port: port, Role: RoleLeader}
	d.log.Debug("leader hint set", slog.String("addr", d.leader.Addr()))
}

// Candidates returns the next list of nodes to attempt, best first. With
// force set (or a stale/empty snapshot) it re-resolves and atomically
// replaces the registry snapshot; otherwise it ranks the cached topology.
func (d *Discovery) Candidates(ctx context.Context, force bool) ([]Node, error) {
	if !force {
		snap := d.registry.Snapshot()
		if !snap.IsEmpty() && snap.Age() <= d.maxAge {
			return d.selector.Rank(d.applyHint(snap.Nodes)), nil
		}
	}

	nodes, err := d.resolver.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	nodes = d.applyHint(nodes)
	d.registry.Replace(nodes)

	d.log.Debug("topology refreshed", slog.Int("nodes", len(nodes)))
	return d.selector.Rank(nodes), nil
}

func (d *Discovery) applyHint(nodes []Node) []Node {
	d.mu.Lock()
	hint := d.leader
	d.mu.Unlock()
	if hint == nil {
		return nodes
	}

	out := make([]Node, 0, len(nodes)+1)
	found := false
	for _, n := range nodes {
		if n.Host == hint.Host && n.Port == hint.Port {
			n.Role = RoleLeader
			found = true
		} else if n.Role == RoleLeader {
			// a stale leader claim loses against the fresher hint
			n.Role = RoleFollower
		}
		out = append(out, n)
	}
	if !found {
		out = append(out, *hint)
	}
	return out
}
