package discovery

import (
	"context"
	"errors"
)

var (
	// ErrDiscoveryFailed means resolution exhausted all attempts without
	// producing a single candidate.
	ErrDiscoveryFailed = errors.New("discovery failed")
)

// Resolver turns configuration into a fresh list of cluster nodes. A
// resolver owns its own retry policy; one Resolve call is one full discovery
// attempt cycle.
type Resolver interface {
	Resolve(ctx context.Context) ([]Node, error)
}

// StaticResolver serves a fixed seed list.
type StaticResolver struct {
	seeds []Node
}

func NewStaticResolver(seeds ...Node) (*StaticResolver, error) {
	if len(seeds) == 0 {
		return nil, errors.New("discovery: static resolver needs at least one seed")
	}
	return &StaticResolver{seeds: seeds}, nil
}

func (r *StaticResolver) Resolve(_ context.Context) ([]Node, error) {
	out := make([]Node, len(r.seeds))
	copy(out, r.seeds)
	return out, nil
}

var _ Resolver = (*StaticResolver)(nil)
