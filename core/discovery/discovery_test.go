package discovery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestRegistry_SnapshotReplace(t *testing.T) {
	r := NewRegistry()
	require.True(t, r.Snapshot().IsEmpty())

	r.Replace([]Node{{Host: "a", Port: 1}, {Host: "b", Port: 2}})
	snap := r.Snapshot()
	require.Len(t, snap.Nodes, 2)
	require.False(t, snap.IsEmpty())
	require.LessOrEqual(t, snap.Age(), time.Second)

	// a replacement never leaks into a previously taken snapshot
	r.Replace([]Node{{Host: "c", Port: 3}})
	require.Len(t, snap.Nodes, 2)
	require.Len(t, r.Snapshot().Nodes, 1)
}

func TestSelector_PreferLeader(t *testing.T) {
	nodes := []Node{
		{Host: "f1", Port: 1, Role: RoleFollower},
		{Host: "lead", Port: 2, Role: RoleLeader},
		{Host: "f2", Port: 3, Role: RoleFollower},
	}

	s := NewSelector(PreferLeader, "")
	ranked := s.Rank(nodes)
	require.Equal(t, "lead", ranked[0].Host)
	require.Len(t, ranked, 3)

	// input order untouched
	require.Equal(t, "f1", nodes[0].Host)
}

func TestSelector_RoundRobinRotates(t *testing.T) {
	nodes := []Node{
		{Host: "a", Port: 1},
		{Host: "b", Port: 2},
		{Host: "c", Port: 3},
	}

	s := NewSelector(PreferRoundRobin, "")
	first := s.Rank(nodes)
	second := s.Rank(nodes)
	third := s.Rank(nodes)
	fourth := s.Rank(nodes)

	require.Equal(t, "a", first[0].Host)
	require.Equal(t, "b", second[0].Host)
	require.Equal(t, "c", third[0].Host)
	require.Equal(t, "a", fourth[0].Host)

	// every rotation is a full permutation
	require.ElementsMatch(t,
		[]string{"a", "b", "c"},
		[]string{second[0].Host, second[1].Host, second[2].Host},
	)
}

func TestSelector_AnyIsStablePerSeed(t *testing.T) {
	nodes := []Node{
		{Host: "a", Port: 1},
		{Host: "b", Port: 2},
		{Host: "c", Port: 3},
	}

	s := NewSelector(PreferAny, "client-1")
	first := s.Rank(nodes)
	for i := 0; i < 5; i++ {
		require.Equal(t, first, s.Rank(nodes))
	}
	require.Len(t, first, 3)
}

func TestStaticResolver(t *testing.T) {
	_, err := NewStaticResolver()
	require.Error(t, err)

	r, err := NewStaticResolver(Node{Host: "seed", Port: 1113})
	require.NoError(t, err)

	nodes, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	// callers get a copy, not the seed slice
	nodes[0].Host = "mutated"
	again, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Equal(t, "seed", again[0].Host)
}

func TestDNSResolver_EmptySetExhaustsAttempts(t *testing.T) {
	calls := 0
	r, err := NewDNSResolver(DNSResolverConfig{
		Log:            testLog(),
		Name:           "cluster.internal",
		Port:           1113,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		LookupIP: func(ctx context.Context, host string) ([]net.IP, error) {
			calls++
			return nil, nil
		},
	})
	require.NoError(t, err)

	_, err = r.Resolve(context.Background())
	require.ErrorIs(t, err, ErrDiscoveryFailed)
	require.Equal(t, 3, calls)
}

func TestDNSResolver_RecoversAfterTransientFailure(t *testing.T) {
	calls := 0
	r, err := NewDNSResolver(DNSResolverConfig{
		Log:            testLog(),
		Name:           "cluster.internal",
		Port:           1113,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
		LookupIP: func(ctx context.Context, host string) ([]net.IP, error) {
			calls++
			if calls < 2 {
				return nil, errors.New("SERVFAIL")
			}
			return []net.IP{net.ParseIP("10.0.0.1")}, nil
		},
	})
	require.NoError(t, err)

	nodes, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	require.Equal(t, "10.0.0.1", nodes[0].Host)
	require.Equal(t, 1113, nodes[0].Port)
}

func TestDNSResolver_SRVRecordsCarryPorts(t *testing.T) {
	r, err := NewDNSResolver(DNSResolverConfig{
		Log:        testLog(),
		Name:       "_es._tcp.cluster.internal",
		RecordType: RecordSRV,
		LookupSRV: func(ctx context.Context, name string) ([]*net.SRV, error) {
			return []*net.SRV{
				{Target: "n1.cluster.internal", Port: 1113},
				{Target: "n2.cluster.internal", Port: 2113},
			}, nil
		},
	})
	require.NoError(t, err)

	nodes, err := r.Resolve(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	require.Equal(t, 2113, nodes[1].Port)
	require.Equal(t, "n2.cluster.internal", nodes[1].Host)
}

type countingResolver struct {
	nodes []Node
	err   error
	calls int
}

func (r *countingResolver) Resolve(_ context.Context) ([]Node, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	return r.nodes, nil
}

func TestDiscovery_CachesSnapshotUntilForced(t *testing.T) {
	res := &countingResolver{nodes: []Node{{Host: "a", Port: 1}}}
	d, err := New(Config{Log: testLog(), Resolver: res})
	require.NoError(t, err)

	first, err := d.Candidates(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.Equal(t, 1, res.calls)

	// fresh snapshot, no second resolution
	_, err = d.Candidates(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, 1, res.calls)

	_, err = d.Candidates(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, 2, res.calls)
}

func TestDiscovery_ResolverErrorPassesThrough(t *testing.T) {
	res := &countingResolver{err: ErrDiscoveryFailed}
	d, err := New(Config{Log: testLog(), Resolver: res})
	require.NoError(t, err)

	_, err = d.Candidates(context.Background(), false)
	require.ErrorIs(t, err, ErrDiscoveryFailed)
}

func TestDiscovery_LeaderHintPromotesNode(t *testing.T) {
	res := &countingResolver{nodes: []Node{
		{Host: "a", Port: 1, Role: RoleLeader},
		{Host: "b", Port: 2, Role: RoleFollower},
	}}
	d, err := New(Config{Log: testLog(), Resolver: res})
	require.NoError(t, err)

	ranked, err := d.Candidates(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, "a", ranked[0].Host)

	// b took over; the old leader claim must lose against the hint
	d.SetLeaderHint("b", 2)
	ranked, err = d.Candidates(context.Background(), true)
	require.NoError(t, err)
	require.Equal(t, "b", ranked[0].Host)
	require.Equal(t, RoleLeader, ranked[0].Role)
	require.Equal(t, RoleFollower, ranked[1].Role)
}

func TestDiscovery_LeaderHintAddsUnknownNode(t *testing.T) {
	res := &countingResolver{nodes: []Node{{Host: "a", Port: 1, Role: RoleFollower}}}
	d, err := New(Config{Log: testLog(), Resolver: res})
	require.NoError(t, err)

	d.SetLeaderHint("hidden", 9)
	ranked, err := d.Candidates(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	require.Equal(t, "hidden", ranked[0].Host)
}
