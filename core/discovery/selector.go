package discovery

import (
	"sync/atomic"

	"github.com/codewandler/evstore-go/internal/hrw"
)

// NodePreference ranks resolved candidates before connection attempts.
//
// Precedence is explicit: leader preference dominates, round-robin rotation
// only ever orders nodes of equal rank. PreferLeader therefore puts leaders
// first and rotates the remainder; PreferRoundRobin rotates the whole list.
type NodePreference string

const (
	// PreferLeader connects to the leader when one is known.
	PreferLeader NodePreference = "leader"
	// PreferAny picks a stable pseudo-random node per client (rendezvous
	// hashing keyed by the client seed), spreading clients across the
	// cluster without reshuffling on every call.
	PreferAny NodePreference = "any"
	// PreferRoundRobin rotates the starting candidate on each attempt.
	PreferRoundRobin NodePreference = "round-robin"
)

// Selector orders topology snapshots into candidate lists.
type Selector struct {
	pref NodePreference
	seed string
	rr   atomic.Uint64
}

func NewSelector(pref NodePreference, seed string) *Selector {
	if pref == "" {
		pref = PreferLeader
	}
	return &Selector{pref: pref, seed: seed}
}

func (s *Selector) Preference() NodePreference { return s.pref }

// Rank returns the candidates in connection-attempt order. The input slice
// is never mutated.
func (s *Selector) Rank(nodes []Node) []Node {
	if len(nodes) == 0 {
		return nil
	}

	switch s.pref {
	case PreferRoundRobin:
		return rotate(nodes, int(s.rr.Add(1)-1))

	case PreferAny:
		return s.hashOrder(nodes)

	default: // PreferLeader
		leaders := make([]Node, 0, 1)
		rest := make([]Node, 0, len(nodes))
		for _, n := range nodes {
			if n.Role == RoleLeader {
				leaders = append(leaders, n)
			} else {
				rest = append(rest, n)
			}
		}
		return append(leaders, rotate(rest, int(s.rr.Add(1)-1))...)
	}
}

// hashOrder ranks nodes by rendezvous score for this client's seed, so the
// same client keeps landing on the same healthy node.
func (s *Selector) hashOrder(nodes []Node) []Node {
	addrs := make([]string, len(nodes))
	byAddr := make(map[string]Node, len(nodes))
	for i, n := range nodes {
		addrs[i] = n.Addr()
		byAddr[n.Addr()] = n
	}

	ranked := hrw.Rank("candidates", addrs, s.seed)
	out := make([]Node, 0, len(ranked))
	for _, addr := range ranked {
		out = append(out, byAddr[addr])
	}
	return out
}

func rotate(nodes []Node, by int) []Node {
	if len(nodes) == 0 {
		return nil
	}
	by = by % len(nodes)
	out := make([]Node, 0, len(nodes))
	out = append(out, nodes[by:]...)
	out = append(out, nodes[:by]...)
	return out
}
