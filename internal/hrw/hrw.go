// Package hrw ranks nodes by Rendezvous (highest random weight) hashing.
// Every client ranks the same node set identically for the same seed, so a
// fleet of clients with distinct seeds spreads its connections across the
// cluster without coordination.
package hrw

import (
	"encoding/binary"
	"sort"

	"golang.org/x/crypto/blake2b"
)

// Rank returns nodes ordered by descending score for key. seed personalizes
// the ranking, e.g. a per-client id so different clients prefer different
// nodes.
func Rank(key string, nodes []string, seed string) []string {
	if len(nodes) == 0 {
		return nil
	}

	type entry struct {
		node  string
		score uint64
	}
	entries := make([]entry, len(nodes))
	for i, n := range nodes {
		entries[i] = entry{node: n, score: score(key, n, seed)}
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].score > entries[b].score })

	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.node
	}
	return out
}

// Best returns the highest ranked node for key. ok is false when nodes is
// empty.
func Best(key string, nodes []string, seed string) (best string, ok bool) {
	var top uint64
	for _, n := range nodes {
		if s := score(key, n, seed); !ok || s > top {
			best, top, ok = n, s, true
		}
	}
	return best, ok
}

func score(key, node, seed string) uint64 {
	// 8-byte digest, read as one uint64 score
	h, _ := blake2b.New(8, nil)
	if seed != "" {
		h.Write([]byte(seed))
		h.Write([]byte{0})
	}
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(node))
	return binary.BigEndian.Uint64(h.Sum(nil))
}
