package es

import (
	"fmt"
	"log/slog"
)

// Position is a transaction log position in the $all stream. It combines the
// commit and prepare offsets assigned by the server; ordering is by commit
// first, then prepare.
type Position struct {
	Commit  int64 `json:"commit"`
	Prepare int64 `json:"prepare"`
}

// StartPosition is the beginning of the $all stream.
func StartPosition() Position { return Position{Commit: 0, Prepare: 0} }

// EndPosition addresses the current end of the $all stream.
func EndPosition() Position { return Position{Commit: -1, Prepare: -1} }

// Compare returns -1, 0 or 1 when p is before, equal to or after other.
func (p Position) Compare(other Position) int {
	switch {
	case p.Commit < other.Commit:
		return -1
	case p.Commit > other.Commit:
		return 1
	case p.Prepare < other.Prepare:
		return -1
	case p.Prepare > other.Prepare:
		return 1
	default:
		return 0
	}
}

func (p Position) String() string {
	return fmt.Sprintf("C:%d/P:%d", p.Commit, p.Prepare)
}

func (p Position) SlogAttr() slog.Attr { return slog.String("position", p.String()) }
