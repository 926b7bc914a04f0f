package es

import "fmt"

// ExpectedVersion expresses the optimistic concurrency expectation attached to
// a write. The negative values are part of the wire contract and must not be
// renumbered.
type ExpectedVersion int64

const (
	// ExpectedAny disables the concurrency check.
	ExpectedAny ExpectedVersion = -2
	// ExpectedNoStream requires that the stream does not exist yet.
	ExpectedNoStream ExpectedVersion = -1
	// ExpectedStreamExists requires that the stream exists, at any version.
	ExpectedStreamExists ExpectedVersion = -4
)

// ExpectedExact requires the stream to be exactly at version n.
func ExpectedExact(n int64) ExpectedVersion { return ExpectedVersion(n) }

func (v ExpectedVersion) Int64() int64 { return int64(v) }

func (v ExpectedVersion) String() string {
	switch v {
	case ExpectedAny:
		return "any"
	case ExpectedNoStream:
		return "no-stream"
	case ExpectedStreamExists:
		return "stream-exists"
	default:
		return fmt.Sprintf("%d", int64(v))
	}
}
