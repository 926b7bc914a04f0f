// Package transport is the boundary between the client core and the wire.
// The core exchanges typed Packages over a Channel opened by a Dialer; byte
// encoding, framing and TLS mechanics live behind those interfaces (see
// adapters/nats for a production implementation and MemoryNetwork for the
// in-process one used by tests).
package transport
