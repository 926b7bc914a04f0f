package transport

import (
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Command identifies the kind of a Package. Request/response pairs share a
// correlation id, server-initiated pushes reuse the correlation id of the
// subscription they belong to.
type Command string

const (
	// Session handshake and liveness.
	CmdIdentify     Command = "identify"
	CmdIdentified   Command = "identified"
	CmdHeartbeat    Command = "heartbeat"
	CmdHeartbeatAck Command = "heartbeat-ack"

	// One-shot operations.
	CmdAppend                 Command = "append"
	CmdAppendCompleted        Command = "append-completed"
	CmdReadStream             Command = "read-stream"
	CmdReadStreamCompleted    Command = "read-stream-completed"
	CmdReadAll                Command = "read-all"
	CmdReadAllCompleted       Command = "read-all-completed"
	CmdReadEvent              Command = "read-event"
	CmdReadEventCompleted     Command = "read-event-completed"
	CmdDeleteStream           Command = "delete-stream"
	CmdDeleteStreamCompleted  Command = "delete-stream-completed"
	CmdPersistentAction       Command = "persistent-action"
	CmdPersistentActionResult Command = "persistent-action-result"

	// Subscription lifecycle.
	CmdSubscribe             Command = "subscribe"
	CmdConnectPersistent     Command = "connect-persistent"
	CmdSubscriptionConfirmed Command = "subscription-confirmed"
	CmdEventAppeared         Command = "event-appeared"
	CmdUnsubscribe           Command = "unsubscribe"
	CmdSubscriptionDropped   Command = "subscription-dropped"
	CmdAckEvents             Command = "ack-events"
	CmdNakEvents             Command = "nak-events"

	// CmdNotHandled is the server's refusal of an operation it cannot serve
	// in its current role (not leader, still starting, overloaded).
	CmdNotHandled Command = "not-handled"
)

// Package is the unit of exchange on a Channel: a command, a correlation id
// and a typed payload. The payload is one of the message structs in this
// package; (de)serialization is the channel implementation's concern.
type Package struct {
	Command       Command
	CorrelationID string
	Payload       any
}

// NewPackage builds a Package with a fresh correlation id.
func NewPackage(cmd Command, payload any) Package {
	return Package{
		Command:       cmd,
		CorrelationID: gonanoid.Must(),
		Payload:       payload,
	}
}

// Reply builds a response Package correlated to p.
func (p Package) Reply(cmd Command, payload any) Package {
	return Package{
		Command:       cmd,
		CorrelationID: p.CorrelationID,
		Payload:       payload,
	}
}
