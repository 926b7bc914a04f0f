package subs

import (
	"github.com/codewandler/evstore-go/core/es"
	"github.com/codewandler/evstore-go/core/transport"
)

// Event is one item on a subscription's channel. Exactly one of the three
// pointers is set.
//
// The first event after (re)subscribing is always a Confirmed; data events
// never precede it. A Dropped with a non-terminal reason announces an
// automatic resubscription, a terminal one is the last event before the
// channel closes.
type Event struct {
	Confirmed     *Confirmation
	EventAppeared *AppearedEvent
	Dropped       *Drop
}

// Confirmation reports where the server's view of the stream ended when the
// subscription went live.
type Confirmation struct {
	SubscriptionID     string
	LastCommitPosition int64
	LastEventNumber    int64
}

// AppearedEvent is a delivered event. RetryCount is only meaningful on
// persistent subscriptions.
type AppearedEvent struct {
	es.ResolvedEvent
	RetryCount int
}

type Drop struct {
	Reason transport.DropReason
}
