package transport

import (
	"context"
	"errors"
)

var (
	// ErrNodeUnreachable is returned by Dial when the node cannot be reached.
	ErrNodeUnreachable = errors.New("node unreachable")
	// ErrChannelClosed is returned by Send after the channel died.
	ErrChannelClosed = errors.New("channel closed")
)

// TLSSettings is passed through to the dialer; certificate validation
// mechanics are the dialer's concern.
type TLSSettings struct {
	Enabled bool
	// VerifyCert disables certificate validation when false.
	VerifyCert bool
}

// Channel is one open, bidirectional package stream to a single node.
//
// Inbound carries both responses and server-initiated pushes. Done is closed
// when the channel is lost for any reason; Err then reports why. A Channel is
// never reused across reconnects, the state machine always dials a new one.
type Channel interface {
	Send(ctx context.Context, pkg Package) error
	Inbound() <-chan Package
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer opens channels to node addresses ("host:port").
type Dialer interface {
	Dial(ctx context.Context, addr string, tls TLSSettings) (Channel, error)
}
