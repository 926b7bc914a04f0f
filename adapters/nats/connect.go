// Package nats carries the event store protocol over NATS subjects: every
// cluster node listens on a per-node subject and pushes back to a per-channel
// inbox. It also provides a JetStream KV checkpoint store for catch-up
// subscriptions.
package nats

import (
	"os"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"
)

type closeFunc = func()

// Connector opens the underlying NATS connection. The returned close releases
// this caller's lease on it.
type Connector func() (nc *natsgo.Conn, close closeFunc, err error)

// sharedConn reference-counts one NATS connection across the dialer, the
// checkpoint store and anything else handed the same Connector.
type sharedConn struct {
	connect Connector

	mu     sync.Mutex
	nc     *natsgo.Conn
	closer closeFunc
	leases int
}

func (s *sharedConn) acquire() (*natsgo.Conn, closeFunc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nc == nil {
		nc, closer, err := s.connect()
		if err != nil {
			return nil, nil, err
		}
		s.nc, s.closer = nc, closer
	}
	s.leases++
	return s.nc, s.release, nil
}

func (s *sharedConn) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.leases--
	if s.leases == 0 {
		s.closer()
		s.nc, s.closer = nil, nil
	}
}

// ReuseConnection shares one NATS connection between every component built on
// the returned Connector. The connection closes when the last lease is
// released and reopens on the first acquire after that.
func ReuseConnection(connect Connector) Connector {
	s := &sharedConn{connect: connect}
	return s.acquire
}

// ConnectURL connects to natsURL with the driver's defaults. Publishes fail
// instead of buffering while NATS reconnects, so a dead broker surfaces as a
// channel error and the session machine takes over failover. opts append to
// the defaults and may override any of them.
func ConnectURL(natsURL string, opts ...natsgo.Option) Connector {
	return func() (*natsgo.Conn, closeFunc, error) {
		options := append([]natsgo.Option{
			natsgo.Name("evstore-client"),
			natsgo.Timeout(5 * time.Second),
			natsgo.MaxReconnects(-1),
			natsgo.ReconnectWait(250 * time.Millisecond),
			natsgo.ReconnectBufSize(-1),
		}, opts...)

		nc, err := natsgo.Connect(natsURL, options...)
		if err != nil {
			return nil, nil, err
		}
		return nc, func() { nc.Close() }, nil
	}
}

// ConnectDefault connects to $NATS_URL, falling back to the local default.
func ConnectDefault() Connector {
	if natsURL := os.Getenv("NATS_URL"); natsURL != "" {
		return ConnectURL(natsURL)
	}
	return ConnectURL(natsgo.DefaultURL)
}
