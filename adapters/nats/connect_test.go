package nats

import (
	"errors"
	"testing"

	natsgo "github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

func TestReuseConnection_SharesOneLeaseCountedConn(t *testing.T) {
	var connects, closes int
	connect := ReuseConnection(func() (*natsgo.Conn, closeFunc, error) {
		connects++
		return &natsgo.Conn{}, func() { closes++ }, nil
	})

	a, releaseA, err := connect()
	require.NoError(t, err)
	b, releaseB, err := connect()
	require.NoError(t, err)

	require.Same(t, a, b)
	require.Equal(t, 1, connects)

	releaseA()
	require.Zero(t, closes, "connection closed while still leased")
	releaseB()
	require.Equal(t, 1, closes)

	// a fresh acquire after the last release reopens
	c, releaseC, err := connect()
	require.NoError(t, err)
	require.NotSame(t, a, c)
	require.Equal(t, 2, connects)
	releaseC()
	require.Equal(t, 2, closes)
}

func TestReuseConnection_FailedConnectLeavesNoLease(t *testing.T) {
	broken := errors.New("no route to broker")
	fail := true
	connect := ReuseConnection(func() (*natsgo.Conn, closeFunc, error) {
		if fail {
			return nil, nil, broken
		}
		return &natsgo.Conn{}, func() {}, nil
	})

	_, _, err := connect()
	require.ErrorIs(t, err, broken)

	// the broker comes back; the shared connector recovers
	fail = false
	nc, release, err := connect()
	require.NoError(t, err)
	require.NotNil(t, nc)
	release()
}
