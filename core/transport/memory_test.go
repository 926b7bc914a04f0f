package transport

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func echoNode(peer ServerPeer, pkg Package) {
	peer.Push(pkg.Reply(pkg.Command, pkg.Payload))
}

func TestMemoryNetwork_RequestReply(t *testing.T) {
	net := NewMemoryNetwork()
	net.AddNode("n1:1113", echoNode)

	ch, err := net.Dialer().Dial(context.Background(), "n1:1113", TLSSettings{})
	require.NoError(t, err)
	defer ch.Close()

	out := NewPackage(CmdHeartbeat, nil)
	require.NoError(t, ch.Send(context.Background(), out))

	select {
	case in := <-ch.Inbound():
		require.Equal(t, out.CorrelationID, in.CorrelationID)
	case <-time.After(time.Second):
		t.Fatal("no reply")
	}
}

func TestMemoryNetwork_DialUnknownOrDownNode(t *testing.T) {
	net := NewMemoryNetwork()

	_, err := net.Dialer().Dial(context.Background(), "nope:1113", TLSSettings{})
	require.ErrorIs(t, err, ErrNodeUnreachable)

	node := net.AddNode("n1:1113", echoNode)
	node.SetDown()
	_, err = net.Dialer().Dial(context.Background(), "n1:1113", TLSSettings{})
	require.ErrorIs(t, err, ErrNodeUnreachable)
	require.Equal(t, int64(1), node.Dials())

	node.SetUp()
	_, err = net.Dialer().Dial(context.Background(), "n1:1113", TLSSettings{})
	require.NoError(t, err)
}

func TestMemoryNetwork_KillConnections(t *testing.T) {
	net := NewMemoryNetwork()
	node := net.AddNode("n1:1113", echoNode)

	ch, err := net.Dialer().Dial(context.Background(), "n1:1113", TLSSettings{})
	require.NoError(t, err)

	boom := errors.New("boom")
	node.KillConnections(boom)

	select {
	case <-ch.Done():
	case <-time.After(time.Second):
		t.Fatal("channel not closed")
	}
	require.ErrorIs(t, ch.Err(), boom)
	require.ErrorIs(t, ch.Send(context.Background(), NewPackage(CmdHeartbeat, nil)), ErrChannelClosed)
}

func TestDropReason_Terminal(t *testing.T) {
	require.True(t, DropUnsubscribed.Terminal())
	require.True(t, DropAccessDenied.Terminal())
	require.True(t, DropNotFound.Terminal())
	require.True(t, DropDeleted.Terminal())
	require.False(t, DropServerShutdown.Terminal())
	require.False(t, DropFailover.Terminal())
}
