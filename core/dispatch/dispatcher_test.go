package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/evstore-go/core/conn"
	"github.com/codewandler/evstore-go/core/discovery"
	"github.com/codewandler/evstore-go/core/es"
	"github.com/codewandler/evstore-go/core/transport"
)

func testLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// serveOps wraps an operation handler with the session plumbing every fake
// node needs.
func serveOps(fn transport.ServerFunc) transport.ServerFunc {
	return func(peer transport.ServerPeer, pkg transport.Package) {
		switch pkg.Command {
		case transport.CmdIdentify:
			peer.Push(pkg.Reply(transport.CmdIdentified, transport.Identified{ConnectionID: "test"}))
		case transport.CmdHeartbeat:
			peer.Push(pkg.Reply(transport.CmdHeartbeatAck, nil))
		default:
			if fn != nil {
				fn(peer, pkg)
			}
		}
	}
}

func appendOK(peer transport.ServerPeer, pkg transport.Package) {
	if pkg.Command == transport.CmdAppend {
		peer.Push(pkg.Reply(transport.CmdAppendCompleted, transport.AppendResp{
			Result:              transport.ResultSuccess,
			NextExpectedVersion: 0,
			Position:            es.Position{Commit: 1, Prepare: 1},
		}))
	}
}

func newTestDispatcher(t *testing.T, net *transport.MemoryNetwork, cfg Config, seeds ...discovery.Node) *Dispatcher {
	t.Helper()

	resolver, err := discovery.NewStaticResolver(seeds...)
	require.NoError(t, err)
	disc, err := discovery.New(discovery.Config{Log: testLog(), Resolver: resolver})
	require.NoError(t, err)

	m, err := conn.NewMachine(conn.Config{
		Log:       testLog(),
		Discovery: disc,
		Dialer:    net.Dialer(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })

	cfg.Log = testLog()
	cfg.Machine = m
	d, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func appendPkg(stream string) transport.Package {
	return transport.NewPackage(transport.CmdAppend, transport.AppendReq{
		Stream:          stream,
		ExpectedVersion: es.ExpectedAny,
		Events:          []es.EventData{es.BinaryEvent("tested", []byte("payload"))},
	})
}

func TestDispatcher_ExecuteRoundTrip(t *testing.T) {
	net := transport.NewMemoryNetwork()
	net.AddNode("a:1", serveOps(appendOK))

	d := newTestDispatcher(t, net, Config{}, discovery.Node{Host: "a", Port: 1})

	resp, err := d.Execute(context.Background(), appendPkg("orders-1"), transport.CmdAppendCompleted)
	require.NoError(t, err)

	payload, ok := resp.Payload.(transport.AppendResp)
	require.True(t, ok)
	require.Equal(t, transport.ResultSuccess, payload.Result)
}

func TestDispatcher_ReplaysBacklogInOrderAfterReconnect(t *testing.T) {
	var (
		mu       sync.Mutex
		swallow  = true
		received []string
	)

	net := transport.NewMemoryNetwork()
	node := net.AddNode("a:1", nil)
	node.SetHandler(serveOps(func(peer transport.ServerPeer, pkg transport.Package) {
		if pkg.Command != transport.CmdAppend {
			return
		}
		req := pkg.Payload.(transport.AppendReq)
		mu.Lock()
		drop := swallow
		if !drop {
			received = append(received, req.Stream)
		}
		mu.Unlock()
		if !drop {
			peer.Push(pkg.Reply(transport.CmdAppendCompleted, transport.AppendResp{Result: transport.ResultSuccess}))
		}
	}))

	d := newTestDispatcher(t, net, Config{}, discovery.Node{Host: "a", Port: 1})

	// staggered submissions pin the sequence order
	var wg sync.WaitGroup
	for _, stream := range []string{"s-1", "s-2", "s-3"} {
		wg.Add(1)
		go func(stream string) {
			defer wg.Done()
			_, err := d.Execute(context.Background(), appendPkg(stream), transport.CmdAppendCompleted)
			require.NoError(t, err)
		}(stream)
		time.Sleep(30 * time.Millisecond)
	}

	// all three are in flight against a server that swallowed them; kill the
	// connection and start answering
	mu.Lock()
	swallow = false
	mu.Unlock()
	node.KillConnections(transport.ErrChannelClosed)

	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"s-1", "s-2", "s-3"}, received)
}

func TestDispatcher_NotLeaderFollowsRedirect(t *testing.T) {
	var leaderAppends atomic.Int64

	net := transport.NewMemoryNetwork()
	net.AddNode("a:1", serveOps(func(peer transport.ServerPeer, pkg transport.Package) {
		peer.Push(pkg.Reply(transport.CmdNotHandled, transport.NotHandled{
			Reason:     transport.NotHandledNotLeader,
			LeaderHost: "b",
			LeaderPort: 1,
		}))
	}))
	net.AddNode("b:1", serveOps(func(peer transport.ServerPeer, pkg transport.Package) {
		if pkg.Command == transport.CmdAppend {
			leaderAppends.Add(1)
			appendOK(peer, pkg)
		}
	}))

	d := newTestDispatcher(t, net, Config{},
		discovery.Node{Host: "a", Port: 1},
		discovery.Node{Host: "b", Port: 1},
	)

	resp, err := d.Execute(context.Background(), appendPkg("orders-1"), transport.CmdAppendCompleted)
	require.NoError(t, err)
	require.Equal(t, transport.ResultSuccess, resp.Payload.(transport.AppendResp).Result)
	require.EqualValues(t, 1, leaderAppends.Load())
}

func TestDispatcher_TooBusyRetriesSameNode(t *testing.T) {
	var attempts atomic.Int64

	net := transport.NewMemoryNetwork()
	node := net.AddNode("a:1", serveOps(func(peer transport.ServerPeer, pkg transport.Package) {
		if pkg.Command != transport.CmdAppend {
			return
		}
		if attempts.Add(1) < 3 {
			peer.Push(pkg.Reply(transport.CmdNotHandled, transport.NotHandled{Reason: transport.NotHandledTooBusy}))
			return
		}
		appendOK(peer, pkg)
	}))

	d := newTestDispatcher(t, net, Config{CheckPeriod: 5 * time.Millisecond},
		discovery.Node{Host: "a", Port: 1})

	_, err := d.Execute(context.Background(), appendPkg("orders-1"), transport.CmdAppendCompleted)
	require.NoError(t, err)
	require.EqualValues(t, 3, attempts.Load())
	require.EqualValues(t, 1, node.Dials())
}

func TestDispatcher_RetryBudgetExhausted(t *testing.T) {
	net := transport.NewMemoryNetwork()
	net.AddNode("a:1", serveOps(func(peer transport.ServerPeer, pkg transport.Package) {
		peer.Push(pkg.Reply(transport.CmdNotHandled, transport.NotHandled{Reason: transport.NotHandledTooBusy}))
	}))

	d := newTestDispatcher(t, net, Config{CheckPeriod: 5 * time.Millisecond, MaxRetries: 2},
		discovery.Node{Host: "a", Port: 1})

	_, err := d.Execute(context.Background(), appendPkg("orders-1"), transport.CmdAppendCompleted)
	require.ErrorIs(t, err, ErrTooManyRetries)
}

func TestDispatcher_OperationTimeout(t *testing.T) {
	net := transport.NewMemoryNetwork()
	net.AddNode("a:1", serveOps(nil)) // never answers operations

	d := newTestDispatcher(t, net, Config{OperationTimeout: 50 * time.Millisecond},
		discovery.Node{Host: "a", Port: 1})

	_, err := d.Execute(context.Background(), appendPkg("orders-1"), transport.CmdAppendCompleted)
	require.ErrorIs(t, err, ErrOperationTimeout)
}

func TestDispatcher_WaitsOutClusterOutage(t *testing.T) {
	net := transport.NewMemoryNetwork()
	node := net.AddNode("a:1", serveOps(appendOK))
	node.SetDown()

	d := newTestDispatcher(t, net, Config{
		OperationTimeout: 2 * time.Second,
		CheckPeriod:      10 * time.Millisecond,
	}, discovery.Node{Host: "a", Port: 1})

	errc := make(chan error, 1)
	go func() {
		_, err := d.Execute(context.Background(), appendPkg("orders-1"), transport.CmdAppendCompleted)
		errc <- err
	}()

	time.Sleep(50 * time.Millisecond)
	node.SetUp()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("operation did not recover from the outage")
	}
}

func TestDispatcher_CloseFailsPending(t *testing.T) {
	net := transport.NewMemoryNetwork()
	net.AddNode("a:1", serveOps(nil))

	d := newTestDispatcher(t, net, Config{}, discovery.Node{Host: "a", Port: 1})

	errc := make(chan error, 1)
	go func() {
		_, err := d.Execute(context.Background(), appendPkg("orders-1"), transport.CmdAppendCompleted)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, d.Close())

	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrDispatcherClosed)
	case <-time.After(time.Second):
		t.Fatal("pending operation not failed by close")
	}
}

func TestDispatcher_ContextCancelAbortsWait(t *testing.T) {
	net := transport.NewMemoryNetwork()
	net.AddNode("a:1", serveOps(nil))

	d := newTestDispatcher(t, net, Config{}, discovery.Node{Host: "a", Port: 1})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := d.Execute(ctx, appendPkg("orders-1"), transport.CmdAppendCompleted)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("cancel did not abort the wait")
	}
}
