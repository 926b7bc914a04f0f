package subs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/evstore-go/core/conn"
	"github.com/codewandler/evstore-go/core/discovery"
	"github.com/codewandler/evstore-go/core/dispatch"
	"github.com/codewandler/evstore-go/core/es"
	"github.com/codewandler/evstore-go/core/estest"
	"github.com/codewandler/evstore-go/core/transport"
	"github.com/codewandler/evstore-go/ports/checkpoint"
)

func testLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newTestManager(t *testing.T, c *estest.Cluster, ckpt checkpoint.Store) *Manager {
	t.Helper()

	resolver, err := discovery.NewStaticResolver(c.Seeds()...)
	require.NoError(t, err)
	disc, err := discovery.New(discovery.Config{Log: testLog(), Resolver: resolver})
	require.NoError(t, err)

	machine, err := conn.NewMachine(conn.Config{
		Log:       testLog(),
		Discovery: disc,
		Dialer:    c.Dialer(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = machine.Close() })

	d, err := dispatch.New(dispatch.Config{Log: testLog(), Machine: machine})
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })

	m, err := NewManager(Config{
		Log:         testLog(),
		Machine:     machine,
		Dispatcher:  d,
		Checkpoints: ckpt,
		RetryDelay:  20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func next(t *testing.T, s *Subscription) (Event, bool) {
	t.Helper()
	select {
	case ev, ok := <-s.Events():
		return ev, ok
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for subscription event")
		return Event{}, false
	}
}

func expectConfirmed(t *testing.T, s *Subscription) *Confirmation {
	t.Helper()
	ev, ok := next(t, s)
	require.True(t, ok)
	require.NotNil(t, ev.Confirmed, "expected a confirmation, got %+v", ev)
	return ev.Confirmed
}

func expectAppeared(t *testing.T, s *Subscription) *AppearedEvent {
	t.Helper()
	ev, ok := next(t, s)
	require.True(t, ok)
	require.NotNil(t, ev.EventAppeared, "expected an event, got %+v", ev)
	return ev.EventAppeared
}

func expectDropped(t *testing.T, s *Subscription) *Drop {
	t.Helper()
	ev, ok := next(t, s)
	require.True(t, ok)
	require.NotNil(t, ev.Dropped, "expected a drop, got %+v", ev)
	return ev.Dropped
}

func expectClosed(t *testing.T, s *Subscription) {
	t.Helper()
	_, ok := next(t, s)
	require.False(t, ok, "expected the channel to close")
}

func seed(c *estest.Cluster, stream string, n int) {
	for i := 0; i < n; i++ {
		c.Append(stream, es.BinaryEvent(fmt.Sprintf("seeded-%d", i), []byte("x")))
	}
}

func TestVolatile_ConfirmedBeforeEvents(t *testing.T) {
	c := estest.NewCluster(1)
	m := newTestManager(t, c, nil)

	sub, err := m.SubscribeVolatile("orders", VolatileOptions{})
	require.NoError(t, err)
	defer sub.Cancel()

	expectConfirmed(t, sub)

	for i := 0; i < 3; i++ {
		c.Append("orders", es.BinaryEvent(fmt.Sprintf("placed-%d", i), []byte("x")))
	}
	for i := 0; i < 3; i++ {
		ev := expectAppeared(t, sub)
		require.Equal(t, fmt.Sprintf("placed-%d", i), ev.OriginalEvent().Type)
		require.EqualValues(t, i, ev.OriginalEventNumber())
	}
}

func TestVolatile_CancelClosesChannel(t *testing.T) {
	c := estest.NewCluster(1)
	m := newTestManager(t, c, nil)

	sub, err := m.SubscribeVolatile("orders", VolatileOptions{})
	require.NoError(t, err)
	expectConfirmed(t, sub)

	require.NoError(t, sub.Cancel())
	expectClosed(t, sub)

	// late appends must not panic or revive the channel
	c.Append("orders", es.BinaryEvent("placed", []byte("x")))
}

func TestVolatile_ResubscribesAfterNonTerminalDrop(t *testing.T) {
	c := estest.NewCluster(1)
	m := newTestManager(t, c, nil)

	sub, err := m.SubscribeVolatile("orders", VolatileOptions{})
	require.NoError(t, err)
	defer sub.Cancel()

	expectConfirmed(t, sub)
	c.DropAllSubscriptions(transport.DropFailover)

	drop := expectDropped(t, sub)
	require.Equal(t, transport.DropFailover, drop.Reason)
	expectConfirmed(t, sub)

	c.Append("orders", es.BinaryEvent("placed", []byte("x")))
	ev := expectAppeared(t, sub)
	require.Equal(t, "placed", ev.OriginalEvent().Type)
}

func TestVolatile_TerminalDropEndsSubscription(t *testing.T) {
	c := estest.NewCluster(1)
	m := newTestManager(t, c, nil)

	seed(c, "orders", 1)
	sub, err := m.SubscribeVolatile("orders", VolatileOptions{})
	require.NoError(t, err)

	expectConfirmed(t, sub)
	c.Delete("orders", true)

	drop := expectDropped(t, sub)
	require.Equal(t, transport.DropNotFound, drop.Reason)
	expectClosed(t, sub)
}

func TestVolatile_SlowConsumerIsDroppedAndRecovers(t *testing.T) {
	c := estest.NewCluster(1)
	m := newTestManager(t, c, nil)

	sub, err := m.SubscribeVolatile("orders", VolatileOptions{BufferSize: 1})
	require.NoError(t, err)
	defer sub.Cancel()

	// nobody reads the subscription while the firehose runs; the session
	// must shed this subscriber instead of stalling its routing loop
	seed(c, "orders", 600)

	// appends from other writers keep flowing, proof the session is healthy
	c.Append("payments", es.BinaryEvent("unrelated", []byte("x")))

	var drop *Drop
	for i := 0; i < 700 && drop == nil; i++ {
		ev, ok := next(t, sub)
		require.True(t, ok)
		drop = ev.Dropped
	}
	require.NotNil(t, drop, "expected a drop after the overflow")
	require.Equal(t, transport.DropSlowConsumer, drop.Reason)
	require.False(t, drop.Reason.Terminal())

	// the subscription resubscribes on its own and delivers again
	expectConfirmed(t, sub)
	c.Append("orders", es.BinaryEvent("fresh", []byte("x")))
	require.Equal(t, "fresh", expectAppeared(t, sub).OriginalEvent().Type)
}

func TestVolatile_TerminalDropLandsOnFullBuffer(t *testing.T) {
	c := estest.NewCluster(1)
	m := newTestManager(t, c, nil)

	seed(c, "orders", 1)
	sub, err := m.SubscribeVolatile("orders", VolatileOptions{BufferSize: 1})
	require.NoError(t, err)

	expectConfirmed(t, sub)

	// fill the whole delivery buffer, then stop reading
	c.Append("orders", es.BinaryEvent("filler", []byte("x")))
	require.Eventually(t, func() bool {
		return len(sub.Events()) == 1
	}, time.Second, 5*time.Millisecond)

	c.Delete("orders", true)

	// the buffered filler gives way: the terminal reason is still the last
	// event before the channel closes
	ev, ok := next(t, sub)
	require.True(t, ok)
	require.NotNil(t, ev.Dropped, "expected the terminal drop, got %+v", ev)
	require.Equal(t, transport.DropNotFound, ev.Dropped.Reason)
	require.True(t, ev.Dropped.Reason.Terminal())
	expectClosed(t, sub)
}

func TestCatchUp_BackfillThenLiveWithoutGapsOrDuplicates(t *testing.T) {
	c := estest.NewCluster(1)
	m := newTestManager(t, c, nil)

	seed(c, "orders", 50)

	sub, err := m.SubscribeCatchUp("orders", CatchUpOptions{BatchSize: 10})
	require.NoError(t, err)
	defer sub.Cancel()

	expectConfirmed(t, sub)

	var numbers []int64
	for i := 0; i < 50; i++ {
		numbers = append(numbers, expectAppeared(t, sub).OriginalEventNumber())
	}
	for i := 0; i < 5; i++ {
		c.Append("orders", es.BinaryEvent("live", []byte("x")))
	}
	for i := 0; i < 5; i++ {
		numbers = append(numbers, expectAppeared(t, sub).OriginalEventNumber())
	}

	for i, n := range numbers {
		require.EqualValues(t, i, n, "event %d out of order", i)
	}
}

func TestCatchUp_StartsFromRequestedEvent(t *testing.T) {
	c := estest.NewCluster(1)
	m := newTestManager(t, c, nil)

	seed(c, "orders", 10)

	sub, err := m.SubscribeCatchUp("orders", CatchUpOptions{FromEventNumber: 7, BatchSize: 4})
	require.NoError(t, err)
	defer sub.Cancel()

	expectConfirmed(t, sub)
	for want := int64(7); want < 10; want++ {
		require.EqualValues(t, want, expectAppeared(t, sub).OriginalEventNumber())
	}
}

func TestCatchUp_ResumesFromCheckpoint(t *testing.T) {
	c := estest.NewCluster(1)
	ckpt := checkpoint.NewMemStore()
	require.NoError(t, ckpt.Set(context.Background(), "orders-reader", 30))
	m := newTestManager(t, c, ckpt)

	seed(c, "orders", 40)

	sub, err := m.SubscribeCatchUp("orders", CatchUpOptions{
		BatchSize:     16,
		CheckpointKey: "orders-reader",
	})
	require.NoError(t, err)
	defer sub.Cancel()

	expectConfirmed(t, sub)
	require.EqualValues(t, 30, expectAppeared(t, sub).OriginalEventNumber())
	for want := int64(31); want < 40; want++ {
		require.EqualValues(t, want, expectAppeared(t, sub).OriginalEventNumber())
	}

	v, err := ckpt.Get(context.Background(), "orders-reader")
	require.NoError(t, err)
	require.EqualValues(t, 40, v)
}

func TestCatchUp_RecoversFromDropWithoutGapsOrDuplicates(t *testing.T) {
	c := estest.NewCluster(1)
	m := newTestManager(t, c, nil)

	seed(c, "orders", 20)

	sub, err := m.SubscribeCatchUp("orders", CatchUpOptions{BatchSize: 8})
	require.NoError(t, err)
	defer sub.Cancel()

	expectConfirmed(t, sub)
	for want := int64(0); want < 20; want++ {
		require.EqualValues(t, want, expectAppeared(t, sub).OriginalEventNumber())
	}

	c.DropAllSubscriptions(transport.DropFailover)
	require.Equal(t, transport.DropFailover, expectDropped(t, sub).Reason)

	seed(c, "orders", 3)
	expectConfirmed(t, sub)
	for want := int64(20); want < 23; want++ {
		require.EqualValues(t, want, expectAppeared(t, sub).OriginalEventNumber())
	}
}

func TestCatchUp_AllStream(t *testing.T) {
	c := estest.NewCluster(1)
	m := newTestManager(t, c, nil)

	seed(c, "orders", 5)
	seed(c, "payments", 5)

	sub, err := m.SubscribeCatchUp(es.AllStream, CatchUpOptions{BatchSize: 3})
	require.NoError(t, err)
	defer sub.Cancel()

	expectConfirmed(t, sub)

	var last es.Position
	for i := 0; i < 10; i++ {
		ev := expectAppeared(t, sub)
		require.NotNil(t, ev.Position)
		require.Positive(t, ev.Position.Compare(last), "positions must be strictly increasing")
		last = *ev.Position
	}

	c.Append("orders", es.BinaryEvent("live", []byte("x")))
	ev := expectAppeared(t, sub)
	require.Positive(t, ev.Position.Compare(last))
}

func TestPersistent_DeliversAcksAndRedelivers(t *testing.T) {
	c := estest.NewCluster(1)
	m := newTestManager(t, c, nil)

	settings := es.DefaultPersistentSettings()
	settings.StartFrom = 0
	require.Equal(t, es.PersistSuccess, c.CreateGroup("orders", "billing", settings))

	seed(c, "orders", 3)

	sub, err := m.SubscribePersistent("orders", "billing", PersistentOptions{AckBatchSize: 1})
	require.NoError(t, err)
	defer sub.Cancel()

	expectConfirmed(t, sub)

	acked := make(map[string]bool)
	for i := 0; i < 3; i++ {
		ev := expectAppeared(t, sub)
		require.NoError(t, sub.Ack(ev.OriginalID()))
		acked[ev.OriginalID()] = true
	}
	// wait for the ack batches to land before killing the connection
	require.Eventually(t, func() bool {
		return c.InflightCount("orders", "billing") == 0
	}, time.Second, 10*time.Millisecond)

	// drop the connection; acked events must not come back
	c.Node(0).KillConnections()
	require.Equal(t, transport.DropFailover, expectDropped(t, sub).Reason)
	expectConfirmed(t, sub)

	c.Append("orders", es.BinaryEvent("fresh", []byte("x")))
	ev := expectAppeared(t, sub)
	require.Equal(t, "fresh", ev.OriginalEvent().Type)
	require.False(t, acked[ev.OriginalID()])
}

func TestPersistent_UnackedRedeliveredWithRetryCount(t *testing.T) {
	c := estest.NewCluster(1)
	m := newTestManager(t, c, nil)

	settings := es.DefaultPersistentSettings()
	settings.StartFrom = 0
	c.CreateGroup("orders", "billing", settings)
	seed(c, "orders", 1)

	sub, err := m.SubscribePersistent("orders", "billing", PersistentOptions{})
	require.NoError(t, err)
	defer sub.Cancel()

	expectConfirmed(t, sub)
	first := expectAppeared(t, sub)
	require.Equal(t, 0, first.RetryCount)

	// never acked; kill and reconnect
	c.Node(0).KillConnections()
	require.Equal(t, transport.DropFailover, expectDropped(t, sub).Reason)
	expectConfirmed(t, sub)

	again := expectAppeared(t, sub)
	require.Equal(t, first.OriginalID(), again.OriginalID())
	require.Equal(t, 1, again.RetryCount)
}

func TestPersistent_NakParkIsNeverRedelivered(t *testing.T) {
	c := estest.NewCluster(1)
	m := newTestManager(t, c, nil)

	settings := es.DefaultPersistentSettings()
	settings.StartFrom = 0
	c.CreateGroup("orders", "billing", settings)
	seed(c, "orders", 1)

	sub, err := m.SubscribePersistent("orders", "billing", PersistentOptions{})
	require.NoError(t, err)
	defer sub.Cancel()

	expectConfirmed(t, sub)
	ev := expectAppeared(t, sub)
	require.NoError(t, sub.Nak(es.NakPark, "poison", ev.OriginalID()))

	require.Eventually(t, func() bool {
		return c.ParkedCount("orders", "billing") == 1
	}, time.Second, 10*time.Millisecond)

	// reconnect; the parked event must not come back
	c.Node(0).KillConnections()
	require.Equal(t, transport.DropFailover, expectDropped(t, sub).Reason)
	expectConfirmed(t, sub)

	c.Append("orders", es.BinaryEvent("after-park", []byte("x")))
	require.Equal(t, "after-park", expectAppeared(t, sub).OriginalEvent().Type)
}

func TestPersistent_NakRetryRedelivers(t *testing.T) {
	c := estest.NewCluster(1)
	m := newTestManager(t, c, nil)

	settings := es.DefaultPersistentSettings()
	settings.StartFrom = 0
	c.CreateGroup("orders", "billing", settings)
	seed(c, "orders", 1)

	sub, err := m.SubscribePersistent("orders", "billing", PersistentOptions{})
	require.NoError(t, err)
	defer sub.Cancel()

	expectConfirmed(t, sub)
	ev := expectAppeared(t, sub)
	require.NoError(t, sub.Nak(es.NakRetry, "transient", ev.OriginalID()))

	again := expectAppeared(t, sub)
	require.Equal(t, ev.OriginalID(), again.OriginalID())
	require.Equal(t, 1, again.RetryCount)
}

func TestPersistent_MissingGroupIsTerminal(t *testing.T) {
	c := estest.NewCluster(1)
	m := newTestManager(t, c, nil)

	sub, err := m.SubscribePersistent("orders", "nope", PersistentOptions{})
	require.NoError(t, err)

	require.Equal(t, transport.DropNotFound, expectDropped(t, sub).Reason)
	expectClosed(t, sub)
}

func TestPersistent_AckNakRejectedOnOtherKinds(t *testing.T) {
	c := estest.NewCluster(1)
	m := newTestManager(t, c, nil)

	sub, err := m.SubscribeVolatile("orders", VolatileOptions{})
	require.NoError(t, err)
	defer sub.Cancel()

	require.ErrorIs(t, sub.Ack("x"), ErrNotPersistent)
	require.ErrorIs(t, sub.Nak(es.NakPark, "", "x"), ErrNotPersistent)
}

func TestManager_CloseDropsEverySubscription(t *testing.T) {
	c := estest.NewCluster(1)
	m := newTestManager(t, c, nil)

	a, err := m.SubscribeVolatile("orders", VolatileOptions{})
	require.NoError(t, err)
	b, err := m.SubscribeVolatile("payments", VolatileOptions{})
	require.NoError(t, err)

	expectConfirmed(t, a)
	expectConfirmed(t, b)

	require.NoError(t, m.Close())

	for _, sub := range []*Subscription{a, b} {
		require.Equal(t, transport.DropServerShutdown, expectDropped(t, sub).Reason)
		expectClosed(t, sub)
	}

	_, err = m.SubscribeVolatile("x", VolatileOptions{})
	require.ErrorIs(t, err, ErrManagerClosed)
}
