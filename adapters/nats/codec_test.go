package nats

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/codewandler/evstore-go/core/es"
	"github.com/codewandler/evstore-go/core/transport"
)

func Test_Codec(t *testing.T) {
	t.Run("payload decodes to the concrete type", func(t *testing.T) {
		pkg := transport.NewPackage(transport.CmdAppend, transport.AppendReq{
			Stream:          "orders-1",
			ExpectedVersion: es.ExpectedExact(3),
			Events:          []es.EventData{es.BinaryEvent("placed", []byte("x"))},
		})

		data, err := encodeFrame(pkg, "_INBOX.abc")
		require.NoError(t, err)

		got, replyTo, err := decodeFrame(data)
		require.NoError(t, err)
		require.Equal(t, "_INBOX.abc", replyTo)
		require.Equal(t, pkg.Command, got.Command)
		require.Equal(t, pkg.CorrelationID, got.CorrelationID)

		req, ok := got.Payload.(transport.AppendReq)
		require.True(t, ok)
		require.Equal(t, "orders-1", req.Stream)
		require.Equal(t, es.ExpectedExact(3), req.ExpectedVersion)
		require.Len(t, req.Events, 1)
		require.Equal(t, "placed", req.Events[0].Type)
	})

	t.Run("empty payload", func(t *testing.T) {
		pkg := transport.NewPackage(transport.CmdHeartbeat, nil)

		data, err := encodeFrame(pkg, "")
		require.NoError(t, err)

		got, replyTo, err := decodeFrame(data)
		require.NoError(t, err)
		require.Empty(t, replyTo)
		require.Equal(t, transport.CmdHeartbeat, got.Command)
		require.Nil(t, got.Payload)
	})

	t.Run("server push round trip", func(t *testing.T) {
		rec := &es.RecordedEvent{StreamID: "orders-1", EventNumber: 7, Type: "placed"}
		pkg := transport.NewPackage(transport.CmdEventAppeared, transport.EventAppeared{
			Event:      es.ResolvedEvent{Event: rec, Position: &es.Position{Commit: 12, Prepare: 12}},
			RetryCount: 2,
		})

		data, err := encodeFrame(pkg, "")
		require.NoError(t, err)

		got, _, err := decodeFrame(data)
		require.NoError(t, err)

		ea, ok := got.Payload.(transport.EventAppeared)
		require.True(t, ok)
		require.Equal(t, 2, ea.RetryCount)
		require.EqualValues(t, 7, ea.Event.OriginalEventNumber())
		require.EqualValues(t, 12, ea.Event.Position.Commit)
	})

	t.Run("garbage frame", func(t *testing.T) {
		_, _, err := decodeFrame([]byte("not json"))
		require.Error(t, err)
	})
}
