package es

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPosition_Ordering(t *testing.T) {
	a := Position{Commit: 1, Prepare: 1}
	b := Position{Commit: 1, Prepare: 2}
	c := Position{Commit: 2, Prepare: 0}

	require.Equal(t, -1, a.Compare(b))
	require.Equal(t, -1, b.Compare(c))
	require.Equal(t, 1, c.Compare(a))
	require.Equal(t, 0, a.Compare(a))

	require.Equal(t, 0, StartPosition().Compare(Position{}))
	require.Equal(t, Position{Commit: -1, Prepare: -1}, EndPosition())
}

func TestExpectedVersion(t *testing.T) {
	require.Equal(t, int64(-2), ExpectedAny.Int64())
	require.Equal(t, int64(-1), ExpectedNoStream.Int64())
	require.Equal(t, int64(-4), ExpectedStreamExists.Int64())
	require.Equal(t, int64(42), ExpectedExact(42).Int64())

	require.Equal(t, "any", ExpectedAny.String())
	require.Equal(t, "42", ExpectedExact(42).String())
}

func TestJSONEvent(t *testing.T) {
	type payload struct {
		Name string `json:"name"`
	}

	ev, err := JSONEvent("user-created", payload{Name: "ada"})
	require.NoError(t, err)
	require.NotEmpty(t, ev.ID)
	require.True(t, ev.IsJSON)
	require.Equal(t, "user-created", ev.Type)

	var back payload
	require.NoError(t, json.Unmarshal(ev.Data, &back))
	require.Equal(t, "ada", back.Name)

	ev2, err := ev.WithMetadata(map[string]string{"origin": "test"})
	require.NoError(t, err)
	require.NotEmpty(t, ev2.Metadata)
	require.Empty(t, ev.Metadata)
}

func TestResolvedEvent_Original(t *testing.T) {
	ev := &RecordedEvent{StreamID: "user-1", ID: "e1", EventNumber: 3}
	link := &RecordedEvent{StreamID: "$ce-user", ID: "l1", EventNumber: 9}

	plain := ResolvedEvent{Event: ev}
	require.False(t, plain.IsResolved())
	require.Equal(t, "user-1", plain.OriginalStreamID())
	require.Equal(t, int64(3), plain.OriginalEventNumber())

	resolved := ResolvedEvent{Event: ev, Link: link}
	require.True(t, resolved.IsResolved())
	require.Equal(t, "$ce-user", resolved.OriginalStreamID())
	require.Equal(t, "l1", resolved.OriginalID())

	var empty ResolvedEvent
	require.Equal(t, "", empty.OriginalStreamID())
	require.Equal(t, int64(-1), empty.OriginalEventNumber())
}
