package es

// ReadDirection selects the direction of a paged read.
type ReadDirection string

const (
	ReadForward  ReadDirection = "forward"
	ReadBackward ReadDirection = "backward"
)

// WriteResult is the outcome of a successful append.
type WriteResult struct {
	// NextExpectedVersion is the version to expect on the next append to the
	// same stream.
	NextExpectedVersion int64
	// Position is the $all position of the last written event.
	Position Position
}

// DeleteResult is the outcome of a successful stream deletion.
type DeleteResult struct {
	// Position is the $all position of the tombstone.
	Position Position
}

// ReadStreamStatus is the typed outcome of a stream read. A missing or
// deleted stream is a normal result, not an error; callers must be able to
// tell "no such stream" apart from a failure.
type ReadStreamStatus string

const (
	ReadStreamSuccess  ReadStreamStatus = "success"
	ReadStreamNotFound ReadStreamStatus = "not-found"
	ReadStreamDeleted  ReadStreamStatus = "deleted"
)

// ReadStreamResult is a page of events read from a single stream.
type ReadStreamResult struct {
	Status    ReadStreamStatus
	Stream    string
	Direction ReadDirection
	From      int64
	// Events is empty unless Status is ReadStreamSuccess.
	Events []ResolvedEvent
	// NextEventNumber is where the following page starts.
	NextEventNumber int64
	// LastEventNumber is the current last event number of the stream.
	LastEventNumber int64
	// EndOfStream reports that there is no further page in Direction.
	EndOfStream bool
}

// ReadAllResult is a page of events read from the $all stream.
type ReadAllResult struct {
	Direction ReadDirection
	From      Position
	Events    []ResolvedEvent
	// Next is where the following page starts.
	Next        Position
	EndOfStream bool
}

// ReadEventStatus is the typed outcome of a single-event read.
type ReadEventStatus string

const (
	ReadEventSuccess  ReadEventStatus = "success"
	ReadEventNotFound ReadEventStatus = "not-found"
	ReadEventNoStream ReadEventStatus = "no-stream"
	ReadEventDeleted  ReadEventStatus = "deleted"
)

// ReadEventResult is the outcome of reading one event by stream and number.
type ReadEventResult struct {
	Status      ReadEventStatus
	Stream      string
	EventNumber int64
	// Event is set only when Status is ReadEventSuccess.
	Event ResolvedEvent
}
