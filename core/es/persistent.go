package es

import "time"

// NakAction tells the server what to do with a negatively acknowledged event.
// Forwarded verbatim; the client attaches no semantics beyond transport.
type NakAction string

const (
	NakUnknown NakAction = "unknown"
	// NakPark moves the event to the group's parked message stream.
	NakPark NakAction = "park"
	// NakRetry redelivers the event to the group.
	NakRetry NakAction = "retry"
	// NakSkip advances past the event without processing it.
	NakSkip NakAction = "skip"
	// NakStop stops the subscription for the whole group.
	NakStop NakAction = "stop"
)

// SystemConsumerStrategy selects how the server spreads a persistent
// subscription's events across competing consumers.
type SystemConsumerStrategy string

const (
	StrategyDispatchToSingle SystemConsumerStrategy = "DispatchToSingle"
	StrategyRoundRobin       SystemConsumerStrategy = "RoundRobin"
)

// PersistentSettings tunes a server-side persistent subscription group. They
// are applied on create/update and are owned by the server afterwards.
type PersistentSettings struct {
	ResolveLinks       bool                   `json:"resolve_links"`
	StartFrom          int64                  `json:"start_from"`
	ExtraStats         bool                   `json:"extra_stats"`
	MessageTimeout     time.Duration          `json:"message_timeout"`
	MaxRetryCount      int                    `json:"max_retry_count"`
	LiveBufferSize     int                    `json:"live_buffer_size"`
	ReadBatchSize      int                    `json:"read_batch_size"`
	HistoryBufferSize  int                    `json:"history_buffer_size"`
	CheckpointAfter    time.Duration          `json:"checkpoint_after"`
	MinCheckpointCount int                    `json:"min_checkpoint_count"`
	MaxCheckpointCount int                    `json:"max_checkpoint_count"`
	MaxSubscriberCount int                    `json:"max_subscriber_count"`
	ConsumerStrategy   SystemConsumerStrategy `json:"consumer_strategy"`
}

// DefaultPersistentSettings returns the server defaults. StartFrom -1 means
// "from the end of the stream at creation time"; MaxSubscriberCount 0 means
// unlimited.
func DefaultPersistentSettings() PersistentSettings {
	return PersistentSettings{
		StartFrom:          -1,
		MessageTimeout:     30 * time.Second,
		MaxRetryCount:      500,
		LiveBufferSize:     500,
		ReadBatchSize:      10,
		HistoryBufferSize:  20,
		CheckpointAfter:    2 * time.Second,
		MinCheckpointCount: 10,
		MaxCheckpointCount: 1000,
		ConsumerStrategy:   StrategyRoundRobin,
	}
}

// PersistActionStatus is the outcome of creating, updating or deleting a
// persistent subscription group.
type PersistActionStatus string

const (
	PersistSuccess       PersistActionStatus = "success"
	PersistFail          PersistActionStatus = "fail"
	PersistAlreadyExists PersistActionStatus = "already-exists"
	PersistDoesNotExist  PersistActionStatus = "does-not-exist"
	PersistAccessDenied  PersistActionStatus = "access-denied"
)

// PersistActionResult is returned by persistent subscription management
// operations. Failures are results, not transport errors.
type PersistActionResult struct {
	Status PersistActionStatus
	// Reason optionally carries server-side detail for non-success statuses.
	Reason string
}

func (r PersistActionResult) IsSuccess() bool { return r.Status == PersistSuccess }
