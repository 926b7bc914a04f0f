package transport

import (
	"github.com/codewandler/evstore-go/core/es"
)

// OperationResult is the server's verdict on a write-style operation.
type OperationResult string

const (
	ResultSuccess              OperationResult = "success"
	ResultWrongExpectedVersion OperationResult = "wrong-expected-version"
	ResultStreamDeleted        OperationResult = "stream-deleted"
	ResultAccessDenied         OperationResult = "access-denied"
	ResultBadRequest           OperationResult = "bad-request"
)

// NotHandledReason explains a CmdNotHandled response. NotLeader carries the
// leader's address so the client can re-discover towards it.
type NotHandledReason string

const (
	NotHandledNotLeader NotHandledReason = "not-leader"
	NotHandledNotReady  NotHandledReason = "not-ready"
	NotHandledTooBusy   NotHandledReason = "too-busy"
)

// DropReason is attached to CmdSubscriptionDropped. Terminal reasons end the
// subscription for good; anything else is fair game for resubscription.
type DropReason string

const (
	DropUnsubscribed   DropReason = "unsubscribed"
	DropAccessDenied   DropReason = "access-denied"
	DropNotFound       DropReason = "not-found"
	DropDeleted        DropReason = "persistent-deleted"
	DropServerShutdown DropReason = "server-shutdown"
	DropFailover       DropReason = "failover"
	DropSubscriberMax  DropReason = "max-subscribers-reached"
	// DropSlowConsumer is raised client-side when a subscription's routing
	// buffer overflowed behind a slow consumer.
	DropSlowConsumer DropReason = "slow-consumer"
)

// Terminal reports whether a resubscription attempt would be pointless.
func (r DropReason) Terminal() bool {
	switch r {
	case DropUnsubscribed, DropAccessDenied, DropNotFound, DropDeleted:
		return true
	}
	return false
}

// === session ===

type Identify struct {
	ConnectionName string `json:"connection_name"`
	Login          string `json:"login,omitempty"`
	Password       string `json:"password,omitempty"`
}

type Identified struct {
	ConnectionID string `json:"connection_id"`
}

// === one-shot operations ===

type AppendReq struct {
	Stream          string             `json:"stream"`
	ExpectedVersion es.ExpectedVersion `json:"expected_version"`
	Events          []es.EventData     `json:"events"`
}

type AppendResp struct {
	Result              OperationResult `json:"result"`
	NextExpectedVersion int64           `json:"next_expected_version"`
	Position            es.Position     `json:"position"`
}

type ReadStreamReq struct {
	Stream       string           `json:"stream"`
	From         int64            `json:"from"`
	Count        int              `json:"count"`
	Direction    es.ReadDirection `json:"direction"`
	ResolveLinks bool             `json:"resolve_links"`
}

type ReadStreamResp struct {
	Status          es.ReadStreamStatus `json:"status"`
	Events          []es.ResolvedEvent  `json:"events"`
	NextEventNumber int64               `json:"next_event_number"`
	LastEventNumber int64               `json:"last_event_number"`
	EndOfStream     bool                `json:"end_of_stream"`
	AccessDenied    bool                `json:"access_denied,omitempty"`
}

type ReadAllReq struct {
	From         es.Position      `json:"from"`
	Count        int              `json:"count"`
	Direction    es.ReadDirection `json:"direction"`
	ResolveLinks bool             `json:"resolve_links"`
}

type ReadAllResp struct {
	Events       []es.ResolvedEvent `json:"events"`
	Next         es.Position        `json:"next"`
	EndOfStream  bool               `json:"end_of_stream"`
	AccessDenied bool               `json:"access_denied,omitempty"`
}

type ReadEventReq struct {
	Stream       string `json:"stream"`
	EventNumber  int64  `json:"event_number"`
	ResolveLinks bool   `json:"resolve_links"`
}

type ReadEventResp struct {
	Status       es.ReadEventStatus `json:"status"`
	Event        es.ResolvedEvent   `json:"event"`
	AccessDenied bool               `json:"access_denied,omitempty"`
}

type DeleteStreamReq struct {
	Stream          string             `json:"stream"`
	ExpectedVersion es.ExpectedVersion `json:"expected_version"`
	// Hard tombstones the stream; it can never be recreated.
	Hard bool `json:"hard"`
}

type DeleteStreamResp struct {
	Result   OperationResult `json:"result"`
	Position es.Position     `json:"position"`
}

// PersistentActionKind selects the management operation on a group.
type PersistentActionKind string

const (
	PersistentCreate PersistentActionKind = "create"
	PersistentUpdate PersistentActionKind = "update"
	PersistentDelete PersistentActionKind = "delete"
)

type PersistentActionReq struct {
	Kind     PersistentActionKind  `json:"kind"`
	Stream   string                `json:"stream"`
	Group    string                `json:"group"`
	Settings es.PersistentSettings `json:"settings"`
}

type PersistentActionResp struct {
	Status es.PersistActionStatus `json:"status"`
	Reason string                 `json:"reason,omitempty"`
}

// === subscriptions ===

type SubscribeReq struct {
	// Stream is a stream name or es.AllStream.
	Stream       string `json:"stream"`
	ResolveLinks bool   `json:"resolve_links"`
}

type ConnectPersistentReq struct {
	Stream string `json:"stream"`
	Group  string `json:"group"`
	// BufferSize is the number of in-flight (unacknowledged) events the
	// server may push to this consumer.
	BufferSize int `json:"buffer_size"`
}

type SubscriptionConfirmed struct {
	SubscriptionID     string `json:"subscription_id"`
	LastCommitPosition int64  `json:"last_commit_position"`
	LastEventNumber    int64  `json:"last_event_number"`
	// PersistentID is set only for persistent subscriptions.
	PersistentID string `json:"persistent_id,omitempty"`
}

type EventAppeared struct {
	Event      es.ResolvedEvent `json:"event"`
	RetryCount int              `json:"retry_count,omitempty"`
}

type UnsubscribeReq struct{}

type SubscriptionDropped struct {
	Reason DropReason `json:"reason"`
}

type AckEvents struct {
	SubscriptionID string   `json:"subscription_id"`
	EventIDs       []string `json:"event_ids"`
}

type NakEvents struct {
	SubscriptionID string       `json:"subscription_id"`
	EventIDs       []string     `json:"event_ids"`
	Action         es.NakAction `json:"action"`
	Message        string       `json:"message,omitempty"`
}

type NotHandled struct {
	Reason NotHandledReason `json:"reason"`
	// LeaderHost/LeaderPort are set when Reason is NotHandledNotLeader.
	LeaderHost string `json:"leader_host,omitempty"`
	LeaderPort int    `json:"leader_port,omitempty"`
}

// NewPayload returns a zero value of the payload type for cmd, for codecs
// that need a concrete type to decode into. Returns nil for commands that
// carry no payload.
func NewPayload(cmd Command) any {
	switch cmd {
	case CmdIdentify:
		return &Identify{}
	case CmdIdentified:
		return &Identified{}
	case CmdAppend:
		return &AppendReq{}
	case CmdAppendCompleted:
		return &AppendResp{}
	case CmdReadStream:
		return &ReadStreamReq{}
	case CmdReadStreamCompleted:
		return &ReadStreamResp{}
	case CmdReadAll:
		return &ReadAllReq{}
	case CmdReadAllCompleted:
		return &ReadAllResp{}
	case CmdReadEvent:
		return &ReadEventReq{}
	case CmdReadEventCompleted:
		return &ReadEventResp{}
	case CmdDeleteStream:
		return &DeleteStreamReq{}
	case CmdDeleteStreamCompleted:
		return &DeleteStreamResp{}
	case CmdPersistentAction:
		return &PersistentActionReq{}
	case CmdPersistentActionResult:
		return &PersistentActionResp{}
	case CmdSubscribe:
		return &SubscribeReq{}
	case CmdConnectPersistent:
		return &ConnectPersistentReq{}
	case CmdSubscriptionConfirmed:
		return &SubscriptionConfirmed{}
	case CmdEventAppeared:
		return &EventAppeared{}
	case CmdUnsubscribe:
		return &UnsubscribeReq{}
	case CmdSubscriptionDropped:
		return &SubscriptionDropped{}
	case CmdAckEvents:
		return &AckEvents{}
	case CmdNakEvents:
		return &NakEvents{}
	case CmdNotHandled:
		return &NotHandled{}
	}
	return nil
}
