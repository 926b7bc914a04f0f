package es

import (
	"encoding/json"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// EventData is an event to be appended to a stream. The payload is opaque to
// the client; IsJSON only tags the content type for the server and consumers.
type EventData struct {
	// ID is the unique event id. Generated when left empty.
	ID string `json:"id"`
	// Type is the application event type name.
	Type string `json:"type"`
	// IsJSON tags Data (and Metadata) as JSON rather than raw binary.
	IsJSON bool `json:"is_json"`
	// Data is the event payload.
	Data []byte `json:"data"`
	// Metadata is an optional, caller-defined payload stored next to Data.
	Metadata []byte `json:"metadata,omitempty"`
}

// JSONEvent builds an EventData with a JSON-encoded payload.
func JSONEvent(eventType string, payload any) (EventData, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return EventData{}, err
	}
	return EventData{
		ID:     gonanoid.Must(),
		Type:   eventType,
		IsJSON: true,
		Data:   data,
	}, nil
}

// BinaryEvent builds an EventData with a raw binary payload.
func BinaryEvent(eventType string, data []byte) EventData {
	return EventData{
		ID:   gonanoid.Must(),
		Type: eventType,
		Data: data,
	}
}

// WithMetadata returns a copy of e carrying JSON-encoded metadata.
func (e EventData) WithMetadata(metadata any) (EventData, error) {
	data, err := json.Marshal(metadata)
	if err != nil {
		return EventData{}, err
	}
	e.Metadata = data
	return e, nil
}

// RecordedEvent is an event as stored by the server.
type RecordedEvent struct {
	StreamID    string    `json:"stream_id"`
	ID          string    `json:"id"`
	EventNumber int64     `json:"event_number"`
	Type        string    `json:"type"`
	Data        []byte    `json:"data"`
	Metadata    []byte    `json:"metadata,omitempty"`
	IsJSON      bool      `json:"is_json"`
	Created     time.Time `json:"created"`
}

// JSON unmarshals the event payload into v.
func (e RecordedEvent) JSON(v any) error { return json.Unmarshal(e.Data, v) }

// ResolvedEvent is a recorded event plus, when it was reached through a link
// event (projections, $all), the link that pointed at it.
type ResolvedEvent struct {
	Event    *RecordedEvent `json:"event,omitempty"`
	Link     *RecordedEvent `json:"link,omitempty"`
	Position *Position      `json:"position,omitempty"`
}

// IsResolved reports whether the event was reached through a link.
func (r ResolvedEvent) IsResolved() bool { return r.Event != nil && r.Link != nil }

/// OriginalEvent returns the event as it was written to its original stream:
// the link when present, the event itself otherwise.
func (r ResolvedEvent) OriginalEvent() *RecordedEvent {
	if r.Link != nil {
		return r.Link
	}
	return r.Event
}

// OriginalStreamID returns the stream id of the original event, or "" when
// the event is missing (e.g. link to a deleted event).
func (r ResolvedEvent) OriginalStreamID() string {
	if ev := r.OriginalEvent(); ev != nil {
		return ev.StreamID
	}
	return ""
}

// OriginalID returns the id of the original event, or "".
func (r ResolvedEvent) OriginalID() string {
	if ev := r.OriginalEvent(); ev != nil {
		return ev.ID
	}
	return ""
}

// OriginalEventNumber returns the event number of the original event, or -1.
func (r ResolvedEvent) OriginalEventNumber() int64 {
	if ev := r.OriginalEvent(); ev != nil {
		return ev.EventNumber
	}
	return -1
}
