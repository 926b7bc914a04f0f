package nats

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/codewandler/evstore-go/core/transport"
)

// frame is the wire encoding of one transport.Package. ReplyTo carries the
// sender's inbox on client frames so the node knows where to push responses
// and subscription events.
type frame struct {
	Command       transport.Command `json:"cmd"`
	CorrelationID string            `json:"cid"`
	ReplyTo       string            `json:"reply_to,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
}

func encodeFrame(pkg transport.Package, replyTo string) ([]byte, error) {
	f := frame{
		Command:       pkg.Command,
		CorrelationID: pkg.CorrelationID,
		ReplyTo:       replyTo,
	}
	if pkg.Payload != nil {
		raw, err := json.Marshal(pkg.Payload)
		if err != nil {
			return nil, fmt.Errorf("nats: encode %s payload: %w", pkg.Command, err)
		}
		f.Payload = raw
	}
	return json.Marshal(f)
}

// decodeFrame rebuilds a Package. The payload is decoded into the concrete
// type registered for the command and carried by value, matching what the
// in-process transport delivers.
func decodeFrame(data []byte) (transport.Package, string, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return transport.Package{}, "", fmt.Errorf("nats: decode frame: %w", err)
	}

	pkg := transport.Package{
		Command:       f.Command,
		CorrelationID: f.CorrelationID,
	}

	target := transport.NewPayload(f.Command)
	if target == nil || len(f.Payload) == 0 {
		return pkg, f.ReplyTo, nil
	}
	if err := json.Unmarshal(f.Payload, target); err != nil {
		return transport.Package{}, "", fmt.Errorf("nats: decode %s payload: %w", f.Command, err)
	}
	pkg.Payload = reflect.ValueOf(target).Elem().Interface()
	return pkg, f.ReplyTo, nil
}
