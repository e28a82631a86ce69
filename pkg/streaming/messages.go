package streaming

import (
	"encoding/json"
	"fmt"

	"github.com/markersync/markersync/pkg/core"
)

// Message type constants of the feed protocol.
const (
	TypeSubscribe = "subscribe"
	TypeEvent     = "event"
	TypeAck       = "ack"
	TypeError     = "error"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AckMessage is the server's acknowledgement response.
type AckMessage struct {
	Type string `json:"type"` // always "ack"
	For  string `json:"for"`  // the message type being acknowledged
}

// SubscribePayload is sent by the client right after the connection opens.
type SubscribePayload struct {
	Topic     string         `json:"topic"`
	Predicate core.Predicate `json:"predicate"`
}

// EventPayload carries one change of the topic.
type EventPayload struct {
	Topic string     `json:"topic"`
	Event core.Event `json:"event"`
}

// ErrorPayload reports a server-side refusal before the connection is closed.
type ErrorPayload struct {
	Message string `json:"message"`
}

// NewEnvelope marshals payload into an envelope of the given type.
func NewEnvelope(typ string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: typ}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{Type: typ, Payload: raw}, nil
}

// Encode builds and marshals an envelope in one step.
func Encode(typ string, payload any) ([]byte, error) {
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

// Decode unmarshals an envelope payload into out, checking the type first.
func (e Envelope) Decode(typ string, out any) error {
	if e.Type != typ {
		return fmt.Errorf("unexpected message type %q, want %q", e.Type, typ)
	}
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s message without payload", typ)
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", typ, err)
	}
	return nil
}
