package changefeed

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MessageType is the envelope discriminator on the wire.
type MessageType string

const (
	TypeConnection MessageType = "connection"
	TypeData       MessageType = "data"
	TypeError      MessageType = "error"
	TypeHeartbeat  MessageType = "heartbeat"
	TypeTest       MessageType = "test"
)

// Valid reports whether t is one of the five envelope types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeConnection, TypeData, TypeError, TypeHeartbeat, TypeTest:
		return true
	}
	return false
}

// Envelope wraps everything sent to a stream client.
type Envelope struct {
	Type      MessageType `json:"type"`
	Data      *Event      `json:"data,omitempty"`
	Message   string      `json:"message,omitempty"`
	Error     string      `json:"error,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// ErrMalformedEnvelope is returned by DecodeEnvelope for payloads a client
// must ignore.
var ErrMalformedEnvelope = errors.New("malformed envelope")

// NewEnvelope stamps an envelope with the send time.
func NewEnvelope(typ MessageType, now time.Time) Envelope {
	return Envelope{Type: typ, Timestamp: now.UTC().Format(time.RFC3339Nano)}
}

// DataEnvelope wraps a change event.
func DataEnvelope(evt *Event, now time.Time) Envelope {
	env := NewEnvelope(TypeData, now)
	env.Data = evt
	return env
}

// MessageEnvelope builds a connection, heartbeat or test envelope with a
// human readable message.
func MessageEnvelope(typ MessageType, msg string, now time.Time) Envelope {
	env := NewEnvelope(typ, now)
	env.Message = msg
	return env
}

// ErrorEnvelope builds an error envelope.
func ErrorEnvelope(msg string, err error, now time.Time) Envelope {
	env := NewEnvelope(TypeError, now)
	env.Message = msg
	if err != nil {
		env.Error = err.Error()
	}
	return env
}

// Encode renders the envelope as JSON.
func (e Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a wire message and rejects anything without a known
// type or a timestamp.
func DecodeEnvelope(raw []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}
	if !env.Type.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEnvelope, env.Type)
	}
	if env.Timestamp == "" {
		return nil, fmt.Errorf("%w: missing timestamp", ErrMalformedEnvelope)
	}
	if env.Type == TypeData && env.Data == nil {
		return nil, fmt.Errorf("%w: data envelope without event", ErrMalformedEnvelope)
	}
	return &env, nil
}
