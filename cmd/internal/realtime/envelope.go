package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// Version is the wire protocol version carried in every envelope.
	Version = 1

	TypeHello        = "hello"
	TypeHelloAck     = "hello.ack"
	TypeHeartbeat    = "presence.heartbeat"
	TypeHeartbeatAck = "presence.heartbeat.ack"
	TypeSessionEnded = "session.ended"
	TypeError        = "error"
)

var allowedTypes = map[string]struct{}{
	TypeHello:        {},
	TypeHelloAck:     {},
	TypeHeartbeat:    {},
	TypeHeartbeatAck: {},
	TypeSessionEnded: {},
	TypeError:        {},
}

// Envelope is the framing for every message on the presence channel.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

// Validate checks framing invariants, not payload contents.
func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := allowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

type HelloPayload struct{}

// HelloAckPayload confirms the authenticated connection and tells the
// client how often to heartbeat.
type HelloAckPayload struct {
	ConnID       string `json:"conn_id"`
	AccountID    string `json:"account_id"`
	Role         string `json:"role"`
	HeartbeatSec int    `json:"heartbeat_sec"`
}

type HeartbeatPayload struct{}

type HeartbeatAckPayload struct {
	ConnID string `json:"conn_id"`
}

// SessionEndedPayload announces why the server is closing the connection.
type SessionEndedPayload struct {
	Reason string `json:"reason"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) Envelope {
	return Envelope{
		V:       Version,
		Type:    typ,
		ID:      uuid.NewString(),
		TS:      ts,
		Payload: payload,
	}
}
