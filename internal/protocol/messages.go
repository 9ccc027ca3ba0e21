// Package protocol defines the WebSocket message types for the execution
// stream. All messages are JSON-encoded and wrapped in an Envelope for
// uniform routing.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/memsandbox/internal/sandbox"
)

// MessageType identifies the kind of message in the WebSocket protocol.
type MessageType string

const (
	// Client → Server
	MsgExecute MessageType = "execute"
	MsgStats   MessageType = "stats"
	MsgPing    MessageType = "ping"

	// Server → Client
	MsgResult        MessageType = "result"
	MsgStatsResponse MessageType = "stats.result"
	MsgPong          MessageType = "pong"

	// Bidirectional
	MsgError MessageType = "error"
)

// Error codes carried in ErrorPayload.
const (
	CodeBadRequest  = "bad_request"
	CodeRateLimited = "rate_limited"
	CodeBusy        = "busy"
	CodeInternal    = "internal"
)

// Envelope is the top-level message wrapper for all WebSocket communication.
// A reply carries the ID of the request it answers.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"` // Message ID for correlation.
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	return Reply(uuid.New().String(), msgType, payload)
}

// Reply creates an Envelope answering the message with the given ID.
func Reply(id string, msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        id,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// ExecutePayload is sent with MsgExecute.
type ExecutePayload struct {
	Code      string          `json:"code"`
	Task      string          `json:"task,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Preset    string          `json:"preset,omitempty"`
	TimeoutMs int64           `json:"timeout_ms,omitempty"`
}

// ResultPayload is sent with MsgResult.
type ResultPayload struct {
	ExecutionID string                  `json:"execution_id"`
	Preset      string                  `json:"preset"`
	Result      sandbox.ExecutionResult `json:"result"`
}

// ErrorPayload is sent with MsgError for requests that never reached the
// sandbox and for protocol-level errors.
type ErrorPayload struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}
