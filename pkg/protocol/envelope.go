// Package protocol defines the JSON envelopes exchanged with the signaling
// server.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

const ProtocolVersion = 1

// Envelope wraps all signaling messages with routing metadata. The server
// fills From; clients fill To.
type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	MsgID   string          `json:"msg_id"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope creates an envelope of msgType with payload marshaled to JSON.
// An empty msgID is replaced with a fresh one.
func NewEnvelope(msgType, msgID string, payload any) (Envelope, error) {
	var rawPayload json.RawMessage
	if payload != nil {
		var err error
		rawPayload, err = json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal payload: %w", err)
		}
	}
	if msgID == "" {
		msgID = NewMsgID()
	}
	return Envelope{
		V:       ProtocolVersion,
		Type:    msgType,
		MsgID:   msgID,
		Payload: rawPayload,
	}, nil
}

// NewErrorEnvelope builds an error envelope addressed to to.
func NewErrorEnvelope(to, code, message string) Envelope {
	env, _ := NewEnvelope(TypeError, "", Error{Code: code, Message: message})
	env.To = to
	return env
}

// DecodePayload unmarshals the envelope's payload into out.
func (e Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return errors.New("payload is empty")
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// ValidateBasic checks the fields every envelope must carry.
func (e Envelope) ValidateBasic() error {
	if e.V != ProtocolVersion {
		return fmt.Errorf("invalid protocol version: got %d, expected %d", e.V, ProtocolVersion)
	}
	if e.Type == "" {
		return errors.New("type is required")
	}
	if e.MsgID == "" {
		return errors.New("msg_id is required")
	}
	return nil
}

// NewMsgID returns a random message identifier.
func NewMsgID() string {
	return uuid.NewString()
}
