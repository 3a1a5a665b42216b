package dispatch

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/conductor/internal/value"
)

// envelopeVersion is the wire version of encoded envelopes.
const envelopeVersion = 1

type wireEnvelope struct {
	Version    int             `json:"version"`
	RequestID  int64           `json:"request_id"`
	SenderID   string          `json:"sender_id"`
	ReceiverID string          `json:"receiver_id"`
	Type       string          `json:"type"`
	Message    json.RawMessage `json:"message"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// messageTypes is the closed set of decodable messages.
var messageTypes = map[string]func() Message{
	"ping":      func() Message { return &Ping{} },
	"execution": func() Message { return &Execution{} },
	"event":     func() Message { return &Event{} },
	"accepted":  func() Message { return &Accepted{} },
	"failed":    func() Message { return &Failed{} },
	"done":      func() Message { return &Done{} },
	"pong":      func() Message { return &Pong{} },
}

// EncodeEnvelope serializes an envelope to JSON.
func EncodeEnvelope(env Envelope) ([]byte, error) {
	if env.Message == nil {
		return nil, fmt.Errorf("encode envelope %d: no message", env.RequestID)
	}
	body, err := json.Marshal(env.Message)
	if err != nil {
		return nil, fmt.Errorf("encode envelope %d: %w", env.RequestID, err)
	}
	w := wireEnvelope{
		Version:    envelopeVersion,
		RequestID:  env.RequestID,
		SenderID:   env.SenderID,
		ReceiverID: env.ReceiverID,
		Type:       env.Message.messageType(),
		Message:    body,
	}
	if ev, ok := env.Message.(Event); ok {
		payload := ev.Payload
		if payload == nil {
			payload = value.Null{}
		}
		if w.Payload, err = value.MarshalCanonical(payload); err != nil {
			return nil, fmt.Errorf("encode envelope %d payload: %w", env.RequestID, err)
		}
	}
	return json.Marshal(w)
}

// DecodeEnvelope parses JSON produced by EncodeEnvelope. Unknown message
// types are rejected.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	if w.Version != envelopeVersion {
		return Envelope{}, fmt.Errorf("decode envelope: unsupported version %d", w.Version)
	}
	newMsg, ok := messageTypes[w.Type]
	if !ok {
		return Envelope{}, fmt.Errorf("decode envelope: unknown message type %q", w.Type)
	}
	ptr := newMsg()
	if len(w.Message) > 0 {
		if err := json.Unmarshal(w.Message, ptr); err != nil {
			return Envelope{}, fmt.Errorf("decode %s message: %w", w.Type, err)
		}
	}

	var msg Message
	switch m := ptr.(type) {
	case *Ping:
		msg = *m
	case *Execution:
		msg = *m
	case *Event:
		m.Payload = value.Null{}
		if len(w.Payload) > 0 {
			payload, err := value.Decode(w.Payload)
			if err != nil {
				return Envelope{}, fmt.Errorf("decode event payload: %w", err)
			}
			m.Payload = payload
		}
		msg = *m
	case *Accepted:
		msg = *m
	case *Failed:
		msg = *m
	case *Done:
		msg = *m
	case *Pong:
		msg = *m
	}
	return Envelope{
		RequestID:  w.RequestID,
		SenderID:   w.SenderID,
		ReceiverID: w.ReceiverID,
		Message:    msg,
	}, nil
}
