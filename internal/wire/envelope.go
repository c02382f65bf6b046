// Package wire encodes and decodes the typed envelopes exchanged with the
// trading backend: {"type": string, "payload": object, "timestamp": epoch-ms}.
package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"tradedesk-sync/internal/common"

	"github.com/bytedance/sonic"
)

var (
	emptyPayload = json.RawMessage(`{}`)
	nullPayload  = []byte("null")
)

// Envelope is a single frame on the wire. Values are never mutated after
// they are decoded or built.
type Envelope struct {
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// DecodeError reports a frame that could not be turned into an Envelope.
type DecodeError struct {
	Frame []byte
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode envelope: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// New builds an envelope stamped with now. A nil payload is encoded as {}.
func New(msgType string, payload any, now time.Time) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Payload: raw, Timestamp: now.UnixMilli()}, nil
}

// Heartbeat builds the control frame sent on the heartbeat interval.
func Heartbeat(now time.Time) Envelope {
	return Envelope{Type: common.TypeHeartbeat, Payload: emptyPayload, Timestamp: now.UnixMilli()}
}

// IsControl reports whether the envelope is a control frame that must never
// reach the domain reducers.
func (e Envelope) IsControl() bool {
	return e.Type == common.TypeHeartbeat
}

// Time returns the sender timestamp.
func (e Envelope) Time() time.Time {
	return time.UnixMilli(e.Timestamp)
}

// HasPayload reports whether the envelope carries a payload other than null.
func (e Envelope) HasPayload() bool {
	p := bytes.TrimSpace(e.Payload)
	return len(p) > 0 && !bytes.Equal(p, nullPayload)
}

// DecodePayload unmarshals the payload into v. A missing or null payload is
// an error, so a reducer never sees a zero value it did not receive.
func (e Envelope) DecodePayload(v any) error {
	if !e.HasPayload() {
		return fmt.Errorf("%s: empty payload", e.Type)
	}
	if err := sonic.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%s payload: %w", e.Type, err)
	}
	return nil
}

// Encode serializes an envelope for a text frame.
func Encode(e Envelope) ([]byte, error) {
	if len(e.Payload) == 0 {
		e.Payload = emptyPayload
	}
	data, err := sonic.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode %s envelope: %w", e.Type, err)
	}
	return data, nil
}

// Decode parses one inbound text frame. Any failure is a *DecodeError.
func Decode(frame []byte) (Envelope, error) {
	var e Envelope
	if err := sonic.Unmarshal(frame, &e); err != nil {
		return Envelope{}, &DecodeError{Frame: frame, Err: err}
	}
	if e.Type == "" {
		return Envelope{}, &DecodeError{Frame: frame, Err: fmt.Errorf("missing type")}
	}
	if p := bytes.TrimSpace(e.Payload); len(p) > 0 && p[0] != '{' && p[0] != '[' && !bytes.Equal(p, nullPayload) {
		return Envelope{}, &DecodeError{Frame: frame, Err: fmt.Errorf("payload of %s is not an object", e.Type)}
	}
	return e, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return emptyPayload, nil
	case json.RawMessage:
		if len(p) == 0 {
			return emptyPayload, nil
		}
		return p, nil
	case []byte:
		if len(p) == 0 {
			return emptyPayload, nil
		}
		return json.RawMessage(p), nil
	default:
		data, err := sonic.Marshal(p)
		if err != nil {
			return nil, err
		}
		return json.RawMessage(data), nil
	}
}
