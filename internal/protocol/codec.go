package protocol

import (
	"bytes"
	"encoding/json"
)

// Codec converts messages to and from bytes. Decode returns only messages
// that passed Validate; both directions report failures as *Error with
// kind InvalidMessage.
type Codec interface {
	Encode(m Message) ([]byte, error)
	Decode(data []byte) (Message, error)
}

// JSONCodec is the default codec: a {"type", "body"} JSON envelope.
type JSONCodec struct{}

type envelope struct {
	Type string          `json:"type"`
	Body json.RawMessage `json:"body,omitempty"`
}

// Encode validates m and wraps it in an envelope.
func (JSONCodec) Encode(m Message) ([]byte, error) {
	if err := m.Validate(); err != nil {
		return nil, Errorf(KindInvalidMessage, "encode %s: %v", m.Type(), err)
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, Errorf(KindInvalidMessage, "encode %s: %v", m.Type(), err)
	}
	return json.Marshal(envelope{Type: m.Type(), Body: body})
}

// Decode parses an envelope, rejecting unknown types and unknown body
// fields, then validates the message.
func (JSONCodec) Decode(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, Errorf(KindInvalidMessage, "decode envelope: %v", err)
	}
	m, err := newMessage(env.Type)
	if err != nil {
		return nil, err
	}
	if len(env.Body) > 0 {
		dec := json.NewDecoder(bytes.NewReader(env.Body))
		dec.DisallowUnknownFields()
		if err := dec.Decode(m); err != nil {
			return nil, Errorf(KindInvalidMessage, "decode %s: %v", env.Type, err)
		}
	}
	msg := deref(m)
	if err := msg.Validate(); err != nil {
		return nil, Errorf(KindInvalidMessage, "%s: %v", env.Type, err)
	}
	return msg, nil
}

// newMessage returns a pointer to decode a body of type t into.
func newMessage(t string) (any, error) {
	switch t {
	case TypeConnect:
		return &Connect{}, nil
	case TypeConnected:
		return &Connected{}, nil
	case TypePush:
		return &PushRequest{}, nil
	case TypePushResponse:
		return &PushResponse{}, nil
	case TypePull:
		return &PullRequest{}, nil
	case TypePullResponse:
		return &PullResponse{}, nil
	case TypePoke:
		return &Poke{}, nil
	case TypePing:
		return &Ping{}, nil
	case TypePong:
		return &Pong{}, nil
	case TypeError:
		return &Error{}, nil
	}
	return nil, Errorf(KindInvalidMessage, "unknown message type %q", t)
}

// deref turns the decode target back into the value form callers switch on.
// Errors stay pointers.
func deref(m any) Message {
	switch m := m.(type) {
	case *Connect:
		return *m
	case *Connected:
		return *m
	case *PushRequest:
		return *m
	case *PushResponse:
		return *m
	case *PullRequest:
		return *m
	case *PullResponse:
		return *m
	case *Poke:
		return *m
	case *Ping:
		return *m
	case *Pong:
		return *m
	case *Error:
		return m
	}
	panic("protocol: unhandled message type")
}
