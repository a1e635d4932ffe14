package protocol

import (
	"fmt"
	"strings"
)

// WireVersion is the first byte of every payload.
const WireVersion uint8 = 1

// headerLen is version + codec id.
const headerLen = 2

type envelope struct {
	Type      uint16   `json:"v" cbor:"1,keyasint"`
	Sender    string   `json:"s" cbor:"2,keyasint"`
	Timestamp int64    `json:"ts" cbor:"3,keyasint"`
	Session   string   `json:"sid,omitempty" cbor:"4,keyasint,omitempty"`
	Params    []string `json:"p,omitempty" cbor:"5,keyasint,omitempty"`
}

// Encode renders m as a payload: version, codec id, encoded envelope.
func Encode(m Message, c Codec) ([]byte, error) {
	if c == nil {
		c = JSON()
	}
	if !m.Type.Valid() {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, m.Type)
	}
	if m.SenderID == "" {
		return nil, fmt.Errorf("%w: empty sender id", ErrMalformed)
	}
	body, err := c.Marshal(envelope{
		Type:      uint16(m.Type),
		Sender:    m.SenderID,
		Timestamp: m.Timestamp,
		Session:   m.SessionID,
		Params:    m.Params(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Type, err)
	}
	out := make([]byte, 0, headerLen+len(body))
	out = append(out, WireVersion, byte(c.ID()))
	return append(out, body...), nil
}

// Decode parses a payload produced by Encode with any registered codec.
// All failures are *DecodeError.
func Decode(payload []byte) (Message, error) {
	if len(payload) < headerLen {
		return Message{}, decodeErr(0, ErrMalformed, "payload too short (%d bytes)", len(payload))
	}
	if payload[0] != WireVersion {
		return Message{}, decodeErr(0, ErrUnsupportedVersion, "wire version %d", payload[0])
	}
	c, err := CodecByID(CodecID(payload[1]))
	if err != nil {
		return Message{}, decodeErr(0, err, "codec id %d", payload[1])
	}
	var env envelope
	if err := c.Unmarshal(payload[headerLen:], &env); err != nil {
		return Message{}, decodeErr(0, err, "%s envelope: %v", c.Name(), err)
	}
	t := Type(env.Type)
	if !t.Valid() {
		return Message{}, decodeErr(env.Type, ErrUnknownType, "unknown type code")
	}
	if strings.TrimSpace(env.Sender) == "" {
		return Message{}, decodeErr(env.Type, ErrMalformed, "empty sender id")
	}
	body, err := decodeBody(t, env.Params)
	if err != nil {
		return Message{}, decodeErr(env.Type, ErrMalformed, "%s params: %v", t, err)
	}
	return Message{
		Type:      t,
		SenderID:  env.Sender,
		Timestamp: env.Timestamp,
		SessionID: env.Session,
		Body:      body,
	}, nil
}
