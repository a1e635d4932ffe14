// Package protocol defines the typed, timestamped envelope exchanged between
// the controller and capture endpoints, and its versioned wire encoding.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Message is the unit of communication. Timestamp is the sender's local clock
// in unix milliseconds at construction and is never offset-adjusted.
// Values are immutable once built by one of the constructors.
type Message struct {
	Type      Type
	SenderID  string
	Timestamp int64
	SessionID string
	Body      Body
}

// Body is the family-specific payload of a Message.
type Body interface {
	params() []string
	accepts(t Type) bool
}

// Command starts or stops recording. Args are passed through to the capture layer.
type Command struct {
	Args []string
}

// StatusQuery asks an endpoint for its device status.
type StatusQuery struct{}

// Ping opens a time-sync exchange. OffsetHint and RTTHint carry the master's
// latest estimate for the receiving endpoint (0 before the first exchange).
type Ping struct {
	Origin     int64
	OffsetHint int64
	RTTHint    int64
}

// Pong answers a Ping with the endpoint's receive and transmit times.
type Pong struct {
	Origin   int64
	Receive  int64
	Transmit int64
}

// Marker announces a synchronization event.
type Marker struct {
	ID     string
	Kind   MarkerKind
	SentAt int64
}

// Connect is the first frame a dialing endpoint sends.
type Connect struct {
	Role    Role
	Address string
	NATType string
}

// Disconnect announces a graceful close.
type Disconnect struct {
	Reason string
}

// Heartbeat is a liveness probe.
type Heartbeat struct {
	SentAt int64
}

// Response is carried by ACK, NACK and ERROR. RefType and RefTimestamp identify
// the message being answered.
type Response struct {
	Code         StatusCode
	RefType      Type
	RefTimestamp int64
	Text         string
	Data         []string
}

func (b Command) params() []string      { return append([]string(nil), b.Args...) }
func (b Command) accepts(t Type) bool   { return t == TypeStart || t == TypeStop }
func (StatusQuery) params() []string    { return nil }
func (StatusQuery) accepts(t Type) bool { return t == TypeStatus }

func (b Ping) params() []string {
	return []string{itoa(b.Origin), itoa(b.OffsetHint), itoa(b.RTTHint)}
}
func (Ping) accepts(t Type) bool { return t == TypePing }

func (b Pong) params() []string {
	return []string{itoa(b.Origin), itoa(b.Receive), itoa(b.Transmit)}
}
func (Pong) accepts(t Type) bool { return t == TypePong }

func (b Marker) params() []string {
	return []string{b.ID, string(b.Kind), itoa(b.SentAt)}
}
func (Marker) accepts(t Type) bool { return t == TypeMarker }

func (b Connect) params() []string {
	return []string{string(b.Role), b.Address, b.NATType}
}
func (Connect) accepts(t Type) bool { return t == TypeConnect }

func (b Disconnect) params() []string  { return []string{b.Reason} }
func (Disconnect) accepts(t Type) bool { return t == TypeDisconnect }

func (b Heartbeat) params() []string  { return []string{itoa(b.SentAt)} }
func (Heartbeat) accepts(t Type) bool { return t == TypeHeartbeat }

func (b Response) params() []string {
	p := []string{
		strconv.Itoa(int(b.Code)),
		strconv.Itoa(int(b.RefType)),
		itoa(b.RefTimestamp),
		b.Text,
	}
	return append(p, b.Data...)
}
func (Response) accepts(t Type) bool { return t == TypeAck || t == TypeNack || t == TypeError }

// New builds a Message, checking that the body belongs to the type.
func New(t Type, senderID string, ts int64, sessionID string, body Body) (Message, error) {
	if !t.Valid() {
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
	if strings.TrimSpace(senderID) == "" {
		return Message{}, fmt.Errorf("%w: empty sender id", ErrMalformed)
	}
	if body == nil || !body.accepts(t) {
		return Message{}, fmt.Errorf("%w: body %T does not fit %s", ErrMalformed, body, t)
	}
	return Message{Type: t, SenderID: senderID, Timestamp: ts, SessionID: sessionID, Body: copyBody(body)}, nil
}

// MustNew is New for statically known inputs; it panics on programmer error.
func MustNew(t Type, senderID string, ts int64, sessionID string, body Body) Message {
	m, err := New(t, senderID, ts, sessionID, body)
	if err != nil {
		panic(err)
	}
	return m
}

// Params returns the positional wire parameters of m.
func (m Message) Params() []string {
	if m.Body == nil {
		return nil
	}
	return m.Body.params()
}

func (m Message) String() string {
	return fmt.Sprintf("%s from=%s ts=%d session=%q params=%q", m.Type, m.SenderID, m.Timestamp, m.SessionID, m.Params())
}

func copyBody(b Body) Body {
	switch v := b.(type) {
	case Command:
		v.Args = append([]string(nil), v.Args...)
		return v
	case Response:
		v.Data = append([]string(nil), v.Data...)
		return v
	}
	return b
}

// decodeBody rebuilds the typed body of t from its positional params.
func decodeBody(t Type, p []string) (Body, error) {
	switch t {
	case TypeStart, TypeStop:
		return Command{Args: append([]string(nil), p...)}, nil
	case TypeStatus:
		return StatusQuery{}, nil
	case TypePing:
		v, err := int64s(p, 3)
		if err != nil {
			return nil, err
		}
		return Ping{Origin: v[0], OffsetHint: v[1], RTTHint: v[2]}, nil
	case TypePong:
		v, err := int64s(p, 3)
		if err != nil {
			return nil, err
		}
		return Pong{Origin: v[0], Receive: v[1], Transmit: v[2]}, nil
	case TypeMarker:
		if len(p) != 3 {
			return nil, fmt.Errorf("marker wants 3 params, got %d", len(p))
		}
		kind := MarkerKind(p[1])
		if p[0] == "" || !kind.Valid() {
			return nil, fmt.Errorf("invalid marker id %q or kind %q", p[0], p[1])
		}
		sent, err := strconv.ParseInt(p[2], 10, 64)
		if err != nil {
			return nil, err
		}
		return Marker{ID: p[0], Kind: kind, SentAt: sent}, nil
	case TypeConnect:
		if len(p) != 3 {
			return nil, fmt.Errorf("connect wants 3 params, got %d", len(p))
		}
		return Connect{Role: Role(p[0]), Address: p[1], NATType: p[2]}, nil
	case TypeDisconnect:
		if len(p) != 1 {
			return nil, fmt.Errorf("disconnect wants 1 param, got %d", len(p))
		}
		return Disconnect{Reason: p[0]}, nil
	case TypeHeartbeat:
		v, err := int64s(p, 1)
		if err != nil {
			return nil, err
		}
		return Heartbeat{SentAt: v[0]}, nil
	case TypeAck, TypeNack, TypeError:
		if len(p) < 4 {
			return nil, fmt.Errorf("response wants at least 4 params, got %d", len(p))
		}
		code, err := strconv.Atoi(p[0])
		if err != nil {
			return nil, err
		}
		ref, err := strconv.Atoi(p[1])
		if err != nil {
			return nil, err
		}
		refTS, err := strconv.ParseInt(p[2], 10, 64)
		if err != nil {
			return nil, err
		}
		return Response{
			Code:         StatusCode(code),
			RefType:      Type(ref),
			RefTimestamp: refTS,
			Text:         p[3],
			Data:         append([]string(nil), p[4:]...),
		}, nil
	}
	return nil, ErrUnknownType
}

func int64s(p []string, n int) ([]int64, error) {
	if len(p) != n {
		return nil, fmt.Errorf("want %d params, got %d", n, len(p))
	}
	out := make([]int64, n)
	for i, s := range p {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
