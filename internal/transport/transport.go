// Package transport moves protocol messages over framed byte links.
//
// A Hub serves many dialing endpoints; a Client is the endpoint's single
// link to the controller. Both report connect, disconnect, inbound messages
// and decode failures through a Handler and never let I/O errors escape as
// panics.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"capsync/internal/protocol"
)

// MaxFrameSize bounds one payload on the wire.
const MaxFrameSize = 1 << 20

var (
	ErrNotConnected  = errors.New("peer not connected")
	ErrClosed        = errors.New("transport closed")
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	ErrRejected      = errors.New("connection rejected")
)

// Kind classifies a transport failure.
type Kind int

const (
	KindIO Kind = iota
	KindNotConnected
	KindSerialization
	KindClosed
)

func (k Kind) String() string {
	switch k {
	case KindNotConnected:
		return "not connected"
	case KindSerialization:
		return "serialization"
	case KindClosed:
		return "closed"
	default:
		return "io"
	}
}

// Error is returned by Send and reported to Handler.OnError.
type Error struct {
	Op   string
	Peer string
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Peer == "" {
		return fmt.Sprintf("transport %s (%s): %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("transport %s %s (%s): %v", e.Op, e.Peer, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or KindIO if err is not a transport error.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindIO
}

// Transport sends messages to connected peers.
type Transport interface {
	Send(ctx context.Context, peerID string, m protocol.Message) error
	// Broadcast is best effort: every peer is attempted and the per-peer
	// outcome is returned (nil value means delivered).
	Broadcast(ctx context.Context, m protocol.Message) map[string]error
	Peers() []string
	Close() error
}

// Peer describes the remote side of an established link.
type Peer struct {
	ID      string
	Role    protocol.Role
	Address string
	NATType string
	Remote  string
}

// Inbound is a decoded message with the local time (unix ms) its frame was read.
type Inbound struct {
	Msg        protocol.Message
	Source     string
	ReceivedAt int64
}

// Handler receives link events. Messages from one peer are delivered in
// order on a single goroutine; different peers may be delivered concurrently.
type Handler interface {
	OnConnect(p Peer)
	OnMessage(in Inbound)
	// OnDisconnect reports a closed link. err is nil after a graceful DISCONNECT.
	OnDisconnect(peerID string, err error)
	OnError(peerID string, err error)
}

// HandlerFuncs adapts functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	Connect    func(Peer)
	Message    func(Inbound)
	Disconnect func(string, error)
	Error      func(string, error)
}

func (f HandlerFuncs) OnConnect(p Peer) {
	if f.Connect != nil {
		f.Connect(p)
	}
}

func (f HandlerFuncs) OnMessage(in Inbound) {
	if f.Message != nil {
		f.Message(in)
	}
}

func (f HandlerFuncs) OnDisconnect(id string, err error) {
	if f.Disconnect != nil {
		f.Disconnect(id, err)
	}
}

func (f HandlerFuncs) OnError(id string, err error) {
	if f.Error != nil {
		f.Error(id, err)
	}
}

// Conn is one framed, bidirectional byte link.
type Conn interface {
	ReadFrame() ([]byte, error)
	// WriteFrame writes one frame; a zero deadline means none.
	WriteFrame(p []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	RemoteAddr() string
	Close() error
}

// Listener accepts framed links.
type Listener interface {
	Accept() (Conn, error)
	Addr() string
	Close() error
}
