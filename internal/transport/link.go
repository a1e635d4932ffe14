package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"capsync/internal/clock"
	"capsync/internal/protocol"
)

const defaultQueueSize = 64

// link is one established connection to a known peer.
type link struct {
	peer         string
	conn         Conn
	codec        protocol.Codec
	writeTimeout time.Duration

	wmu       sync.Mutex
	closeOnce sync.Once
	closed    chan struct{}
	graceful  atomic.Bool
}

func newLink(peer string, conn Conn, codec protocol.Codec, writeTimeout time.Duration) *link {
	return &link{peer: peer, conn: conn, codec: codec, writeTimeout: writeTimeout, closed: make(chan struct{})}
}

func (l *link) send(ctx context.Context, m protocol.Message) error {
	payload, err := protocol.Encode(m, l.codec)
	if err != nil {
		return &Error{Op: "send", Peer: l.peer, Kind: KindSerialization, Err: err}
	}
	return l.write(ctx, payload)
}

func (l *link) write(ctx context.Context, payload []byte) error {
	select {
	case <-l.closed:
		return &Error{Op: "send", Peer: l.peer, Kind: KindClosed, Err: ErrClosed}
	default:
	}
	if err := ctx.Err(); err != nil {
		return &Error{Op: "send", Peer: l.peer, Kind: KindIO, Err: err}
	}
	deadline := time.Now().Add(l.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	l.wmu.Lock()
	err := l.conn.WriteFrame(payload, deadline)
	l.wmu.Unlock()
	if err != nil {
		// A failed or partial write leaves the stream unaligned.
		l.close()
		return &Error{Op: "send", Peer: l.peer, Kind: KindIO, Err: err}
	}
	return nil
}

func (l *link) close() {
	l.closeOnce.Do(func() {
		close(l.closed)
		_ = l.conn.Close()
	})
}

type readOptions struct {
	idle      time.Duration
	queueSize int
	clock     clock.Clock
	log       *zap.Logger
}

// run reads frames until the link fails and returns the read error. Decoded
// messages are stamped with their read time and handed to h on a dispatch
// goroutine, so a slow handler never delays timestamp capture. A frame that
// fails to decode is reported and skipped.
func (l *link) run(h Handler, o readOptions) error {
	size := o.queueSize
	if size <= 0 {
		size = defaultQueueSize
	}
	queue := make(chan Inbound, size)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for in := range queue {
			h.OnMessage(in)
		}
	}()
	defer func() {
		close(queue)
		<-done
	}()

	for {
		if o.idle > 0 {
			_ = l.conn.SetReadDeadline(time.Now().Add(o.idle))
		}
		frame, err := l.conn.ReadFrame()
		if err != nil {
			return err
		}
		receivedAt := clock.Millis(o.clock)
		msg, err := protocol.Decode(frame)
		if err != nil {
			o.log.Warn("dropping undecodable frame", zap.String("peer", l.peer), zap.Error(err))
			h.OnError(l.peer, err)
			continue
		}
		if msg.Type == protocol.TypeDisconnect {
			l.graceful.Store(true)
		}
		select {
		case queue <- Inbound{Msg: msg, Source: l.peer, ReceivedAt: receivedAt}:
		case <-l.closed:
			return ErrClosed
		}
	}
}

// disconnectCause maps the read error to what OnDisconnect reports.
func (l *link) disconnectCause(err error) error {
	if l.graceful.Load() {
		return nil
	}
	return err
}
