// Package tcp carries transport frames over TCP as a u32 little-endian
// length followed by the payload.
package tcp

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"capsync/internal/transport"
)

// Conn is a framed TCP connection. Reads and writes may proceed concurrently;
// concurrent writers are serialized.
type Conn struct {
	c  net.Conn
	br *bufio.Reader

	wmu sync.Mutex
	bw  *bufio.Writer
}

// Wrap frames an established connection.
func Wrap(c net.Conn) *Conn {
	return &Conn{c: c, br: bufio.NewReader(c), bw: bufio.NewWriter(c)}
}

// ReadFrame reads one length-prefixed frame. An oversize length is fatal for
// the stream and is returned as transport.ErrFrameTooLarge.
func (c *Conn) ReadFrame() ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(c.br, lenbuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenbuf[:])
	if n > transport.MaxFrameSize {
		return nil, fmt.Errorf("%w: %d bytes", transport.ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteFrame writes p as one frame.
func (c *Conn) WriteFrame(p []byte, deadline time.Time) error {
	if len(p) > transport.MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", transport.ErrFrameTooLarge, len(p))
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.c.SetWriteDeadline(deadline); err != nil {
		return err
	}
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(p)))
	if _, err := c.bw.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := c.bw.Write(p); err != nil {
		return err
	}
	return c.bw.Flush()
}

// WriteRaw writes bytes without framing. Tests use it to inject garbage.
func (c *Conn) WriteRaw(p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.bw.Write(p); err != nil {
		return err
	}
	return c.bw.Flush()
}

func (c *Conn) SetReadDeadline(t time.Time) error { return c.c.SetReadDeadline(t) }
func (c *Conn) RemoteAddr() string                { return c.c.RemoteAddr().String() }
func (c *Conn) Close() error                      { return c.c.Close() }

// Listener accepts framed TCP connections.
type Listener struct {
	l net.Listener
}

// Listen binds addr, e.g. ":8080" or "127.0.0.1:0".
func Listen(addr string) (*Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Listener{l: l}, nil
}

func (l *Listener) Accept() (transport.Conn, error) {
	c, err := l.l.Accept()
	if err != nil {
		return nil, err
	}
	if tc, ok := c.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
		_ = tc.SetKeepAlive(true)
	}
	return Wrap(c), nil
}

func (l *Listener) Addr() string { return l.l.Addr().String() }
func (l *Listener) Close() error { return l.l.Close() }

// Dial connects to addr.
func Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return Wrap(c), nil
}

// Dialer returns a transport.DialFunc for addr.
func Dialer(addr string) transport.DialFunc {
	return func(ctx context.Context) (transport.Conn, error) {
		c, err := Dial(ctx, addr)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
