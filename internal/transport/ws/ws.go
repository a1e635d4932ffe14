// Package ws carries transport frames as binary WebSocket messages.
package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"capsync/internal/transport"
)

// DefaultPath is where Listen mounts the endpoint handler.
const DefaultPath = "/ws"

// Conn is one WebSocket link; each binary message is one frame.
type Conn struct {
	c   *websocket.Conn
	wmu sync.Mutex
}

// Wrap adapts an upgraded or dialed connection.
func Wrap(c *websocket.Conn) *Conn {
	c.SetReadLimit(transport.MaxFrameSize)
	return &Conn{c: c}
}

func (c *Conn) ReadFrame() ([]byte, error) {
	for {
		kind, data, err := c.c.ReadMessage()
		if err != nil {
			return nil, err
		}
		if kind == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *Conn) WriteFrame(p []byte, deadline time.Time) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.c.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.c.WriteMessage(websocket.BinaryMessage, p)
}

func (c *Conn) SetReadDeadline(t time.Time) error { return c.c.SetReadDeadline(t) }
func (c *Conn) RemoteAddr() string                { return c.c.RemoteAddr().String() }

func (c *Conn) Close() error {
	c.wmu.Lock()
	_ = c.c.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.c.Close()
}

// Listener upgrades HTTP requests and hands the links to Accept. It can be
// mounted on an existing mux or started standalone with Listen.
type Listener struct {
	upgrader websocket.Upgrader
	conns    chan *Conn
	closed   chan struct{}
	once     sync.Once
	addr     string
	srv      *http.Server
}

// NewListener returns a Listener to be mounted as an http.Handler. addr is
// only used for reporting.
func NewListener(addr string) *Listener {
	return &Listener{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		conns:  make(chan *Conn),
		closed: make(chan struct{}),
		addr:   addr,
	}
}

// Listen serves a Listener on addr at DefaultPath.
func Listen(addr string) (*Listener, error) {
	nl, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	l := NewListener(nl.Addr().String())
	mux := http.NewServeMux()
	mux.Handle(DefaultPath, l)
	l.srv = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = l.srv.Serve(nl) }()
	return l, nil
}

func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := Wrap(c)
	select {
	case l.conns <- conn:
	case <-l.closed:
		_ = conn.Close()
	}
}

var errListenerClosed = errors.New("ws listener closed")

func (l *Listener) Accept() (transport.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, errListenerClosed
	}
}

func (l *Listener) Addr() string { return l.addr }

func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		if l.srv != nil {
			err = l.srv.Close()
		}
	})
	return err
}

// Dial connects to a ws:// URL.
func Dial(ctx context.Context, url string) (*Conn, error) {
	c, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return Wrap(c), nil
}

// Dialer returns a transport.DialFunc for url.
func Dialer(url string) transport.DialFunc {
	return func(ctx context.Context) (transport.Conn, error) {
		c, err := Dial(ctx, url)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// URL builds the ws:// URL for a host:port served by Listen.
func URL(hostport string) string {
	return "ws://" + hostport + DefaultPath
}
