package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"capsync/internal/clock"
	"capsync/internal/protocol"
)

// DialFunc opens a new framed link to the controller.
type DialFunc func(ctx context.Context) (Conn, error)

// ClientOptions configures a Client.
type ClientOptions struct {
	SelfID string
	// Hello is announced in CONNECT. Role defaults to client.
	Hello            protocol.Connect
	Dial             DialFunc
	Codec            protocol.Codec
	DialTimeout      time.Duration
	ReconnectDelay   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// IdleTimeout drops the link when the controller has been silent this
	// long, which triggers a reconnect. Zero disables it.
	IdleTimeout time.Duration
	QueueSize   int
	Logger      *zap.Logger
	Clock       clock.Clock
}

func (o ClientOptions) withDefaults() ClientOptions {
	if o.Hello.Role == "" {
		o.Hello.Role = protocol.RoleClient
	}
	if o.Codec == nil {
		o.Codec = protocol.JSON()
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = 5 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 5 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clock.System{}
	}
	return o
}

// Client keeps one link to the controller open, reconnecting after failures.
type Client struct {
	opts    ClientOptions
	handler Handler
	log     *zap.Logger

	mu     sync.Mutex
	cur    *link
	done   chan struct{}
	closed bool
}

// NewClient validates opts and returns a Client. Call Run to connect.
func NewClient(h Handler, opts ClientOptions) (*Client, error) {
	if opts.SelfID == "" {
		return nil, errors.New("transport: client id is required")
	}
	if opts.Dial == nil {
		return nil, errors.New("transport: dial function is required")
	}
	opts = opts.withDefaults()
	return &Client{
		opts:    opts,
		handler: h,
		log:     opts.Logger.Named("client").With(zap.String("self", opts.SelfID)),
		done:    make(chan struct{}),
	}, nil
}

// Run connects and reconnects until ctx is done or Close is called.
func (c *Client) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		default:
		}

		if err := c.session(ctx); err != nil {
			c.log.Warn("link down", zap.Error(err), zap.Duration("retry_in", c.opts.ReconnectDelay))
		}

		timer := time.NewTimer(c.opts.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-c.done:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

func (c *Client) session(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout)
	conn, err := c.opts.Dial(dctx)
	cancel()
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	serverID, err := c.handshake(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}

	l := newLink(serverID, conn, c.opts.Codec, c.opts.WriteTimeout)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		l.close()
		return ErrClosed
	}
	c.cur = l
	c.mu.Unlock()

	stop := context.AfterFunc(ctx, l.close)
	defer stop()

	c.log.Info("connected", zap.String("controller", serverID), zap.String("remote", conn.RemoteAddr()))
	c.handler.OnConnect(Peer{ID: serverID, Role: protocol.RoleMaster, Remote: conn.RemoteAddr()})

	readErr := l.run(c.handler, readOptions{
		idle:      c.opts.IdleTimeout,
		queueSize: c.opts.QueueSize,
		clock:     c.opts.Clock,
		log:       c.log,
	})

	c.mu.Lock()
	if c.cur == l {
		c.cur = nil
	}
	c.mu.Unlock()
	l.close()

	cause := l.disconnectCause(readErr)
	c.handler.OnDisconnect(serverID, cause)
	return cause
}

func (c *Client) handshake(conn Conn) (string, error) {
	now := clock.Millis(c.opts.Clock)
	hello, err := protocol.New(protocol.TypeConnect, c.opts.SelfID, now, "", c.opts.Hello)
	if err != nil {
		return "", err
	}
	payload, err := protocol.Encode(hello, c.opts.Codec)
	if err != nil {
		return "", err
	}
	if err := conn.WriteFrame(payload, time.Now().Add(c.opts.WriteTimeout)); err != nil {
		return "", fmt.Errorf("send connect: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(c.opts.HandshakeTimeout))
	frame, err := conn.ReadFrame()
	if err != nil {
		return "", fmt.Errorf("await connect reply: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})

	reply, err := protocol.Decode(frame)
	if err != nil {
		return "", err
	}
	resp, ok := reply.Response()
	if !ok || resp.RefType != protocol.TypeConnect {
		return "", fmt.Errorf("%w: unexpected %s during handshake", ErrRejected, reply.Type)
	}
	if reply.Type != protocol.TypeAck {
		return "", fmt.Errorf("%w: %s %s", ErrRejected, resp.Code, resp.Text)
	}
	return reply.SenderID, nil
}

func (c *Client) current() (*link, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur, c.cur != nil
}

// Connected reports whether the link is up.
func (c *Client) Connected() bool {
	_, ok := c.current()
	return ok
}

// Send delivers m to the controller. peerID may be empty or the controller's id.
func (c *Client) Send(ctx context.Context, peerID string, m protocol.Message) error {
	l, ok := c.current()
	if !ok || (peerID != "" && peerID != l.peer) {
		return &Error{Op: "send", Peer: peerID, Kind: KindNotConnected, Err: ErrNotConnected}
	}
	return l.send(ctx, m)
}

// Broadcast sends m to the controller, the only peer of a Client.
func (c *Client) Broadcast(ctx context.Context, m protocol.Message) map[string]error {
	l, ok := c.current()
	if !ok {
		return map[string]error{}
	}
	return map[string]error{l.peer: l.send(ctx, m)}
}

// Peers returns the controller id while connected.
func (c *Client) Peers() []string {
	if l, ok := c.current(); ok {
		return []string{l.peer}
	}
	return nil
}

// Close sends a best-effort DISCONNECT, closes the link and stops Run.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	l := c.cur
	c.mu.Unlock()

	if l == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.WriteTimeout)
	defer cancel()
	bye := protocol.MustNew(protocol.TypeDisconnect, c.opts.SelfID, clock.Millis(c.opts.Clock), "", protocol.Disconnect{Reason: "shutdown"})
	err := l.send(ctx, bye)
	l.close()
	return err
}
