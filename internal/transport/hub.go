package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"capsync/internal/clock"
	"capsync/internal/protocol"
)

// HubOptions configures a Hub.
type HubOptions struct {
	// SelfID is the sender id on handshake replies and DISCONNECT.
	SelfID           string
	Codec            protocol.Codec
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// IdleTimeout closes a link that delivers no frame for this long. Zero disables it.
	IdleTimeout time.Duration
	QueueSize   int
	Logger      *zap.Logger
	Clock       clock.Clock
}

func (o HubOptions) withDefaults() HubOptions {
	if o.SelfID == "" {
		o.SelfID = "controller"
	}
	if o.Codec == nil {
		o.Codec = protocol.JSON()
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

// Hub accepts endpoint links from one or more Listeners. A link is admitted
// after its CONNECT handshake; a newer link with the same id replaces the
// older one.
type Hub struct {
	opts    HubOptions
	handler Handler
	log     *zap.Logger

	mu        sync.Mutex
	peers     map[string]*link
	listeners []Listener
	closed    bool
	wg        sync.WaitGroup
}

// NewHub returns a Hub delivering events to h.
func NewHub(h Handler, opts HubOptions) *Hub {
	opts = opts.withDefaults()
	return &Hub{
		opts:    opts,
		handler: h,
		log:     opts.Logger.Named("hub"),
		peers:   make(map[string]*link),
	}
}

// Serve accepts links from l until l or the Hub is closed.
func (h *Hub) Serve(l Listener) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = l.Close()
		return ErrClosed
	}
	h.listeners = append(h.listeners, l)
	h.mu.Unlock()

	h.log.Info("accepting endpoints", zap.String("addr", l.Addr()))
	for {
		conn, err := l.Accept()
		if err != nil {
			if h.isClosed() {
				return nil
			}
			return fmt.Errorf("accept on %s: %w", l.Addr(), err)
		}
		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		h.wg.Add(1)
		h.mu.Unlock()
		go h.handle(conn)
	}
}

func (h *Hub) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *Hub) handle(conn Conn) {
	defer h.wg.Done()

	peer, err := h.handshake(conn)
	if err != nil {
		h.log.Warn("handshake failed", zap.String("remote", conn.RemoteAddr()), zap.Error(err))
		_ = conn.Close()
		return
	}

	l := newLink(peer.ID, conn, h.opts.Codec, h.opts.WriteTimeout)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		l.close()
		return
	}
	old := h.peers[peer.ID]
	h.peers[peer.ID] = l
	h.mu.Unlock()
	if old != nil {
		h.log.Info("replacing link", zap.String("endpoint", peer.ID))
		old.close()
	}

	ack := protocol.MustNew(protocol.TypeAck, h.opts.SelfID, clock.Millis(h.opts.Clock), "", protocol.Response{
		Code:    protocol.StatusOK,
		RefType: protocol.TypeConnect,
		Text:    "connection accepted",
	})
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.WriteTimeout)
	err = l.send(ctx, ack)
	cancel()
	if err != nil {
		h.drop(l)
		h.log.Warn("handshake reply failed", zap.String("endpoint", peer.ID), zap.Error(err))
		return
	}

	h.log.Info("endpoint connected", zap.String("endpoint", peer.ID), zap.String("remote", peer.Remote))
	h.handler.OnConnect(peer)

	readErr := l.run(h.handler, readOptions{
		idle:      h.opts.IdleTimeout,
		queueSize: h.opts.QueueSize,
		clock:     h.opts.Clock,
		log:       h.log,
	})
	if current := h.drop(l); current {
		cause := l.disconnectCause(readErr)
		h.log.Info("endpoint disconnected", zap.String("endpoint", peer.ID), zap.NamedError("cause", cause))
		h.handler.OnDisconnect(peer.ID, cause)
	}
}

// drop closes l and removes it from the peer set. It reports whether l was
// still the current link for its peer.
func (h *Hub) drop(l *link) bool {
	h.mu.Lock()
	current := h.peers[l.peer] == l
	if current {
		delete(h.peers, l.peer)
	}
	h.mu.Unlock()
	l.close()
	return current
}

func (h *Hub) handshake(conn Conn) (Peer, error) {
	_ = conn.SetReadDeadline(time.Now().Add(h.opts.HandshakeTimeout))
	frame, err := conn.ReadFrame()
	if err != nil {
		return Peer{}, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	msg, err := protocol.Decode(frame)
	if err != nil {
		h.reject(conn, 0, err.Error())
		return Peer{}, err
	}
	hello, ok := msg.Body.(protocol.Connect)
	if msg.Type != protocol.TypeConnect || !ok {
		h.reject(conn, msg.Timestamp, "expected CONNECT, got "+msg.Type.String())
		return Peer{}, fmt.Errorf("%w: first frame was %s", ErrRejected, msg.Type)
	}
	return Peer{
		ID:      msg.SenderID,
		Role:    hello.Role,
		Address: hello.Address,
		NATType: hello.NATType,
		Remote:  conn.RemoteAddr(),
	}, nil
}

func (h *Hub) reject(conn Conn, refTS int64, text string) {
	nack := protocol.MustNew(protocol.TypeNack, h.opts.SelfID, clock.Millis(h.opts.Clock), "", protocol.Response{
		Code:         protocol.StatusErrorInvalidCmd,
		RefType:      protocol.TypeConnect,
		RefTimestamp: refTS,
		Text:         text,
	})
	payload, err := protocol.Encode(nack, h.opts.Codec)
	if err != nil {
		return
	}
	_ = conn.WriteFrame(payload, time.Now().Add(h.opts.WriteTimeout))
}

func (h *Hub) lookup(id string) (*link, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	l, ok := h.peers[id]
	return l, ok
}

// Send delivers m to one peer.
func (h *Hub) Send(ctx context.Context, peerID string, m protocol.Message) error {
	l, ok := h.lookup(peerID)
	if !ok {
		return &Error{Op: "send", Peer: peerID, Kind: KindNotConnected, Err: ErrNotConnected}
	}
	return l.send(ctx, m)
}

// Broadcast delivers m to every connected peer concurrently.
func (h *Hub) Broadcast(ctx context.Context, m protocol.Message) map[string]error {
	payload, err := protocol.Encode(m, h.opts.Codec)

	h.mu.Lock()
	links := make([]*link, 0, len(h.peers))
	for _, l := range h.peers {
		links = append(links, l)
	}
	h.mu.Unlock()

	out := make(map[string]error, len(links))
	if err != nil {
		for _, l := range links {
			out[l.peer] = &Error{Op: "broadcast", Peer: l.peer, Kind: KindSerialization, Err: err}
		}
		return out
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, l := range links {
		wg.Add(1)
		go func(l *link) {
			defer wg.Done()
			err := l.write(ctx, payload)
			mu.Lock()
			out[l.peer] = err
			mu.Unlock()
		}(l)
	}
	wg.Wait()
	return out
}

// Peers returns the ids of connected peers, sorted.
func (h *Hub) Peers() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.peers))
	for id := range h.peers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Disconnect sends DISCONNECT to the peer and closes its link without
// reporting OnDisconnect.
func (h *Hub) Disconnect(ctx context.Context, peerID, reason string) error {
	h.mu.Lock()
	l, ok := h.peers[peerID]
	if ok {
		delete(h.peers, peerID)
	}
	h.mu.Unlock()
	if !ok {
		return &Error{Op: "disconnect", Peer: peerID, Kind: KindNotConnected, Err: ErrNotConnected}
	}
	bye := protocol.MustNew(protocol.TypeDisconnect, h.opts.SelfID, clock.Millis(h.opts.Clock), "", protocol.Disconnect{Reason: reason})
	err := l.send(ctx, bye)
	l.close()
	return err
}

// Close stops every listener and link and waits for their goroutines.
// Calling Close again is a no-op.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	listeners := h.listeners
	links := h.peers
	h.peers = make(map[string]*link)
	h.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, l := range links {
		l.close()
	}
	h.wg.Wait()
	return errors.Join(errs...)
}
