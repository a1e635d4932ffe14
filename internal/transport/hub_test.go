package transport_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"capsync/internal/protocol"
	"capsync/internal/transport"
	"capsync/internal/transport/tcp"
)

type disconnect struct {
	id  string
	err error
}

type recorder struct {
	connects    chan transport.Peer
	messages    chan transport.Inbound
	disconnects chan disconnect
	errs        chan error
}

func newRecorder() *recorder {
	return &recorder{
		connects:    make(chan transport.Peer, 16),
		messages:    make(chan transport.Inbound, 64),
		disconnects: make(chan disconnect, 16),
		errs:        make(chan error, 16),
	}
}

func (r *recorder) handler() transport.Handler {
	return transport.HandlerFuncs{
		Connect:    func(p transport.Peer) { r.connects <- p },
		Message:    func(in transport.Inbound) { r.messages <- in },
		Disconnect: func(id string, err error) { r.disconnects <- disconnect{id, err} },
		Error:      func(_ string, err error) { r.errs <- err },
	}
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for event")
		var zero T
		return zero
	}
}

func startHub(t *testing.T) (*transport.Hub, *recorder, string) {
	t.Helper()
	rec := newRecorder()
	hub := transport.NewHub(rec.handler(), transport.HubOptions{
		SelfID:           "controller",
		HandshakeTimeout: time.Second,
		Logger:           zaptest.NewLogger(t),
	})
	l, err := tcp.Listen("127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = hub.Serve(l) }()
	t.Cleanup(func() { _ = hub.Close() })
	return hub, rec, l.Addr()
}

func writeMsg(t *testing.T, c *tcp.Conn, m protocol.Message) {
	t.Helper()
	payload, err := protocol.Encode(m, protocol.JSON())
	require.NoError(t, err)
	require.NoError(t, c.WriteFrame(payload, time.Now().Add(time.Second)))
}

func readMsg(t *testing.T, c *tcp.Conn) protocol.Message {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(3*time.Second)))
	frame, err := c.ReadFrame()
	require.NoError(t, err)
	m, err := protocol.Decode(frame)
	require.NoError(t, err)
	return m
}

func rawConnect(t *testing.T, addr, id string) *tcp.Conn {
	t.Helper()
	c, err := tcp.Dial(context.Background(), addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	writeMsg(t, c, protocol.MustNew(protocol.TypeConnect, id, 1, "", protocol.Connect{Role: protocol.RoleClient, Address: "10.0.0.2:9000"}))
	ack := readMsg(t, c)
	require.Equal(t, protocol.TypeAck, ack.Type)
	return c
}

func TestHub_HandshakeAccepted(t *testing.T) {
	t.Parallel()

	hub, rec, addr := startHub(t)
	c := rawConnect(t, addr, "phone-1")

	p := recv(t, rec.connects)
	assert.Equal(t, "phone-1", p.ID)
	assert.Equal(t, protocol.RoleClient, p.Role)
	assert.Equal(t, "10.0.0.2:9000", p.Address)
	assert.Equal(t, []string{"phone-1"}, hub.Peers())

	writeMsg(t, c, protocol.NewHeartbeat("phone-1", 42))
	in := recv(t, rec.messages)
	assert.Equal(t, "phone-1", in.Source)
	assert.Equal(t, protocol.TypeHeartbeat, in.Msg.Type)
	assert.Greater(t, in.ReceivedAt, int64(0))
}

func TestHub_HandshakeRejected(t *testing.T) {
	t.Parallel()

	_, rec, addr := startHub(t)
	c, err := tcp.Dial(context.Background(), addr)
	require.NoError(t, err)
	defer c.Close()

	writeMsg(t, c, protocol.NewHeartbeat("phone-1", 1))
	nack := readMsg(t, c)
	require.Equal(t, protocol.TypeNack, nack.Type)
	resp, ok := nack.Response()
	require.True(t, ok)
	assert.Equal(t, protocol.StatusErrorInvalidCmd, resp.Code)
	assert.Equal(t, protocol.TypeConnect, resp.RefType)

	_, err = c.ReadFrame()
	assert.Error(t, err, "connection is closed after NACK")
	assert.Empty(t, rec.connects)
}

func TestHub_DecodeErrorKeepsLink(t *testing.T) {
	t.Parallel()

	_, rec, addr := startHub(t)
	c := rawConnect(t, addr, "phone-1")
	recv(t, rec.connects)

	// Unknown type code 999 in an otherwise valid JSON envelope.
	bad := append([]byte{protocol.WireVersion, byte(protocol.CodecJSON)}, []byte(`{"v":999,"s":"phone-1","ts":5}`)...)
	require.NoError(t, c.WriteFrame(bad, time.Now().Add(time.Second)))
	require.NoError(t, c.WriteFrame([]byte{9, 9, 9}, time.Now().Add(time.Second)))
	writeMsg(t, c, protocol.NewHeartbeat("phone-1", 7))

	err := recv(t, rec.errs)
	var de *protocol.DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, uint16(999), de.Code)
	recv(t, rec.errs)

	in := recv(t, rec.messages)
	assert.Equal(t, protocol.TypeHeartbeat, in.Msg.Type)
	assert.Equal(t, int64(7), in.Msg.Timestamp)
}

func TestHub_SendAndBroadcast(t *testing.T) {
	t.Parallel()

	hub, rec, addr := startHub(t)
	a := rawConnect(t, addr, "a")
	b := rawConnect(t, addr, "b")
	recv(t, rec.connects)
	recv(t, rec.connects)

	ctx := context.Background()
	status := protocol.MustNew(protocol.TypeStatus, "controller", 100, "", protocol.StatusQuery{})
	require.NoError(t, hub.Send(ctx, "a", status))
	assert.Equal(t, protocol.TypeStatus, readMsg(t, a).Type)

	err := hub.Send(ctx, "missing", status)
	require.Error(t, err)
	assert.Equal(t, transport.KindNotConnected, transport.KindOf(err))
	assert.True(t, errors.Is(err, transport.ErrNotConnected))

	res := hub.Broadcast(ctx, protocol.NewHeartbeat("controller", 200))
	assert.Len(t, res, 2)
	assert.NoError(t, res["a"])
	assert.NoError(t, res["b"])
	assert.Equal(t, protocol.TypeHeartbeat, readMsg(t, a).Type)
	assert.Equal(t, protocol.TypeHeartbeat, readMsg(t, b).Type)
}

func TestHub_NewestLinkWins(t *testing.T) {
	t.Parallel()

	hub, rec, addr := startHub(t)
	first := rawConnect(t, addr, "phone-1")
	recv(t, rec.connects)
	_ = rawConnect(t, addr, "phone-1")
	recv(t, rec.connects)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, err := first.ReadFrame()
	assert.Error(t, err)
	assert.Equal(t, []string{"phone-1"}, hub.Peers())
	assert.Empty(t, rec.disconnects, "replaced link is not reported")
}

func TestClient_ConnectsAndDisconnectsGracefully(t *testing.T) {
	t.Parallel()

	hub, hubRec, addr := startHub(t)
	clientRec := newRecorder()
	client, err := transport.NewClient(clientRec.handler(), transport.ClientOptions{
		SelfID:         "phone-1",
		Hello:          protocol.Connect{Address: "1.2.3.4:5", NATType: "full_cone"},
		Dial:           tcp.Dialer(addr),
		ReconnectDelay: 50 * time.Millisecond,
		Logger:         zaptest.NewLogger(t),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- client.Run(ctx) }()

	p := recv(t, hubRec.connects)
	assert.Equal(t, "phone-1", p.ID)
	assert.Equal(t, "full_cone", p.NATType)
	server := recv(t, clientRec.connects)
	assert.Equal(t, "controller", server.ID)

	ping := protocol.MustNew(protocol.TypePing, "controller", 1000, "", protocol.Ping{Origin: 1000})
	require.NoError(t, hub.Send(ctx, "phone-1", ping))
	in := recv(t, clientRec.messages)
	assert.Equal(t, protocol.TypePing, in.Msg.Type)

	require.NoError(t, client.Send(ctx, "", protocol.NewHeartbeat("phone-1", 5)))
	assert.Equal(t, protocol.TypeHeartbeat, recv(t, hubRec.messages).Msg.Type)

	require.NoError(t, client.Close())
	assert.Equal(t, protocol.TypeDisconnect, recv(t, hubRec.messages).Msg.Type)
	d := recv(t, hubRec.disconnects)
	assert.Equal(t, "phone-1", d.id)
	assert.NoError(t, d.err)
	assert.NoError(t, recv(t, runDone))
}

func TestClient_Reconnects(t *testing.T) {
	t.Parallel()

	hub, hubRec, addr := startHub(t)
	client, err := transport.NewClient(newRecorder().handler(), transport.ClientOptions{
		SelfID:         "phone-2",
		Dial:           tcp.Dialer(addr),
		ReconnectDelay: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = client.Run(ctx) }()
	defer client.Close()

	recv(t, hubRec.connects)
	require.NoError(t, hub.Disconnect(ctx, "phone-2", "test"))

	p := recv(t, hubRec.connects)
	assert.Equal(t, "phone-2", p.ID)
}
