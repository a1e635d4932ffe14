package agent

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"capsync/internal/clock"
	"capsync/internal/marker"
	"capsync/internal/protocol"
	"capsync/internal/transport"
)

type captureSender struct {
	mu   sync.Mutex
	sent []protocol.Message
	err  error
}

func (c *captureSender) Send(_ context.Context, _ string, m protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.sent = append(c.sent, m)
	return nil
}

func (c *captureSender) last(t *testing.T) protocol.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.sent)
	return c.sent[len(c.sent)-1]
}

func newTestAgent(t *testing.T, opts Options) (*Agent, *captureSender, *clock.Fake) {
	t.Helper()
	fc := clock.NewFake(time.UnixMilli(5000))
	opts.ID = "phone-a"
	opts.Dial = func(context.Context) (transport.Conn, error) { return nil, errors.New("unused") }
	opts.Clock = fc
	opts.Logger = zaptest.NewLogger(t)
	a, err := New(opts)
	require.NoError(t, err)
	out := &captureSender{}
	a.out = out
	return a, out, fc
}

func inbound(m protocol.Message, receivedAt int64) transport.Inbound {
	return transport.Inbound{Msg: m, Source: "controller", ReceivedAt: receivedAt}
}

func TestNew_Validates(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Dial: func(context.Context) (transport.Conn, error) { return nil, nil }})
	require.Error(t, err)
	_, err = New(Options{ID: "x"})
	require.Error(t, err)
}

func TestPing_AnswersPongAndAdoptsHint(t *testing.T) {
	t.Parallel()
	a, out, fc := newTestAgent(t, Options{})

	first := protocol.MustNew(protocol.TypePing, "controller", 1000, "", protocol.Ping{Origin: 1000})
	a.OnMessage(inbound(first, 1110))

	pong := out.last(t)
	require.Equal(t, protocol.TypePong, pong.Type)
	body := pong.Body.(protocol.Pong)
	assert.Equal(t, int64(1000), body.Origin)
	assert.Equal(t, int64(1110), body.Receive)
	assert.Equal(t, fc.Now().UnixMilli(), body.Transmit)
	assert.False(t, a.Estimator().Synced(), "no hint before the first exchange")

	second := protocol.MustNew(protocol.TypePing, "controller", 2000, "", protocol.Ping{Origin: 2000, OffsetHint: -100, RTTHint: 12})
	a.OnMessage(inbound(second, 2110))
	require.True(t, a.Estimator().Synced())
	assert.Equal(t, int64(-100), a.Estimator().OffsetToMaster())
	assert.Equal(t, int64(12), a.Estimator().LastRTT())
	assert.Equal(t, int64(2), a.Health().Pings)
}

func TestMarker_RecordsAndAcks(t *testing.T) {
	t.Parallel()
	var seen []string
	a, out, _ := newTestAgent(t, Options{})
	a.opts.OnMarker = func(ev marker.Event) { seen = append(seen, ev.MarkerID) }
	a.Estimator().Adopt(-100, 10)

	m := protocol.MustNew(protocol.TypeMarker, "controller", 3000, "s1", protocol.Marker{ID: "m1", Kind: protocol.MarkerStartRecording, SentAt: 3000})
	a.OnMessage(inbound(m, 3150))

	ack := out.last(t)
	require.Equal(t, protocol.TypeAck, ack.Type)
	resp, _ := ack.Response()
	assert.Equal(t, protocol.TypeMarker, resp.RefType)
	assert.Equal(t, int64(3000), resp.RefTimestamp)
	assert.Equal(t, []string{"m1", "START_RECORDING", "3150", "3050"}, resp.Data)

	events := a.Markers()
	require.Len(t, events, 1)
	assert.Equal(t, int64(3150), events[0].LocalTimestamp)
	assert.Equal(t, int64(3050), events[0].MasterTimestamp)
	assert.Equal(t, "phone-a", events[0].DeviceID)
	assert.Equal(t, []string{"m1"}, seen)
}

func TestMarker_UnsyncedHasNoMasterTime(t *testing.T) {
	t.Parallel()
	a, out, _ := newTestAgent(t, Options{})

	m := protocol.MustNew(protocol.TypeMarker, "controller", 3000, "", protocol.Marker{ID: "m2", Kind: protocol.MarkerManual, SentAt: 3000})
	a.OnMessage(inbound(m, 3010))

	resp, _ := out.last(t).Response()
	assert.Equal(t, "0", resp.Data[3])
	assert.Zero(t, a.Markers()[0].MasterTimestamp)
}

func TestCommands_StartStopAndBusy(t *testing.T) {
	t.Parallel()
	var calls []string
	a, out, _ := newTestAgent(t, Options{
		Commands: CommandFunc(func(_ context.Context, ty protocol.Type, sid string, args []string) error {
			calls = append(calls, ty.String()+":"+sid+":"+strconv.Itoa(len(args)))
			return nil
		}),
	})

	start, err := protocol.NewCommand(protocol.TypeStart, "controller", 100, "s1", "video", "imu")
	require.NoError(t, err)
	a.OnMessage(inbound(start, 101))
	assert.Equal(t, protocol.TypeAck, out.last(t).Type)
	session, ok := a.Recording()
	require.True(t, ok)
	assert.Equal(t, "s1", session)

	other, err := protocol.NewCommand(protocol.TypeStart, "controller", 200, "s2")
	require.NoError(t, err)
	a.OnMessage(inbound(other, 201))
	nack := out.last(t)
	require.Equal(t, protocol.TypeNack, nack.Type)
	resp, _ := nack.Response()
	assert.Equal(t, protocol.StatusErrorBusy, resp.Code)

	stop, err := protocol.NewCommand(protocol.TypeStop, "controller", 300, "s1")
	require.NoError(t, err)
	a.OnMessage(inbound(stop, 301))
	assert.Equal(t, protocol.TypeAck, out.last(t).Type)
	_, ok = a.Recording()
	assert.False(t, ok)

	assert.Equal(t, []string{"START:s1:2", "STOP:s1:0"}, calls)
}

func TestCommands_HandlerErrorIsNacked(t *testing.T) {
	t.Parallel()
	a, out, _ := newTestAgent(t, Options{
		Commands: CommandFunc(func(context.Context, protocol.Type, string, []string) error {
			return errors.New("camera unavailable")
		}),
	})

	start, err := protocol.NewCommand(protocol.TypeStart, "controller", 100, "s1")
	require.NoError(t, err)
	a.OnMessage(inbound(start, 101))

	nack := out.last(t)
	require.Equal(t, protocol.TypeNack, nack.Type)
	resp, _ := nack.Response()
	assert.Equal(t, protocol.StatusErrorGeneral, resp.Code)
	assert.Equal(t, "camera unavailable", resp.Text)
	_, ok := a.Recording()
	assert.False(t, ok)
}

type fixedStatus protocol.DeviceStatus

func (s fixedStatus) DeviceStatus() protocol.DeviceStatus { return protocol.DeviceStatus(s) }

func TestStatusAndHeartbeat(t *testing.T) {
	t.Parallel()
	a, out, _ := newTestAgent(t, Options{
		Status: fixedStatus{Battery: "87", StorageRemaining: "12GB", ActiveStreams: map[string]bool{"video": true, "audio": false}},
	})

	q := protocol.MustNew(protocol.TypeStatus, "controller", 400, "", protocol.StatusQuery{})
	a.OnMessage(inbound(q, 401))
	resp, _ := out.last(t).Response()
	assert.Equal(t, protocol.TypeStatus, resp.RefType)
	assert.Equal(t, []string{"87", "12GB", "audio:false,video:true"}, resp.Data)

	a.OnMessage(inbound(protocol.NewHeartbeat("controller", 500), 501))
	hb := out.last(t)
	require.Equal(t, protocol.TypeAck, hb.Type)
	resp, _ = hb.Response()
	assert.Equal(t, protocol.TypeHeartbeat, resp.RefType)
	assert.Equal(t, int64(501), a.Health().LastContactAt)
}

func TestUnexpectedMessageIsNacked(t *testing.T) {
	t.Parallel()
	a, out, _ := newTestAgent(t, Options{})

	pong := protocol.MustNew(protocol.TypePong, "controller", 10, "", protocol.Pong{Origin: 1, Receive: 2, Transmit: 3})
	a.OnMessage(inbound(pong, 11))

	nack := out.last(t)
	require.Equal(t, protocol.TypeNack, nack.Type)
	resp, _ := nack.Response()
	assert.Equal(t, protocol.StatusErrorInvalidCmd, resp.Code)
}

func TestSendMarker(t *testing.T) {
	t.Parallel()
	a, out, fc := newTestAgent(t, Options{})

	a.out = nil
	_, err := a.SendMarker(context.Background(), protocol.MarkerManual)
	require.ErrorIs(t, err, transport.ErrNotConnected)

	a.out = out
	a.Estimator().Adopt(25, 8)
	id, err := a.SendMarker(context.Background(), protocol.MarkerCalibration)
	require.NoError(t, err)

	sent := out.last(t)
	require.Equal(t, protocol.TypeMarker, sent.Type)
	assert.Equal(t, id, sent.Body.(protocol.Marker).ID)

	events := a.Markers()
	require.Len(t, events, 1)
	assert.Equal(t, fc.Now().UnixMilli(), events[0].LocalTimestamp)
	assert.Equal(t, fc.Now().UnixMilli()+25, events[0].MasterTimestamp)

	_, err = a.SendMarker(context.Background(), "BOGUS")
	require.Error(t, err)
}

func TestMarkerLogLimit(t *testing.T) {
	t.Parallel()
	a, _, _ := newTestAgent(t, Options{MarkerLogLimit: 2})

	for i := 0; i < 3; i++ {
		id := "m" + strconv.Itoa(i)
		m := protocol.MustNew(protocol.TypeMarker, "controller", 10, "", protocol.Marker{ID: id, Kind: protocol.MarkerPeriodic, SentAt: 10})
		a.OnMessage(inbound(m, int64(20+i)))
	}
	events := a.Markers()
	require.Len(t, events, 2)
	assert.Equal(t, "m1", events[0].MarkerID)
}

func TestHealth_Stale(t *testing.T) {
	t.Parallel()

	assert.True(t, Health{}.Stale(1000, time.Second))
	h := Health{LastContactAt: 1000}
	assert.False(t, h.Stale(2000, time.Second))
	assert.True(t, h.Stale(2001, time.Second))
}
