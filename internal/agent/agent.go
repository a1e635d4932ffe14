// Package agent is the capture-endpoint side of the protocol. It keeps a link
// to the controller, answers time-sync pings and heartbeats, hands recording
// commands to the capture layer and records the markers it receives.
package agent

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"capsync/internal/clock"
	"capsync/internal/marker"
	"capsync/internal/netprobe"
	"capsync/internal/protocol"
	"capsync/internal/timesync"
	"capsync/internal/transport"
)

// ErrBusy is returned to the controller as ERROR_BUSY when START arrives for
// a different session while one is recording.
var ErrBusy = errors.New("already recording another session")

// CommandHandler is the capture layer. It runs on the dispatch goroutine and
// should return quickly; a non-nil error is reported to the controller as NACK.
type CommandHandler interface {
	OnCommand(ctx context.Context, t protocol.Type, sessionID string, args []string) error
}

// CommandFunc adapts a function to CommandHandler.
type CommandFunc func(ctx context.Context, t protocol.Type, sessionID string, args []string) error

// OnCommand calls f.
func (f CommandFunc) OnCommand(ctx context.Context, t protocol.Type, sessionID string, args []string) error {
	return f(ctx, t, sessionID, args)
}

// StatusProvider reports device status for STATUS queries.
type StatusProvider interface {
	DeviceStatus() protocol.DeviceStatus
}

// Options configures an Agent.
type Options struct {
	ID    string
	Dial  transport.DialFunc
	Codec protocol.Codec

	Commands CommandHandler
	Status   StatusProvider
	// OnMarker observes every marker this endpoint records.
	OnMarker func(ev marker.Event)

	// Advertise is sent in CONNECT when STUN discovery is off or fails.
	Advertise   string
	STUNServers []string
	STUNTimeout time.Duration

	DialTimeout    time.Duration
	ReconnectDelay time.Duration
	WriteTimeout   time.Duration
	// IdleTimeout drops a silent link so the client redials. The controller
	// heartbeats every few seconds, so silence means the path is dead.
	IdleTimeout time.Duration
	// HealthInterval is how often link health is logged. Zero disables it.
	HealthInterval time.Duration
	MarkerLogLimit int

	Logger *zap.Logger
	Clock  clock.Clock
}

func (o Options) withDefaults() Options {
	if o.Codec == nil {
		o.Codec = protocol.JSON()
	}
	if o.STUNTimeout <= 0 {
		o.STUNTimeout = 3 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 2 * time.Second
	}
	if o.IdleTimeout == 0 {
		o.IdleTimeout = 20 * time.Second
	}
	if o.MarkerLogLimit <= 0 {
		o.MarkerLogLimit = 10000
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clock.System{}
	}
	return o
}

type sender interface {
	Send(ctx context.Context, peerID string, m protocol.Message) error
}

// Agent runs one capture endpoint.
type Agent struct {
	opts Options
	log  *zap.Logger
	est  *timesync.Estimator

	lastContact atomic.Int64
	pings       atomic.Int64

	mu         sync.Mutex
	out        sender
	client     *transport.Client
	controller string
	hello      protocol.Connect
	recording  string
	markers    []marker.Event
	closed     bool
}

var _ transport.Handler = (*Agent)(nil)

// New validates opts and returns an Agent. Call Run to connect.
func New(opts Options) (*Agent, error) {
	if opts.ID == "" {
		return nil, errors.New("agent: endpoint id is required")
	}
	if opts.Dial == nil {
		return nil, errors.New("agent: dial function is required")
	}
	opts = opts.withDefaults()
	return &Agent{
		opts: opts,
		log:  opts.Logger.Named("agent").With(zap.String("endpoint", opts.ID)),
		est:  timesync.NewEstimator(protocol.RoleClient, timesync.Config{}, opts.Clock),
	}, nil
}

// ID returns the endpoint id.
func (a *Agent) ID() string { return a.opts.ID }

// Estimator exposes the offset adopted from the controller.
func (a *Agent) Estimator() *timesync.Estimator { return a.est }

// Run discovers the advertised address, then keeps a link to the controller
// until ctx is done or Close is called.
func (a *Agent) Run(ctx context.Context) error {
	hello := a.discover(ctx)

	client, err := transport.NewClient(a, transport.ClientOptions{
		SelfID:         a.opts.ID,
		Hello:          hello,
		Dial:           a.opts.Dial,
		Codec:          a.opts.Codec,
		DialTimeout:    a.opts.DialTimeout,
		ReconnectDelay: a.opts.ReconnectDelay,
		WriteTimeout:   a.opts.WriteTimeout,
		IdleTimeout:    a.opts.IdleTimeout,
		Logger:         a.opts.Logger,
		Clock:          a.opts.Clock,
	})
	if err != nil {
		return err
	}

	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return transport.ErrClosed
	}
	a.client = client
	a.out = client
	a.hello = hello
	a.mu.Unlock()

	if a.opts.HealthInterval > 0 {
		hctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go a.watch(hctx)
	}
	return client.Run(ctx)
}

// discover builds the CONNECT announcement, probing STUN when configured.
func (a *Agent) discover(ctx context.Context) protocol.Connect {
	hello := protocol.Connect{Role: protocol.RoleClient, Address: a.opts.Advertise, NATType: netprobe.NATTypeUnknown}
	if len(a.opts.STUNServers) == 0 {
		return hello
	}
	res, err := netprobe.Probe(ctx, a.opts.STUNServers, a.opts.STUNTimeout)
	if err != nil {
		a.log.Warn("STUN probe failed", zap.Error(err))
		return hello
	}
	a.log.Info("public address discovered", zap.String("address", res.Address), zap.String("nat", res.NATType))
	hello.Address = res.Address
	hello.NATType = res.NATType
	return hello
}

// Close announces a graceful disconnect and stops Run.
func (a *Agent) Close() error {
	a.mu.Lock()
	a.closed = true
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.Close()
}

// Connected reports whether the controller link is up.
func (a *Agent) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client != nil && a.client.Connected()
}

// Recording returns the session being recorded, if any.
func (a *Agent) Recording() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.recording, a.recording != ""
}

// Markers returns the markers recorded so far, oldest first.
func (a *Agent) Markers() []marker.Event {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]marker.Event(nil), a.markers...)
}

// SendMarker raises a marker on this endpoint. The controller relays it to
// the other endpoints; the local observation is recorded at send time.
func (a *Agent) SendMarker(ctx context.Context, kind marker.Kind) (string, error) {
	now := a.now()
	session, _ := a.Recording()
	m, err := marker.NewMessage(kind, a.opts.ID, session, now)
	if err != nil {
		return "", err
	}
	body := m.Body.(protocol.Marker)

	out, err := a.sender()
	if err != nil {
		return "", err
	}
	if err := out.Send(ctx, "", m); err != nil {
		return "", err
	}
	ev := marker.Event{MarkerID: body.ID, Kind: kind, LocalTimestamp: now, DeviceID: a.opts.ID}
	if a.est.Synced() {
		ev.MasterTimestamp = a.est.ToMasterTime(now)
	}
	a.appendMarker(ev)
	return body.ID, nil
}

func (a *Agent) sender() (sender, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.out == nil {
		return nil, transport.ErrNotConnected
	}
	return a.out, nil
}

func (a *Agent) now() int64 { return clock.Millis(a.opts.Clock) }

func (a *Agent) appendMarker(ev marker.Event) {
	a.mu.Lock()
	a.markers = append(a.markers, ev)
	if over := len(a.markers) - a.opts.MarkerLogLimit; over > 0 {
		a.markers = append([]marker.Event(nil), a.markers[over:]...)
	}
	a.mu.Unlock()
	if a.opts.OnMarker != nil {
		a.opts.OnMarker(ev)
	}
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
