// Package coordinator is the controller-side composition root. It owns the
// endpoint registry and per-endpoint time estimators, routes commands and
// markers over a transport, correlates replies, runs time sync, and drives
// the connection monitor.
package coordinator

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"capsync/internal/clock"
	"capsync/internal/marker"
	"capsync/internal/model"
	"capsync/internal/monitor"
	"capsync/internal/protocol"
	"capsync/internal/registry"
	"capsync/internal/timesync"
	"capsync/internal/transport"
)

var (
	ErrCommandTimeout  = errors.New("command timed out waiting for acknowledgment")
	ErrSyncTimeout     = errors.New("sync timed out waiting for pong")
	ErrNacked          = errors.New("command rejected by endpoint")
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	ErrStopped         = errors.New("coordinator stopped")
	ErrNotStarted      = errors.New("coordinator not started")
	ErrNoSession       = errors.New("no active recording session")
	ErrSessionActive   = errors.New("recording session already active")
)

// Hooks are notifications for UI and session collaborators. Nil hooks are
// skipped. Hooks run on coordinator goroutines and must not block.
type Hooks struct {
	OnConnected       func(ep registry.Endpoint)
	OnDisconnected    func(endpointID string, graceful bool)
	OnLost            func(endpointID string)
	OnRecovered       func(endpointID string)
	OnPermanentlyLost func(endpointID string)
	OnSync            func(res SyncResult)
	OnStatus          func(endpointID string, st protocol.DeviceStatus)
	OnMarker          func(ev marker.Event)
}

// SessionSink receives frozen recording sessions.
type SessionSink interface {
	SaveSession(ctx context.Context, s Session) error
}

// MetricsSink receives sync outcomes.
type MetricsSink interface {
	RecordSync(m model.SyncMetric) error
}

// Options configures a Coordinator. Zero values take the documented defaults.
type Options struct {
	SelfID            string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	MaxRetries        int
	SyncInterval      time.Duration
	MaxSyncError      time.Duration
	SyncTimeout       time.Duration
	CommandTimeout    time.Duration
	SendTimeout       time.Duration
	MaxSyncAttempts   int
	InitialSyncDelay  time.Duration
	// HeartbeatOnly restricts liveness evidence to heartbeats and their ACKs.
	HeartbeatOnly bool
	// MarkerLogLimit caps the in-memory marker log outside sessions.
	MarkerLogLimit int

	Hooks    Hooks
	Sessions SessionSink
	Metrics  MetricsSink
	Logger   *zap.Logger
	Clock    clock.Clock
}

func (o Options) withDefaults() Options {
	if o.SelfID == "" {
		o.SelfID = "controller"
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = monitor.DefaultInterval
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = monitor.DefaultTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = monitor.DefaultMaxRetries
	}
	if o.SyncInterval <= 0 {
		o.SyncInterval = timesync.DefaultSyncInterval
	}
	if o.MaxSyncError <= 0 {
		o.MaxSyncError = timesync.DefaultMaxAllowedError
	}
	if o.SyncTimeout <= 0 {
		o.SyncTimeout = 2 * time.Second
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 3 * time.Second
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 2 * time.Second
	}
	if o.MaxSyncAttempts <= 0 {
		o.MaxSyncAttempts = 3
	}
	if o.InitialSyncDelay < 0 {
		o.InitialSyncDelay = 0
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

type lifecycle int

const (
	stateNew lifecycle = iota
	stateRunning
	stateStopped
)

// Coordinator tracks endpoints and routes traffic to them. It implements
// transport.Handler; pass it to the transport, then call Start.
type Coordinator struct {
	opts  Options
	log   *zap.Logger
	clock clock.Clock
	reg   *registry.Registry
	mon   *monitor.Monitor
	wait  *pending

	mu         sync.Mutex
	state      lifecycle
	tr         transport.Transport
	estimators map[string]*timesync.Estimator
	session    *Session
	markers    []marker.Event
	ctx        context.Context
	cancel     context.CancelFunc
	tasks      sync.WaitGroup
	active     int
	done       chan struct{}
}

// New returns a Coordinator that is not yet started.
func New(opts Options) *Coordinator {
	opts = opts.withDefaults()
	c := &Coordinator{
		opts:       opts,
		log:        opts.Logger.Named("coordinator"),
		clock:      opts.Clock,
		reg:        registry.New(),
		wait:       newPending(),
		estimators: make(map[string]*timesync.Estimator),
		done:       make(chan struct{}),
	}
	return c
}

// Start binds the transport and launches the heartbeat, checker and re-sync
// tasks. A Coordinator is started once.
func (c *Coordinator) Start(tr transport.Transport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateRunning:
		return nil
	case stateStopped:
		return ErrStopped
	}
	c.tr = tr
	c.mon = monitor.New(c.reg, tr, monitor.Options{
		Interval:      c.opts.HeartbeatInterval,
		Timeout:       c.opts.HeartbeatTimeout,
		MaxRetries:    c.opts.MaxRetries,
		SendTimeout:   c.opts.SendTimeout,
		HeartbeatOnly: c.opts.HeartbeatOnly,
		SelfID:        c.opts.SelfID,
		Listener:      monitorListener{c},
		Logger:        c.opts.Logger,
		Clock:         c.clock,
	})
	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.state = stateRunning
	c.mon.Start()
	c.goLocked("resync", c.resyncLoop)
	c.log.Info("started", zap.String("self", c.opts.SelfID))
	return nil
}

// Stop cancels periodic tasks, closes the transport and clears all endpoint
// state. In-flight requests fail with ErrStopped. Stop is idempotent.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.state != stateRunning {
		if c.state == stateNew {
			close(c.done)
		}
		c.state = stateStopped
		c.mu.Unlock()
		return nil
	}
	c.state = stateStopped
	close(c.done)
	c.cancel()
	tr := c.tr
	mon := c.mon
	c.mu.Unlock()

	mon.Stop()
	c.tasks.Wait()
	var err error
	if tr != nil {
		err = tr.Close()
	}

	c.mu.Lock()
	c.estimators = make(map[string]*timesync.Estimator)
	c.mu.Unlock()
	c.reg.Clear()
	c.wait.reset()
	c.log.Info("stopped")
	return err
}

// Active returns the number of running periodic tasks.
func (c *Coordinator) Active() int {
	c.mu.Lock()
	n := c.active
	mon := c.mon
	c.mu.Unlock()
	if mon != nil {
		n += mon.Active()
	}
	return n
}

// goLocked runs fn as a tracked task. c.mu must be held.
func (c *Coordinator) goLocked(name string, fn func(ctx context.Context)) {
	ctx := c.ctx
	c.tasks.Add(1)
	c.active++
	go func() {
		defer c.tasks.Done()
		defer func() {
			c.mu.Lock()
			c.active--
			c.mu.Unlock()
		}()
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("task panicked", zap.String("task", name), zap.Any("panic", r))
			}
		}()
		fn(ctx)
	}()
}

// spawn runs a one-shot background job tied to the coordinator's lifetime.
// It is a no-op once stopped.
func (c *Coordinator) spawn(fn func(ctx context.Context)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateRunning {
		return
	}
	ctx := c.ctx
	c.tasks.Add(1)
	go func() {
		defer c.tasks.Done()
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("background job panicked", zap.Any("panic", r))
			}
		}()
		fn(ctx)
	}()
}

func (c *Coordinator) bound() (transport.Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case stateNew:
		return nil, ErrNotStarted
	case stateStopped:
		return nil, ErrStopped
	}
	return c.tr, nil
}

func (c *Coordinator) now() int64 { return clock.Millis(c.clock) }

// Registry exposes the endpoint registry for read access.
func (c *Coordinator) Registry() *registry.Registry { return c.reg }

// Endpoints lists tracked endpoints.
func (c *Coordinator) Endpoints() []registry.Endpoint { return c.reg.List() }

// Endpoint returns one tracked endpoint.
func (c *Coordinator) Endpoint(id string) (registry.Endpoint, bool) { return c.reg.Get(id) }

// Estimator returns the time estimator of an endpoint.
func (c *Coordinator) Estimator(id string) (*timesync.Estimator, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	est, ok := c.estimators[id]
	return est, ok
}

func (c *Coordinator) newEstimator() *timesync.Estimator {
	return timesync.NewEstimator(protocol.RoleMaster, timesync.Config{
		SyncInterval:    c.opts.SyncInterval,
		MaxAllowedError: c.opts.MaxSyncError,
	}, c.clock)
}

// RegisterEndpoint starts tracking id as CONNECTED. Tracking state of an
// existing entry is reset.
func (c *Coordinator) RegisterEndpoint(id string, role protocol.Role) registry.Endpoint {
	return c.register(transport.Peer{ID: id, Role: role})
}

func (c *Coordinator) register(p transport.Peer) registry.Endpoint {
	now := c.now()
	role := p.Role
	if role == "" {
		role = protocol.RoleClient
	}
	ep := registry.Endpoint{
		ID:              p.ID,
		Role:            role,
		Address:         p.Address,
		NATType:         p.NATType,
		State:           registry.StateConnected,
		LastHeartbeatAt: now,
		ConnectedAt:     now,
	}
	c.mu.Lock()
	c.estimators[p.ID] = c.newEstimator()
	c.mu.Unlock()
	c.reg.Register(ep)
	c.log.Info("endpoint registered", zap.String("endpoint", p.ID), zap.String("role", string(role)))
	if h := c.opts.Hooks.OnConnected; h != nil {
		h(ep)
	}
	return ep
}

// UnregisterEndpoint stops tracking id. It reports whether id was tracked.
func (c *Coordinator) UnregisterEndpoint(id string) bool {
	c.mu.Lock()
	delete(c.estimators, id)
	c.mu.Unlock()
	_, ok := c.reg.Unregister(id)
	return ok
}

// monitorListener forwards monitor notifications into the coordinator.
type monitorListener struct{ c *Coordinator }

func (l monitorListener) OnLost(id string) {
	if h := l.c.opts.Hooks.OnLost; h != nil {
		h(id)
	}
}

func (l monitorListener) OnRecovered(id string) {
	c := l.c
	if h := c.opts.Hooks.OnRecovered; h != nil {
		h(id)
	}
	c.spawn(func(ctx context.Context) {
		_, _ = c.syncEndpoint(ctx, id, "recovery")
	})
}

func (l monitorListener) OnPermanentlyLost(id string) {
	c := l.c
	c.mu.Lock()
	delete(c.estimators, id)
	tr := c.tr
	c.mu.Unlock()
	if d, ok := tr.(interface {
		Disconnect(ctx context.Context, peerID, reason string) error
	}); ok {
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.SendTimeout)
		_ = d.Disconnect(ctx, id, "permanently lost")
		cancel()
	}
	if h := c.opts.Hooks.OnPermanentlyLost; h != nil {
		h(id)
	}
}
