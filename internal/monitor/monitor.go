// Package monitor detects lost endpoints with periodic heartbeats.
//
// Each registered endpoint moves CONNECTED -> SUSPECT on its first heartbeat
// timeout and is retried with a targeted heartbeat on every following check.
// When retries are exhausted it becomes PERMANENTLY_LOST and is removed from
// the registry. Liveness evidence while SUSPECT or LOST returns it to
// CONNECTED with the retry count reset.
package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"capsync/internal/clock"
	"capsync/internal/protocol"
	"capsync/internal/registry"
)

const (
	DefaultInterval    = 5 * time.Second
	DefaultTimeout     = 15 * time.Second
	DefaultMaxRetries  = 3
	DefaultSendTimeout = 2 * time.Second
)

// Sender delivers heartbeats. Broadcast returns per-peer errors; a nil map
// value means delivered.
type Sender interface {
	Send(ctx context.Context, endpointID string, m protocol.Message) error
	Broadcast(ctx context.Context, m protocol.Message) map[string]error
}

// Listener receives connection state notifications. Calls are made outside
// any registry lock, from the checker goroutine or the inbound path.
type Listener interface {
	OnLost(endpointID string)
	OnRecovered(endpointID string)
	OnPermanentlyLost(endpointID string)
}

// ListenerFuncs adapts plain functions to Listener. Nil fields are skipped.
type ListenerFuncs struct {
	Lost            func(string)
	Recovered       func(string)
	PermanentlyLost func(string)
}

func (f ListenerFuncs) OnLost(id string) {
	if f.Lost != nil {
		f.Lost(id)
	}
}

func (f ListenerFuncs) OnRecovered(id string) {
	if f.Recovered != nil {
		f.Recovered(id)
	}
}

func (f ListenerFuncs) OnPermanentlyLost(id string) {
	if f.PermanentlyLost != nil {
		f.PermanentlyLost(id)
	}
}

// Options configures a Monitor.
type Options struct {
	Interval    time.Duration
	Timeout     time.Duration
	MaxRetries  int
	SendTimeout time.Duration
	// HeartbeatOnly restricts liveness evidence to HEARTBEAT messages and
	// ACKs of heartbeats. By default any inbound message counts.
	HeartbeatOnly bool
	// SelfID is the sender id stamped on heartbeats.
	SelfID   string
	Listener Listener
	Logger   *zap.Logger
	Clock    clock.Clock
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.SelfID == "" {
		o.SelfID = "controller"
	}
	if o.Listener == nil {
		o.Listener = ListenerFuncs{}
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Clock == nil {
		o.Clock = clock.System{}
	}
	return o
}

// Monitor runs the heartbeat sender and the connection checker.
type Monitor struct {
	opts   Options
	reg    *registry.Registry
	sender Sender
	log    *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	active  atomic.Int32
}

// New returns a stopped Monitor over reg.
func New(reg *registry.Registry, sender Sender, opts Options) *Monitor {
	opts = opts.withDefaults()
	return &Monitor{opts: opts, reg: reg, sender: sender, log: opts.Logger.Named("monitor")}
}

// Start launches both periodic tasks. Calling Start on a running Monitor is a no-op.
func (m *Monitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	m.spawn(ctx, "heartbeat", m.SendHeartbeats)
	m.spawn(ctx, "checker", m.Check)
	m.log.Info("started",
		zap.Duration("interval", m.opts.Interval),
		zap.Duration("timeout", m.opts.Timeout),
		zap.Int("max_retries", m.opts.MaxRetries),
	)
}

// Stop cancels both tasks and waits for them to exit. It is safe to call
// more than once.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
	m.log.Info("stopped")
}

// Active returns the number of running periodic tasks.
func (m *Monitor) Active() int { return int(m.active.Load()) }

func (m *Monitor) spawn(ctx context.Context, name string, tick func()) {
	m.wg.Add(1)
	m.active.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.active.Add(-1)
		ticker := time.NewTicker(m.opts.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.safely(name, tick)
			}
		}
	}()
}

// safely keeps a panicking tick from killing its task.
func (m *Monitor) safely(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("periodic task panicked", zap.String("task", name), zap.Any("panic", r))
		}
	}()
	fn()
}

// SendHeartbeats broadcasts one HEARTBEAT to every connected peer.
func (m *Monitor) SendHeartbeats() {
	hb := protocol.NewHeartbeat(m.opts.SelfID, clock.Millis(m.opts.Clock))
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.SendTimeout)
	defer cancel()
	for id, err := range m.sender.Broadcast(ctx, hb) {
		if err != nil {
			m.log.Debug("heartbeat send failed", zap.String("endpoint", id), zap.Error(err))
		}
	}
}

type verdict int

const (
	verdictNone verdict = iota
	verdictRetry
	verdictPermanent
)

// Check runs one pass of the connection checker over every registered endpoint.
func (m *Monitor) Check() {
	now := clock.Millis(m.opts.Clock)
	timeout := m.opts.Timeout.Milliseconds()
	for _, id := range m.reg.IDs() {
		var (
			v         verdict
			firstLoss bool
			retries   int
		)
		m.reg.Update(id, func(ep *registry.Endpoint) {
			if now-ep.LastHeartbeatAt <= timeout {
				return
			}
			ep.RetryCount++
			retries = ep.RetryCount
			if ep.RetryCount >= m.opts.MaxRetries {
				ep.State = registry.StatePermanentlyLost
				v = verdictPermanent
				return
			}
			v = verdictRetry
			firstLoss = ep.State == registry.StateConnected
			if ep.State != registry.StateLost {
				ep.State = registry.StateSuspect
			}
		})

		switch v {
		case verdictRetry:
			if firstLoss {
				m.log.Warn("endpoint heartbeat timeout", zap.String("endpoint", id))
				m.opts.Listener.OnLost(id)
			}
			m.retry(id, retries)
		case verdictPermanent:
			if _, ok := m.reg.Unregister(id); ok {
				m.log.Error("endpoint permanently lost", zap.String("endpoint", id), zap.Int("retries", retries))
				m.opts.Listener.OnPermanentlyLost(id)
			}
		}
	}
}

func (m *Monitor) retry(id string, attempt int) {
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.SendTimeout)
	defer cancel()
	hb := protocol.NewHeartbeat(m.opts.SelfID, clock.Millis(m.opts.Clock))
	if err := m.sender.Send(ctx, id, hb); err != nil {
		m.log.Debug("retry heartbeat failed",
			zap.String("endpoint", id), zap.Int("attempt", attempt), zap.Error(err))
	}
}

// CountsAsLiveness reports whether msg is liveness evidence under the configured policy.
func (m *Monitor) CountsAsLiveness(msg protocol.Message) bool {
	if !m.opts.HeartbeatOnly {
		return true
	}
	if msg.Type == protocol.TypeHeartbeat {
		return true
	}
	if r, ok := msg.Response(); ok && msg.Type == protocol.TypeAck {
		return r.RefType == protocol.TypeHeartbeat
	}
	return false
}

// Observe records an inbound message from endpointID received at receivedAt
// (unix ms). It returns false when the endpoint is not registered, in which
// case the caller must re-register it rather than resurrect old state.
func (m *Monitor) Observe(endpointID string, msg protocol.Message, receivedAt int64) bool {
	if !m.CountsAsLiveness(msg) {
		_, ok := m.reg.Get(endpointID)
		return ok
	}
	return m.MarkAlive(endpointID, receivedAt)
}

// MarkAlive refreshes the endpoint's heartbeat time and recovers it if it
// was SUSPECT or LOST.
func (m *Monitor) MarkAlive(endpointID string, at int64) bool {
	recovered := false
	ok := m.reg.Update(endpointID, func(ep *registry.Endpoint) {
		if at > ep.LastHeartbeatAt {
			ep.LastHeartbeatAt = at
		}
		if ep.State != registry.StateConnected {
			recovered = ep.State == registry.StateSuspect || ep.State == registry.StateLost
			ep.State = registry.StateConnected
			ep.RetryCount = 0
		}
	})
	if recovered {
		m.log.Info("endpoint recovered", zap.String("endpoint", endpointID))
		m.opts.Listener.OnRecovered(endpointID)
	}
	return ok
}

// MarkLost records that the endpoint's link closed. The endpoint stays
// registered so the checker keeps counting retries until it reconnects.
func (m *Monitor) MarkLost(endpointID string) bool {
	notify := false
	ok := m.reg.Update(endpointID, func(ep *registry.Endpoint) {
		if ep.State == registry.StateConnected {
			notify = true
		}
		if ep.State != registry.StatePermanentlyLost {
			ep.State = registry.StateLost
		}
	})
	if notify {
		m.log.Warn("endpoint link lost", zap.String("endpoint", endpointID))
		m.opts.Listener.OnLost(endpointID)
	}
	return ok
}
