// Package controller runs the master side: the endpoint hub, the coordinator
// and the HTTP API used by UI and session tooling.
package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"capsync/internal/archive"
	"capsync/internal/clock"
	"capsync/internal/config"
	"capsync/internal/coordinator"
	"capsync/internal/metrics"
	"capsync/internal/protocol"
	"capsync/internal/registry"
	"capsync/internal/store"
	"capsync/internal/transport"
	"capsync/internal/transport/tcp"
	"capsync/internal/transport/ws"
)

// Server owns the controller process.
type Server struct {
	cfg   config.ControllerConfig
	proto config.ProtocolConfig
	log   *zap.Logger

	coord    *coordinator.Coordinator
	hub      *transport.Hub
	archive  *archive.Archive
	recorder *metrics.Recorder

	mu       sync.Mutex
	hubL     *tcp.Listener
	wsL      *ws.Listener
	apiL     net.Listener
	api      *http.Server
	errs     chan error
	stop     chan struct{}
	wg       sync.WaitGroup
	started  bool
	closed   bool
	closeErr error
}

// NewServer opens the archive and wires the coordinator to a hub. It does not
// bind any socket; call Start or Run.
func NewServer(cfg config.Config, log *zap.Logger, clk clock.Clock) (*Server, error) {
	if err := config.ValidateController(cfg); err != nil {
		return nil, err
	}
	if log == nil {
		log = zap.NewNop()
	}
	codec, err := protocol.CodecByName(cfg.Protocol.Codec)
	if err != nil {
		return nil, err
	}

	arch, err := archive.Open(cfg.Controller.ArchivePath)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:      *cfg.Controller,
		proto:    cfg.Protocol,
		log:      log.Named("controller"),
		archive:  arch,
		recorder: metrics.NewRecorder(cfg.Controller.MetricsPath),
		errs:     make(chan error, 3),
		stop:     make(chan struct{}),
	}
	s.coord = coordinator.New(coordinatorOptions(cfg, s.hooks(), arch, s.recorder, log, clk))
	s.hub = transport.NewHub(s.coord, transport.HubOptions{
		SelfID:      cfg.Controller.ID,
		Codec:       codec,
		IdleTimeout: idleTimeout(cfg.Protocol),
		Logger:      log,
		Clock:       clk,
	})
	return s, nil
}

func coordinatorOptions(cfg config.Config, hooks coordinator.Hooks, sessions coordinator.SessionSink,
	m coordinator.MetricsSink, log *zap.Logger, clk clock.Clock) coordinator.Options {
	p := cfg.Protocol
	return coordinator.Options{
		SelfID:            cfg.Controller.ID,
		HeartbeatInterval: config.Millis(p.HeartbeatIntervalMS),
		HeartbeatTimeout:  config.Millis(p.HeartbeatTimeoutMS),
		MaxRetries:        p.MaxRetryCount,
		SyncInterval:      config.Millis(p.SyncIntervalMS),
		MaxSyncError:      config.Millis(p.MaxSyncErrorMS),
		SyncTimeout:       config.Millis(p.SyncTimeoutMS),
		CommandTimeout:    config.Millis(p.CommandTimeoutMS),
		SendTimeout:       config.Millis(p.SendTimeoutMS),
		MaxSyncAttempts:   p.MaxSyncAttempts,
		InitialSyncDelay:  config.Millis(p.InitialSyncDelayMS),
		HeartbeatOnly:     p.TrafficIsLiveness != nil && !*p.TrafficIsLiveness,
		Hooks:             hooks,
		Sessions:          sessions,
		Metrics:           m,
		Logger:            log,
		Clock:             clk,
	}
}

// idleTimeout drops links that stay silent past the point where the monitor
// would give up on them anyway.
func idleTimeout(p config.ProtocolConfig) time.Duration {
	return config.Millis(p.HeartbeatTimeoutMS + p.HeartbeatIntervalMS*int64(p.MaxRetryCount))
}

func (s *Server) hooks() coordinator.Hooks {
	return coordinator.Hooks{
		OnConnected: func(ep registry.Endpoint) {
			s.log.Info("endpoint connected", zap.String("endpoint", ep.ID), zap.String("address", ep.Address),
				zap.String("nat", ep.NATType))
		},
		OnDisconnected: func(id string, graceful bool) {
			s.log.Info("endpoint disconnected", zap.String("endpoint", id), zap.Bool("graceful", graceful))
		},
		OnLost: func(id string) {
			s.log.Warn("endpoint connection lost", zap.String("endpoint", id))
		},
		OnRecovered: func(id string) {
			s.log.Info("endpoint recovered", zap.String("endpoint", id))
		},
		OnPermanentlyLost: func(id string) {
			s.log.Error("endpoint permanently lost", zap.String("endpoint", id))
		},
		OnSync: func(res coordinator.SyncResult) {
			s.log.Debug("sync", zap.String("endpoint", res.Endpoint), zap.String("trigger", res.Trigger),
				zap.Int64("offset_ms", res.OffsetToMaster), zap.Int64("rtt_ms", res.RTT), zap.Bool("accurate", res.Accurate))
		},
	}
}

// Coordinator exposes the coordinator, mainly for tests and embedding.
func (s *Server) Coordinator() *coordinator.Coordinator { return s.coord }

// Start binds the hub, optional WebSocket and API listeners and serves them
// in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("controller: already started")
	}
	s.started = true

	hubL, err := tcp.Listen(s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Listen, err)
	}
	apiL, err := net.Listen("tcp", s.cfg.APIListen)
	if err != nil {
		hubL.Close()
		return fmt.Errorf("listen %s: %w", s.cfg.APIListen, err)
	}
	var wsL *ws.Listener
	if s.cfg.WSListen != "" {
		if wsL, err = ws.Listen(s.cfg.WSListen); err != nil {
			hubL.Close()
			apiL.Close()
			return fmt.Errorf("listen %s: %w", s.cfg.WSListen, err)
		}
	}

	if err := s.coord.Start(s.hub); err != nil {
		hubL.Close()
		apiL.Close()
		if wsL != nil {
			wsL.Close()
		}
		return err
	}

	s.hubL, s.wsL, s.apiL = hubL, wsL, apiL
	s.api = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}

	s.serve("hub", func() error { return s.hub.Serve(hubL) })
	if wsL != nil {
		s.serve("ws", func() error { return s.hub.Serve(wsL) })
	}
	s.serve("api", func() error { return s.api.Serve(apiL) })
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.snapshotLoop()
	}()

	s.log.Info("controller listening", zap.String("id", s.cfg.ID), zap.String("hub", hubL.Addr()),
		zap.String("ws", s.cfg.WSListen), zap.String("api", apiL.Addr().String()))
	return nil
}

func (s *Server) serve(name string, fn func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := fn()
		select {
		case <-s.stop:
			return
		default:
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, transport.ErrClosed) {
			s.errs <- fmt.Errorf("%s: %w", name, err)
		}
	}()
}

// HubAddr is the bound TCP endpoint address.
func (s *Server) HubAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hubL == nil {
		return ""
	}
	return s.hubL.Addr()
}

// WSAddr is the bound WebSocket address, empty when disabled.
func (s *Server) WSAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wsL == nil {
		return ""
	}
	return s.wsL.Addr()
}

// APIAddr is the bound HTTP API address.
func (s *Server) APIAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.apiL == nil {
		return ""
	}
	return s.apiL.Addr().String()
}

// Run starts the server and blocks until ctx is done or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	if err := s.Start(); err != nil {
		_ = s.archive.Close()
		return err
	}
	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-s.errs:
		s.log.Error("listener failed", zap.Error(runErr))
	}
	if err := s.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Close stops serving, writes a final snapshot and closes the archive.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return s.closeErr
	}
	s.closed = true
	close(s.stop)
	api := s.api
	s.mu.Unlock()

	var errs []error
	if api != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		errs = append(errs, api.Shutdown(ctx))
		cancel()
	}
	// Snapshot before Stop, which empties the registry.
	errs = append(errs, s.writeSnapshot())
	// Stop closes the hub, which closes its listeners and every link.
	errs = append(errs, s.coord.Stop())
	s.wg.Wait()
	errs = append(errs, s.archive.Close())

	s.mu.Lock()
	s.closeErr = errors.Join(errs...)
	s.mu.Unlock()
	return s.closeErr
}

func (s *Server) snapshotLoop() {
	if s.cfg.SnapshotSec <= 0 {
		return
	}
	ticker := time.NewTicker(time.Duration(s.cfg.SnapshotSec) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := s.writeSnapshot(); err != nil {
				s.log.Warn("snapshot failed", zap.String("path", s.cfg.SnapshotPath), zap.Error(err))
			}
		}
	}
}

func (s *Server) writeSnapshot() error {
	snap := &store.Snapshot{Controller: s.cfg.ID, Endpoints: s.coord.Endpoints()}
	if sess, ok := s.coord.CurrentSession(); ok {
		snap.Session = sess.ID
	}
	return store.SaveSnapshot(s.cfg.SnapshotPath, snap)
}
