package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"capsync/internal/addrutil"
	"capsync/internal/agent"
	"capsync/internal/capture"
	"capsync/internal/clock"
	"capsync/internal/config"
	"capsync/internal/marker"
	"capsync/internal/protocol"
	"capsync/internal/transport"
	"capsync/internal/transport/tcp"
	"capsync/internal/transport/ws"
)

func handleEndpoint(args []string) {
	sub, rest := subcommand(args, "endpoint")
	switch sub {
	case "init":
		endpointInit(rest)
	case "run":
		endpointRun(rest)
	default:
		unknownSubcommand("endpoint", sub)
	}
}

func endpointInit(args []string) {
	fs := flag.NewFlagSet("endpoint init", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config to write")
	id := fs.String("id", "", "endpoint id")
	controllerAddr := fs.String("controller", "", "controller host:port")
	transportName := fs.String("transport", "", "tcp or ws")
	stunList := fs.String("stun", "", "comma-separated STUN servers")
	_ = fs.Parse(args)

	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}
	if _, err := os.Stat(*configPath); err == nil {
		fatal(fmt.Errorf("%s already exists", *configPath))
	}
	cfg := config.Config{Protocol: config.DefaultProtocol(), Endpoint: &config.EndpointConfig{}}
	overrideEndpoint(cfg.Endpoint, *id, *controllerAddr, *transportName, *stunList)
	config.ApplyDefaults(&cfg)
	if err := config.ValidateEndpoint(cfg); err != nil {
		fatal(err)
	}
	if err := config.Save(*configPath, cfg); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "wrote %s\n", *configPath)
}

func endpointRun(args []string) {
	fs := flag.NewFlagSet("endpoint run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	id := fs.String("id", "", "endpoint id")
	controllerAddr := fs.String("controller", "", "controller host:port")
	transportName := fs.String("transport", "", "tcp or ws")
	stunList := fs.String("stun", "", "comma-separated STUN servers")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Endpoint == nil {
		cfg.Endpoint = &config.EndpointConfig{}
	}
	overrideEndpoint(cfg.Endpoint, *id, *controllerAddr, *transportName, *stunList)
	config.ApplyDefaults(&cfg)
	if err := config.ValidateEndpoint(cfg); err != nil {
		fatal(err)
	}

	log, flush := setupLogger(cfg)
	defer flush()

	ep := cfg.Endpoint
	dial, err := endpointDialer(ep.Transport, ep.Controller)
	if err != nil {
		fatal(err)
	}
	codec, err := protocol.CodecByName(cfg.Protocol.Codec)
	if err != nil {
		fatal(err)
	}

	hooks := &capture.Hooks{
		OnStart: ep.Capture.OnStart,
		OnStop:  ep.Capture.OnStop,
		Status:  ep.Capture.Status,
		Timeout: config.Millis(ep.Capture.TimeoutMS),
		Logger:  log,
	}
	var status agent.StatusProvider
	if len(hooks.Status) > 0 {
		status = hooks
	}

	a, err := agent.New(agent.Options{
		ID:    ep.ID,
		Dial:  dial,
		Codec: codec,
		Commands: agent.CommandFunc(func(ctx context.Context, t protocol.Type, sessionID string, args []string) error {
			log.Info("capture command", zap.Stringer("type", t), zap.String("session", sessionID), zap.Strings("args", args))
			return hooks.OnCommand(ctx, t, sessionID, args)
		}),
		Status: status,
		OnMarker: func(ev marker.Event) {
			log.Info("marker", zap.String("id", ev.MarkerID), zap.String("kind", string(ev.Kind)),
				zap.Int64("local", ev.LocalTimestamp), zap.Int64("master", ev.MasterTimestamp))
		},
		Advertise:      ep.Advertise,
		STUNServers:    ep.STUNServers,
		STUNTimeout:    config.Millis(ep.STUNTimeoutMS),
		DialTimeout:    config.Millis(ep.DialTimeoutMS),
		ReconnectDelay: config.Millis(ep.ReconnectDelayMS),
		IdleTimeout:    config.Millis(cfg.Protocol.HeartbeatTimeoutMS),
		HealthInterval: 30 * time.Second,
		Logger:         log,
		Clock:          clock.Skewed{By: config.Millis(ep.ClockSkewMS)},
	})
	if err != nil {
		fatal(err)
	}

	// A signal sends DISCONNECT first so the controller unregisters us
	// instead of waiting for the heartbeat timeout.
	sig, cancel := signalContext()
	defer cancel()
	go func() {
		<-sig.Done()
		_ = a.Close()
	}()
	if err := a.Run(context.Background()); err != nil && !errors.Is(err, transport.ErrClosed) {
		fatal(err)
	}
}

// endpointDialer picks the transport for the controller address. Bare hosts
// get the default controller port.
func endpointDialer(transportName, controllerAddr string) (transport.DialFunc, error) {
	hostport, err := addrutil.WithDefaultPort(controllerAddr, config.DefaultControllerPort)
	if err != nil {
		return nil, err
	}
	switch transportName {
	case "", "tcp":
		return tcp.Dialer(hostport), nil
	case "ws":
		return ws.Dialer(ws.URL(hostport)), nil
	}
	return nil, fmt.Errorf("unknown transport %q", transportName)
}

func overrideEndpoint(cfg *config.EndpointConfig, id, controllerAddr, transportName, stunList string) {
	if id != "" {
		cfg.ID = id
	}
	if controllerAddr != "" {
		cfg.Controller = controllerAddr
	}
	if transportName != "" {
		cfg.Transport = transportName
	}
	if stunList != "" {
		cfg.STUNServers = splitList(stunList)
	}
}
