package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"capsync/internal/clock"
	"capsync/internal/config"
	"capsync/internal/controller"
	"capsync/internal/registry"
	"capsync/internal/store"
)

func handleController(args []string) {
	sub, rest := subcommand(args, "controller")
	switch sub {
	case "init":
		controllerInit(rest)
	case "run":
		controllerRun(rest)
	case "status":
		controllerStatus(rest)
	default:
		unknownSubcommand("controller", sub)
	}
}

func controllerInit(args []string) {
	fs := flag.NewFlagSet("controller init", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config to write")
	dataDir := fs.String("data-dir", "", "data directory")
	_ = fs.Parse(args)

	if *configPath == "" {
		fatal(errors.New("--config is required"))
	}
	if _, err := os.Stat(*configPath); err == nil {
		fatal(fmt.Errorf("%s already exists", *configPath))
	}
	cfg := config.Config{
		Protocol:   config.DefaultProtocol(),
		Controller: &config.ControllerConfig{DataDir: *dataDir},
	}
	config.ApplyDefaults(&cfg)
	if err := config.Save(*configPath, cfg); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "wrote %s\n", *configPath)
}

func controllerRun(args []string) {
	fs := flag.NewFlagSet("controller run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	listen := fs.String("listen", "", "endpoint TCP listen address")
	apiListen := fs.String("api", "", "HTTP API listen address")
	wsListen := fs.String("ws", "", "endpoint WebSocket listen address")
	dataDir := fs.String("data-dir", "", "data directory")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Controller == nil {
		cfg.Controller = &config.ControllerConfig{}
	}
	overrideController(cfg.Controller, *listen, *apiListen, *wsListen, *dataDir)
	config.ApplyDefaults(&cfg)
	if err := config.ValidateController(cfg); err != nil {
		fatal(err)
	}

	log, flush := setupLogger(cfg)
	defer flush()

	srv, err := controller.NewServer(cfg, log, clock.System{})
	if err != nil {
		fatal(err)
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func controllerStatus(args []string) {
	fs := flag.NewFlagSet("controller status", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	if cfg.Controller == nil {
		fatal(errors.New("controller config required"))
	}

	snap, err := store.LoadSnapshot(cfg.Controller.SnapshotPath)
	if err != nil {
		fatal(err)
	}
	if len(snap.Endpoints) == 0 {
		fmt.Fprintln(os.Stdout, "no registered endpoints")
		return
	}

	updated := ""
	if !snap.UpdatedAt.IsZero() {
		updated = snap.UpdatedAt.UTC().Format(time.RFC3339)
	}
	fmt.Fprintf(os.Stdout, "controller=%s session=%s updated=%s connected=%d lost=%d\n", snap.Controller,
		snap.Session, updated, snap.Count(registry.StateConnected), snap.Count(registry.StateLost)+snap.Count(registry.StatePermanentlyLost))
	printEndpoints(os.Stdout, snap.Endpoints)
}

func overrideController(cfg *config.ControllerConfig, listen, apiListen, wsListen, dataDir string) {
	if listen != "" {
		cfg.Listen = listen
	}
	if apiListen != "" {
		cfg.APIListen = apiListen
	}
	if wsListen != "" {
		cfg.WSListen = wsListen
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
}
