package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"capsync/internal/config"
	"capsync/internal/observability"
)

const usage = `capsync - capture device sync controller and endpoint agent

Usage:
  capsync controller init --config <path>
  capsync controller run --config <path> [--listen :8080] [--api 127.0.0.1:8090] [--ws :8081] [--data-dir <dir>]
  capsync controller status --config <path>
  capsync endpoint init --config <path> --id <name> --controller <host:port>
  capsync endpoint run --config <path> [--id <name>] [--controller <host:port>] [--transport tcp|ws]
  capsync ctl endpoints|session [--api <addr>]
  capsync ctl sync [--endpoint <id>]
  capsync ctl command --type START|STOP|STATUS [--endpoint <id>] [--session <id>] [args...]
  capsync ctl status --endpoint <id>
  capsync ctl marker [--kind MANUAL]
  capsync ctl markers [--marker <id>]
  capsync ctl skew --marker <id>
  capsync ctl record start [--session <id>] [args...]
  capsync ctl record stop [args...]
  capsync sessions list|show|delete --config <path> [--id <session>]
  capsync stats --config <path> [--window 5m] [--endpoint <id>]
  capsync export csv --config <path> --out <file>

Environment:
  CAPSYNC_* variables override config keys, e.g. CAPSYNC_ENDPOINT_ID.
  A .env file in the working directory is loaded first.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "warning: .env: %v\n", err)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "controller":
		handleController(os.Args[2:])
	case "endpoint":
		handleEndpoint(os.Args[2:])
	case "ctl":
		handleCtl(os.Args[2:])
	case "sessions":
		handleSessions(os.Args[2:])
	case "stats":
		handleStats(os.Args[2:])
	case "export":
		handleExport(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func loadConfig(path string) (config.Config, error) {
	return config.Load(path)
}

// setupLogger builds the process logger; the returned func flushes it.
func setupLogger(cfg config.Config) (*zap.Logger, func()) {
	log, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		fatal(err)
	}
	return log, func() { _ = log.Sync() }
}

func subcommand(args []string, name string) (string, []string) {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "%s subcommand required\n", name)
		os.Exit(2)
	}
	return args[0], args[1:]
}

func unknownSubcommand(name, sub string) {
	fmt.Fprintf(os.Stderr, "unknown %s subcommand %q\n", name, sub)
	os.Exit(2)
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func normalizeBaseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
