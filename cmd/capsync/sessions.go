package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"capsync/internal/archive"
	"capsync/internal/config"
	"capsync/internal/metrics"
)

func handleSessions(args []string) {
	sub, rest := subcommand(args, "sessions")
	fs := flag.NewFlagSet("sessions "+sub, flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	id := fs.String("id", "", "session id")
	_ = fs.Parse(rest)

	arch := openArchive(*configPath)
	defer arch.Close()
	ctx := context.Background()

	switch sub {
	case "list":
		items, err := arch.ListSessions(ctx)
		if err != nil {
			fatal(err)
		}
		if len(items) == 0 {
			fmt.Fprintln(os.Stdout, "no archived sessions")
			return
		}
		fmt.Fprintf(os.Stdout, "%-36s  %-20s  %-20s  %-9s  %-7s  %-8s\n", "ID", "STARTED", "STOPPED", "ENDPOINTS", "MARKERS", "MAX_SKEW")
		for _, s := range items {
			fmt.Fprintf(os.Stdout, "%-36s  %-20s  %-20s  %-9d  %-7d  %-8d\n", s.ID, formatMillis(s.StartedAt),
				formatMillis(s.StoppedAt), s.Endpoints, s.Markers, s.MaxSkewMs)
		}
	case "show":
		if *id == "" {
			fatal(errors.New("--id is required"))
		}
		s, err := arch.GetSession(ctx, *id)
		if err != nil {
			fatal(err)
		}
		fmt.Fprintf(os.Stdout, "session=%s started=%s stopped=%s\n", s.ID, formatMillis(s.StartedAt), formatMillis(s.StoppedAt))
		if len(s.Endpoints) > 0 {
			printEndpoints(os.Stdout, s.Endpoints)
		}
		for _, ev := range s.Markers {
			fmt.Fprintf(os.Stdout, "  %-28s  %-16s  %-14s  local=%d master=%d\n", ev.MarkerID, ev.Kind, ev.DeviceID,
				ev.LocalTimestamp, ev.MasterTimestamp)
		}
		printSkews(os.Stdout, s)
	case "delete":
		if *id == "" {
			fatal(errors.New("--id is required"))
		}
		if err := arch.DeleteSession(ctx, *id); err != nil {
			fatal(err)
		}
		fmt.Fprintf(os.Stdout, "deleted %s\n", *id)
	default:
		unknownSubcommand("sessions", sub)
	}
}

func handleStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	window := fs.String("window", config.DefaultMetricsWindow, "time window")
	endpoint := fs.String("endpoint", "", "restrict to one endpoint")
	path := fs.String("path", "", "sync metrics CSV path override")
	_ = fs.Parse(args)

	span, err := time.ParseDuration(*window)
	if err != nil {
		fatal(fmt.Errorf("--window: %w", err))
	}
	cfg := controllerConfig(*configPath)
	metricsPath := cfg.Controller.MetricsPath
	if *path != "" {
		metricsPath = *path
	}

	items, err := metrics.ReadCSV(metricsPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		fatal(err)
	}
	cutoff := time.Now().UTC().Add(-span)
	summary := metrics.Summarize(items, cutoff, *endpoint)
	if summary.Count == 0 {
		fmt.Fprintln(os.Stdout, "no sync samples in window")
	} else {
		fmt.Fprintf(os.Stdout, "syncs=%d from=%s to=%s\n", summary.Count, summary.From.Format(time.RFC3339), summary.To.Format(time.RFC3339))
		fmt.Fprintf(os.Stdout, "rtt avg=%.2fms p95=%.2fms min=%.2fms max=%.2fms\n", summary.AvgRTTMs, summary.P95RTTMs, summary.MinRTTMs, summary.MaxRTTMs)
		fmt.Fprintf(os.Stdout, "offset avg|abs|=%.2fms max|abs|=%dms accurate=%.0f%% attempts avg=%.2f\n",
			summary.AvgAbsOffset, summary.MaxAbsOffset, summary.AccurateRatio*100, summary.AvgAttempts)
	}

	arch, err := archive.Open(cfg.Controller.ArchivePath)
	if err != nil {
		fatal(err)
	}
	defer arch.Close()
	skews, err := arch.SkewMetrics(context.Background(), cutoff)
	if err != nil {
		fatal(err)
	}
	sk := metrics.SummarizeSkew(skews)
	if sk.Markers == 0 {
		return
	}
	fmt.Fprintf(os.Stdout, "markers=%d skew avg=%.2fms p95=%.2fms worst=%dms (%s) imprecise=%d\n",
		sk.Markers, sk.AvgMaxSkewMs, sk.P95MaxSkewMs, sk.WorstSkewMs, sk.WorstMarker, sk.Imprecise)
}

func handleExport(args []string) {
	sub, rest := subcommand(args, "export")
	if sub != "csv" {
		fmt.Fprintf(os.Stderr, "unknown export format %q\n", sub)
		os.Exit(2)
	}

	fs := flag.NewFlagSet("export csv", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	out := fs.String("out", "", "output file")
	endpoint := fs.String("endpoint", "", "restrict to one endpoint")
	_ = fs.Parse(rest)
	if *out == "" {
		fatal(errors.New("--out is required"))
	}

	cfg := controllerConfig(*configPath)
	items, err := metrics.ReadCSV(cfg.Controller.MetricsPath)
	if err != nil {
		fatal(err)
	}
	if *endpoint != "" {
		kept := items[:0]
		for _, m := range items {
			if m.EndpointID == *endpoint {
				kept = append(kept, m)
			}
		}
		items = kept
	}

	f, err := os.Create(*out)
	if err != nil {
		fatal(err)
	}
	if err := metrics.WriteCSV(f, items); err != nil {
		f.Close()
		fatal(err)
	}
	fatal(f.Close())
	fmt.Fprintf(os.Stdout, "exported %d rows to %s\n", len(items), *out)
}

// controllerConfig loads the config and fills controller paths so offline
// commands find the same files the controller writes.
func controllerConfig(path string) config.Config {
	cfg, err := loadConfig(path)
	if err != nil {
		fatal(err)
	}
	if cfg.Controller == nil {
		cfg.Controller = &config.ControllerConfig{}
		config.ApplyDefaults(&cfg)
	}
	return cfg
}

func openArchive(configPath string) *archive.Archive {
	cfg := controllerConfig(configPath)
	arch, err := archive.Open(cfg.Controller.ArchivePath)
	if err != nil {
		fatal(err)
	}
	return arch
}
