package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"capsync/internal/api"
	"capsync/internal/config"
	"capsync/internal/coordinator"
	"capsync/internal/registry"
)

func handleCtl(args []string) {
	sub, rest := subcommand(args, "ctl")
	switch sub {
	case "endpoints":
		ctlEndpoints(rest)
	case "session":
		ctlSession(rest)
	case "sync":
		ctlSync(rest)
	case "command":
		ctlCommand(rest)
	case "status":
		ctlStatus(rest)
	case "marker":
		ctlMarker(rest)
	case "markers":
		ctlMarkers(rest)
	case "skew":
		ctlSkew(rest)
	case "record":
		ctlRecord(rest)
	default:
		unknownSubcommand("ctl", sub)
	}
}

// ctlFlags registers the flags every ctl call shares.
func ctlFlags(name string) (*flag.FlagSet, *string, *string, *time.Duration) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	apiAddr := fs.String("api", "", "controller API address (default from config)")
	timeout := fs.Duration("timeout", 30*time.Second, "request timeout")
	return fs, configPath, apiAddr, timeout
}

func ctlClient(configPath, apiAddr string, timeout time.Duration) (*api.Client, context.Context, context.CancelFunc) {
	if apiAddr == "" {
		cfg, err := loadConfig(configPath)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			fatal(err)
		}
		apiAddr = config.DefaultAPIListen
		if cfg.Controller != nil && cfg.Controller.APIListen != "" {
			apiAddr = cfg.Controller.APIListen
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	return api.NewClient(normalizeBaseURL(apiAddr)), ctx, cancel
}

func ctlEndpoints(args []string) {
	fs, configPath, apiAddr, timeout := ctlFlags("ctl endpoints")
	_ = fs.Parse(args)
	client, ctx, cancel := ctlClient(*configPath, *apiAddr, *timeout)
	defer cancel()

	resp, err := client.Endpoints(ctx)
	if err != nil {
		fatal(err)
	}
	if len(resp.Endpoints) == 0 {
		fmt.Fprintln(os.Stdout, "no registered endpoints")
		return
	}
	printEndpoints(os.Stdout, resp.Endpoints)
}

func ctlSession(args []string) {
	fs, configPath, apiAddr, timeout := ctlFlags("ctl session")
	_ = fs.Parse(args)
	client, ctx, cancel := ctlClient(*configPath, *apiAddr, *timeout)
	defer cancel()

	resp, err := client.Session(ctx)
	if err != nil {
		fatal(err)
	}
	if !resp.Active || resp.Session == nil {
		fmt.Fprintln(os.Stdout, "no active session")
		return
	}
	s := resp.Session
	fmt.Fprintf(os.Stdout, "session=%s started=%s markers=%d\n", s.ID, formatMillis(s.StartedAt), len(s.Markers))
}

func ctlSync(args []string) {
	fs, configPath, apiAddr, timeout := ctlFlags("ctl sync")
	endpoint := fs.String("endpoint", "", "endpoint id (default all connected)")
	_ = fs.Parse(args)
	client, ctx, cancel := ctlClient(*configPath, *apiAddr, *timeout)
	defer cancel()

	resp, err := client.Sync(ctx, *endpoint)
	if err != nil {
		fatal(err)
	}
	printSyncResults(os.Stdout, resp.Results)
}

func ctlCommand(args []string) {
	fs, configPath, apiAddr, timeout := ctlFlags("ctl command")
	typ := fs.String("type", "", "START, STOP or STATUS")
	endpoint := fs.String("endpoint", "", "endpoint id (default broadcast)")
	session := fs.String("session", "", "session id (default active session)")
	_ = fs.Parse(args)
	if *typ == "" {
		fatal(errors.New("--type is required"))
	}
	client, ctx, cancel := ctlClient(*configPath, *apiAddr, *timeout)
	defer cancel()

	resp, err := client.Command(ctx, api.CommandRequest{
		Type:       *typ,
		EndpointID: *endpoint,
		SessionID:  *session,
		Args:       fs.Args(),
	})
	if err != nil {
		fatal(err)
	}
	printReport(os.Stdout, resp.Outcomes)
}

func ctlStatus(args []string) {
	fs, configPath, apiAddr, timeout := ctlFlags("ctl status")
	endpoint := fs.String("endpoint", "", "endpoint id")
	_ = fs.Parse(args)
	if *endpoint == "" {
		fatal(errors.New("--endpoint is required"))
	}
	client, ctx, cancel := ctlClient(*configPath, *apiAddr, *timeout)
	defer cancel()

	resp, err := client.Status(ctx, *endpoint)
	if err != nil {
		fatal(err)
	}
	st := resp.Status
	fmt.Fprintf(os.Stdout, "endpoint=%s battery=%s storage=%s streams=%s\n",
		resp.EndpointID, st.Battery, st.StorageRemaining, st.Data()[2])
}

func ctlMarker(args []string) {
	fs, configPath, apiAddr, timeout := ctlFlags("ctl marker")
	kind := fs.String("kind", "MANUAL", "marker kind")
	_ = fs.Parse(args)
	client, ctx, cancel := ctlClient(*configPath, *apiAddr, *timeout)
	defer cancel()

	resp, err := client.Marker(ctx, *kind)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "marker=%s\n", resp.MarkerID)
	printReport(os.Stdout, resp.Outcomes)
}

func ctlMarkers(args []string) {
	fs, configPath, apiAddr, timeout := ctlFlags("ctl markers")
	id := fs.String("marker", "", "marker id (default all)")
	_ = fs.Parse(args)
	client, ctx, cancel := ctlClient(*configPath, *apiAddr, *timeout)
	defer cancel()

	resp, err := client.Markers(ctx, *id)
	if err != nil {
		fatal(err)
	}
	if len(resp.Events) == 0 {
		fmt.Fprintln(os.Stdout, "no marker events")
		return
	}
	fmt.Fprintf(os.Stdout, "%-28s  %-16s  %-14s  %-14s  %-14s\n", "MARKER", "KIND", "DEVICE", "LOCAL_MS", "MASTER_MS")
	for _, ev := range resp.Events {
		fmt.Fprintf(os.Stdout, "%-28s  %-16s  %-14s  %-14d  %-14d\n", ev.MarkerID, ev.Kind, ev.DeviceID,
			ev.LocalTimestamp, ev.MasterTimestamp)
	}
}

func ctlSkew(args []string) {
	fs, configPath, apiAddr, timeout := ctlFlags("ctl skew")
	id := fs.String("marker", "", "marker id")
	_ = fs.Parse(args)
	if *id == "" {
		fatal(errors.New("--marker is required"))
	}
	client, ctx, cancel := ctlClient(*configPath, *apiAddr, *timeout)
	defer cancel()

	skew, err := client.MarkerSkew(ctx, *id)
	if err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "marker=%s devices=%d max_skew=%dms precise=%t\n", skew.MarkerID, skew.Devices, skew.MaxSkewMs, skew.Precise)
	for _, p := range skew.Pairs {
		fmt.Fprintf(os.Stdout, "  %s - %s: %dms precise=%t\n", p.A, p.B, p.DiffMs, p.Precise)
	}
}

func ctlRecord(args []string) {
	sub, rest := subcommand(args, "ctl record")
	switch sub {
	case "start":
		fs, configPath, apiAddr, timeout := ctlFlags("ctl record start")
		session := fs.String("session", "", "session id (default generated)")
		_ = fs.Parse(rest)
		client, ctx, cancel := ctlClient(*configPath, *apiAddr, *timeout)
		defer cancel()

		resp, err := client.StartRecording(ctx, api.RecordingStartRequest{SessionID: *session, Args: fs.Args()})
		if err != nil {
			fatal(err)
		}
		fmt.Fprintf(os.Stdout, "recording session=%s\n", resp.Session.ID)
		printReport(os.Stdout, resp.Outcomes)
	case "stop":
		fs, configPath, apiAddr, timeout := ctlFlags("ctl record stop")
		_ = fs.Parse(rest)
		client, ctx, cancel := ctlClient(*configPath, *apiAddr, *timeout)
		defer cancel()

		resp, err := client.StopRecording(ctx, api.RecordingStopRequest{Args: fs.Args()})
		if err != nil {
			fatal(err)
		}
		fmt.Fprintf(os.Stdout, "stopped session=%s markers=%d\n", resp.Session.ID, len(resp.Session.Markers))
		printReport(os.Stdout, resp.Outcomes)
		printSkews(os.Stdout, resp.Session)
	default:
		unknownSubcommand("ctl record", sub)
	}
}

func printEndpoints(w io.Writer, endpoints []registry.Endpoint) {
	fmt.Fprintf(w, "%-16s  %-22s  %-10s  %-16s  %-10s  %-7s  %-8s  %-20s\n",
		"ID", "ADDRESS", "NAT", "STATE", "OFFSET_MS", "RTT_MS", "ACCURATE", "LAST_SYNC")
	for _, ep := range endpoints {
		fmt.Fprintf(w, "%-16s  %-22s  %-10s  %-16s  %-10d  %-7d  %-8t  %-20s\n",
			ep.ID, ep.Address, ep.NATType, ep.State, ep.OffsetToMaster, ep.LastRTT, ep.SyncAccurate, formatMillis(ep.LastSyncAt))
	}
}

func printSyncResults(w io.Writer, results []coordinator.SyncResult) {
	if len(results) == 0 {
		fmt.Fprintln(w, "no connected endpoints")
		return
	}
	for _, r := range results {
		if r.Error != "" && r.Attempts == 0 {
			fmt.Fprintf(w, "%-16s  error: %s\n", r.Endpoint, r.Error)
			continue
		}
		fmt.Fprintf(w, "%-16s  offset=%dms rtt=%dms attempts=%d accurate=%t", r.Endpoint, r.OffsetToMaster, r.RTT, r.Attempts, r.Accurate)
		if r.Error != "" {
			fmt.Fprintf(w, " (%s)", r.Error)
		}
		fmt.Fprintln(w)
	}
}

func printReport(w io.Writer, report coordinator.Report) {
	for _, o := range report {
		if o.OK {
			fmt.Fprintf(w, "%-16s  ok %s\n", o.Endpoint, o.Text)
			continue
		}
		msg := o.Error
		if msg == "" {
			msg = o.Code.String() + " " + o.Text
		}
		fmt.Fprintf(w, "%-16s  FAILED %s\n", o.Endpoint, strings.TrimSpace(msg))
	}
}

func printSkews(w io.Writer, s coordinator.Session) {
	for _, sk := range s.Skews {
		fmt.Fprintf(w, "marker=%s devices=%d max_skew=%dms precise=%t\n", sk.MarkerID, sk.Devices, sk.MaxSkewMs, sk.Precise)
	}
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return ""
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
