package controller

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"capsync/internal/agent"
	"capsync/internal/api"
	"capsync/internal/archive"
	"capsync/internal/clock"
	"capsync/internal/config"
	"capsync/internal/coordinator"
	"capsync/internal/protocol"
	"capsync/internal/registry"
	"capsync/internal/store"
	"capsync/internal/transport/tcp"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Config{
		Protocol: config.DefaultProtocol(),
		Controller: &config.ControllerConfig{
			ID:        "controller",
			Listen:    "127.0.0.1:0",
			APIListen: "127.0.0.1:0",
			DataDir:   t.TempDir(),
		},
	}
	cfg.Protocol.InitialSyncDelayMS = 3_600_000
	config.ApplyDefaults(&cfg)
	return cfg
}

func TestNewServer_RequiresControllerSection(t *testing.T) {
	t.Parallel()
	_, err := NewServer(config.Config{Protocol: config.DefaultProtocol()}, nil, nil)
	if err == nil {
		t.Fatalf("expected error without controller section")
	}
}

func TestHandler_RejectsBadRequests(t *testing.T) {
	t.Parallel()
	srv, err := NewServer(testConfig(t), zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	h := srv.Handler()

	cases := []struct {
		name   string
		method string
		path   string
		body   string
		status int
	}{
		{"wrong method", http.MethodGet, "/sync", "", http.StatusMethodNotAllowed},
		{"delete endpoints", http.MethodDelete, "/endpoints", "", http.StatusMethodNotAllowed},
		{"unknown command", http.MethodPost, "/commands", `{"type":"REBOOT"}`, http.StatusBadRequest},
		{"unknown field", http.MethodPost, "/commands", `{"type":"START","force":true}`, http.StatusBadRequest},
		{"bad marker kind", http.MethodPost, "/markers", `{"kind":"LAP"}`, http.StatusBadRequest},
		{"skew without id", http.MethodGet, "/markers/skew", "", http.StatusBadRequest},
		{"skew for unknown marker", http.MethodGet, "/markers/skew?marker_id=nope", "", http.StatusNotFound},
		{"status without endpoint", http.MethodPost, "/status", `{}`, http.StatusBadRequest},
		{"not started", http.MethodPost, "/recording/stop", `{}`, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		req := httptest.NewRequest(tc.method, tc.path, strings.NewReader(tc.body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != tc.status {
			t.Fatalf("%s: status = %d, want %d (%s)", tc.name, rec.Code, tc.status, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), `"error"`) {
			t.Fatalf("%s: body %q has no error field", tc.name, rec.Body.String())
		}
	}
}

func TestHandler_EmptyState(t *testing.T) {
	t.Parallel()
	srv, err := NewServer(testConfig(t), zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	h := srv.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/session", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"active":false}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/markers", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"events":[]}`, rec.Body.String())
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want int
	}{
		{coordinator.ErrUnknownEndpoint, http.StatusNotFound},
		{coordinator.ErrSessionActive, http.StatusConflict},
		{coordinator.ErrNoSession, http.StatusConflict},
		{coordinator.ErrNacked, http.StatusBadGateway},
		{coordinator.ErrCommandTimeout, http.StatusGatewayTimeout},
		{errors.Join(errors.New("send"), coordinator.ErrSyncTimeout), http.StatusGatewayTimeout},
		{coordinator.ErrStopped, http.StatusServiceUnavailable},
		{errors.New("other"), http.StatusBadRequest},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("statusFor(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestServer_RecordingSessionEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	log := zaptest.NewLogger(t)
	srv, err := NewServer(cfg, log, nil)
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	closed := false
	t.Cleanup(func() {
		if !closed {
			_ = srv.Close()
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	for _, ep := range []struct {
		id   string
		skew time.Duration
	}{{"phone-a", 0}, {"phone-b", 80 * time.Millisecond}} {
		a, err := agent.New(agent.Options{
			ID:             ep.id,
			Dial:           tcp.Dialer(srv.HubAddr()),
			ReconnectDelay: 100 * time.Millisecond,
			Clock:          clock.Skewed{By: ep.skew},
			Logger:         log,
		})
		require.NoError(t, err)
		runCtx, stop := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = a.Run(runCtx)
		}()
		t.Cleanup(func() {
			_ = a.Close()
			stop()
			<-done
		})
	}

	client := api.NewClient("http://" + srv.APIAddr())
	require.Eventually(t, func() bool {
		resp, err := client.Endpoints(ctx)
		if err != nil {
			return false
		}
		connected := 0
		for _, ep := range resp.Endpoints {
			if ep.State == registry.StateConnected {
				connected++
			}
		}
		return connected == 2
	}, 5*time.Second, 20*time.Millisecond)

	for i := 0; i < 2; i++ {
		syncResp, err := client.Sync(ctx, "")
		require.NoError(t, err)
		require.Len(t, syncResp.Results, 2)
	}

	status, err := client.Status(ctx, "phone-a")
	require.NoError(t, err)
	assert.Equal(t, "phone-a", status.EndpointID)

	_, err = client.Status(ctx, "ghost")
	var apiErr *api.Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.Status)

	started, err := client.StartRecording(ctx, api.RecordingStartRequest{SessionID: "take-1"})
	require.NoError(t, err)
	assert.Equal(t, "take-1", started.Session.ID)
	assert.Len(t, started.Outcomes.Succeeded(), 2)

	_, err = client.StartRecording(ctx, api.RecordingStartRequest{SessionID: "take-2"})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	sessResp, err := client.Session(ctx)
	require.NoError(t, err)
	require.True(t, sessResp.Active)
	assert.Equal(t, "take-1", sessResp.Session.ID)

	cmd, err := client.Command(ctx, api.CommandRequest{Type: "status", EndpointID: "phone-b"})
	require.NoError(t, err)
	require.Len(t, cmd.Outcomes, 1)
	assert.True(t, cmd.Outcomes[0].OK)

	mk, err := client.Marker(ctx, "manual")
	require.NoError(t, err)
	require.NotEmpty(t, mk.MarkerID)
	require.Eventually(t, func() bool {
		resp, err := client.Markers(ctx, mk.MarkerID)
		return err == nil && len(resp.Events) == 2
	}, 3*time.Second, 20*time.Millisecond)

	skew, err := client.MarkerSkew(ctx, mk.MarkerID)
	require.NoError(t, err)
	assert.Equal(t, 2, skew.Devices)

	stopped, err := client.StopRecording(ctx, api.RecordingStopRequest{})
	require.NoError(t, err)
	assert.Equal(t, "take-1", stopped.Session.ID)
	assert.NotZero(t, stopped.Session.StoppedAt)
	assert.NotEmpty(t, stopped.Session.Skews)

	_, err = client.StopRecording(ctx, api.RecordingStopRequest{})
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)

	closed = true
	require.NoError(t, srv.Close())

	snap, err := store.LoadSnapshot(cfg.Controller.SnapshotPath)
	require.NoError(t, err)
	assert.Equal(t, "controller", snap.Controller)
	assert.Len(t, snap.Endpoints, 2)

	arch, err := archive.Open(cfg.Controller.ArchivePath)
	require.NoError(t, err)
	defer arch.Close()
	saved, err := arch.GetSession(context.Background(), "take-1")
	require.NoError(t, err)
	assert.NotEmpty(t, saved.Markers)

	var kinds []protocol.MarkerKind
	for _, ev := range saved.Markers {
		kinds = append(kinds, ev.Kind)
	}
	assert.Contains(t, kinds, protocol.MarkerStartRecording)
	assert.Contains(t, kinds, protocol.MarkerManual)
}
