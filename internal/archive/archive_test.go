package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capsync/internal/coordinator"
	"capsync/internal/marker"
	"capsync/internal/protocol"
	"capsync/internal/registry"
)

func openTest(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "db", "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func sampleSession(id string, started int64) coordinator.Session {
	events := []marker.Event{
		{MarkerID: "m1", Kind: protocol.MarkerStartRecording, DeviceID: "B", LocalTimestamp: 1100, MasterTimestamp: 1000},
		{MarkerID: "m1", Kind: protocol.MarkerStartRecording, DeviceID: "C", LocalTimestamp: 1050, MasterTimestamp: 1004},
		{MarkerID: "m2", Kind: protocol.MarkerStopRecording, DeviceID: "B", LocalTimestamp: 9100, MasterTimestamp: 9000},
	}
	return coordinator.Session{
		ID:        id,
		StartedAt: started,
		StoppedAt: started + 8000,
		Endpoints: []registry.Endpoint{
			{ID: "B", Role: protocol.RoleClient, State: registry.StateConnected, OffsetToMaster: -100},
			{ID: "C", Role: protocol.RoleClient, State: registry.StateConnected, OffsetToMaster: -46},
		},
		Markers: events,
		Skews: []marker.Skew{
			marker.ComputeSkew("m1", events),
			marker.ComputeSkew("m2", events),
		},
	}
}

func TestSaveAndGetSession(t *testing.T) {
	t.Parallel()
	a := openTest(t)
	ctx := context.Background()

	in := sampleSession("take-1", 1000)
	require.NoError(t, a.SaveSession(ctx, in))

	out, err := a.GetSession(ctx, "take-1")
	require.NoError(t, err)
	assert.Equal(t, in.ID, out.ID)
	assert.Equal(t, in.StoppedAt, out.StoppedAt)
	assert.Equal(t, in.Markers, out.Markers)
	require.Len(t, out.Endpoints, 2)
	assert.Equal(t, int64(-100), out.Endpoints[0].OffsetToMaster)
	require.Len(t, out.Skews, 2)
	assert.Equal(t, int64(4), out.Skews[0].MaxSkewMs)
	assert.True(t, out.Skews[0].Precise)
	assert.Equal(t, in.Skews[0].Pairs, out.Skews[0].Pairs)
}

func TestSaveSession_Replaces(t *testing.T) {
	t.Parallel()
	a := openTest(t)
	ctx := context.Background()

	s := sampleSession("take-1", 1000)
	require.NoError(t, a.SaveSession(ctx, s))
	s.Markers = s.Markers[:1]
	s.Skews = nil
	require.NoError(t, a.SaveSession(ctx, s))

	out, err := a.GetSession(ctx, "take-1")
	require.NoError(t, err)
	assert.Len(t, out.Markers, 1)
	assert.Empty(t, out.Skews)
}

func TestListSessions_NewestFirst(t *testing.T) {
	t.Parallel()
	a := openTest(t)
	ctx := context.Background()

	require.NoError(t, a.SaveSession(ctx, sampleSession("old", 1000)))
	require.NoError(t, a.SaveSession(ctx, sampleSession("new", 50000)))

	list, err := a.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, 2, list[0].Endpoints)
	assert.Equal(t, 3, list[0].Markers)
	assert.Equal(t, int64(4), list[0].MaxSkewMs)
}

func TestSkewMetrics(t *testing.T) {
	t.Parallel()
	a := openTest(t)
	ctx := context.Background()

	require.NoError(t, a.SaveSession(ctx, sampleSession("old", 1000)))
	require.NoError(t, a.SaveSession(ctx, sampleSession("new", 50000)))

	all, err := a.SkewMetrics(ctx, time.UnixMilli(0))
	require.NoError(t, err)
	assert.Len(t, all, 4)

	recent, err := a.SkewMetrics(ctx, time.UnixMilli(10000))
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "new", recent[0].SessionID)
	assert.Equal(t, "START_RECORDING", recent[0].Kind)
	assert.Equal(t, 2, recent[0].Devices)
}

func TestGetAndDelete_NotFound(t *testing.T) {
	t.Parallel()
	a := openTest(t)
	ctx := context.Background()

	_, err := a.GetSession(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, a.DeleteSession(ctx, "missing"), ErrNotFound)

	require.NoError(t, a.SaveSession(ctx, sampleSession("take-1", 1000)))
	require.NoError(t, a.DeleteSession(ctx, "take-1"))
	_, err = a.GetSession(ctx, "take-1")
	require.ErrorIs(t, err, ErrNotFound)
}
