package store

import (
	"os"
	"path/filepath"
	"testing"

	"capsync/internal/protocol"
	"capsync/internal/registry"
)

func TestLoadSnapshot_MissingFile_ReturnsEmpty(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	snap, err := LoadSnapshot(filepath.Join(tmp, "endpoints.yaml"))
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if snap == nil {
		t.Fatalf("snapshot is nil")
	}
	if len(snap.Endpoints) != 0 {
		t.Fatalf("endpoints=%d", len(snap.Endpoints))
	}
}

func TestSaveSnapshot_RoundTrip(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "state", "endpoints.yaml")

	in := &Snapshot{
		Controller: "controller",
		Session:    "take-1",
		Endpoints: []registry.Endpoint{
			{ID: "phone-a", Role: protocol.RoleClient, State: registry.StateConnected, OffsetToMaster: -100, LastRTT: 12,
				Status: &protocol.DeviceStatus{Battery: "80", StorageRemaining: "3GB", ActiveStreams: map[string]bool{"video": true}}},
			{ID: "phone-b", Role: protocol.RoleClient, State: registry.StateSuspect, RetryCount: 1},
		},
	}
	if err := SaveSnapshot(path, in); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%o", info.Mode().Perm())
	}

	out, err := LoadSnapshot(path)
	if err != nil {
		t.Fatalf("LoadSnapshot: %v", err)
	}
	if len(out.Endpoints) != 2 {
		t.Fatalf("endpoints=%d", len(out.Endpoints))
	}
	a := out.Endpoints[0]
	if a.OffsetToMaster != -100 || a.Status == nil || !a.Status.ActiveStreams["video"] {
		t.Fatalf("endpoint=%+v", a)
	}
	if out.Count(registry.StateConnected) != 1 || out.Count(registry.StateSuspect) != 1 {
		t.Fatalf("counts wrong: %+v", out.Endpoints)
	}
	if out.UpdatedAt.IsZero() || out.Session != "take-1" {
		t.Fatalf("snapshot=%+v", out)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("temp file left behind: %d entries", len(entries))
	}
}
