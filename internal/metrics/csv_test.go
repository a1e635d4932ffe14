package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"capsync/internal/model"
)

func TestAppendCSV_WritesHeaderOnce(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "nested", "sync.csv")

	m1 := model.SyncMetric{Timestamp: time.Unix(1, 0).UTC(), EndpointID: "e1", Trigger: "initial", Attempts: 1, OffsetMs: -12, RTTMs: 8, ErrorMs: 4, Accurate: true}
	m2 := model.SyncMetric{Timestamp: time.Unix(2, 0).UTC(), EndpointID: "e2", Trigger: "periodic", Attempts: 3, OffsetMs: 40, RTTMs: 140, ErrorMs: 70}

	if err := AppendCSV(path, []model.SyncMetric{m1}); err != nil {
		t.Fatalf("AppendCSV #1: %v", err)
	}
	if err := AppendCSV(path, []model.SyncMetric{m2}); err != nil {
		t.Fatalf("AppendCSV #2: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%d\n%s", len(lines), string(data))
	}
	if !strings.HasPrefix(lines[0], "timestamp,") {
		t.Fatalf("missing header: %q", lines[0])
	}

	items, err := ReadCSV(path)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("items=%d", len(items))
	}
	if items[0].OffsetMs != -12 || !items[0].Accurate || items[1].Attempts != 3 {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestRecorder_ConcurrentAppends(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "sync.csv")
	rec := NewRecorder(path)

	done := make(chan error, 20)
	for i := 0; i < 20; i++ {
		go func(i int) {
			done <- rec.RecordSync(model.SyncMetric{Timestamp: time.Unix(int64(i), 0), EndpointID: "e", RTTMs: float64(i)})
		}(i)
	}
	for i := 0; i < 20; i++ {
		if err := <-done; err != nil {
			t.Fatalf("RecordSync: %v", err)
		}
	}

	items, err := ReadCSV(path)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}
	if len(items) != 20 {
		t.Fatalf("items=%d", len(items))
	}
}
