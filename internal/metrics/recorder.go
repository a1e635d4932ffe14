package metrics

import (
	"sync"

	"capsync/internal/model"
)

// Recorder appends sync outcomes to a CSV file as they happen. It is safe for
// concurrent use by the coordinator's sync goroutines.
type Recorder struct {
	mu   sync.Mutex
	path string
}

// NewRecorder returns a Recorder appending to path.
func NewRecorder(path string) *Recorder {
	return &Recorder{path: path}
}

// Path returns the CSV file the recorder appends to.
func (r *Recorder) Path() string { return r.path }

// RecordSync appends one row.
func (r *Recorder) RecordSync(m model.SyncMetric) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return AppendCSV(r.path, []model.SyncMetric{m})
}
