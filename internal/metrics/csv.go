package metrics

import (
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"capsync/internal/model"
)

var syncHeader = []string{
	"timestamp",
	"endpoint_id",
	"trigger",
	"attempts",
	"offset_ms",
	"rtt_ms",
	"error_ms",
	"accurate",
}

// WriteCSV writes sync metrics to CSV with a fixed column order.
func WriteCSV(w io.Writer, items []model.SyncMetric) error {
	return writeSync(w, items, true)
}

// AppendCSV appends items to path, writing the header only when the file is new or empty.
func AppendCSV(path string, items []model.SyncMetric) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}
	return writeSync(file, items, info.Size() == 0)
}

func writeSync(w io.Writer, items []model.SyncMetric, header bool) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if header {
		if err := writer.Write(syncHeader); err != nil {
			return err
		}
	}
	for _, m := range items {
		record := []string{
			m.Timestamp.UTC().Format(time.RFC3339Nano),
			m.EndpointID,
			m.Trigger,
			strconv.Itoa(m.Attempts),
			strconv.FormatInt(m.OffsetMs, 10),
			strconv.FormatFloat(m.RTTMs, 'f', 3, 64),
			strconv.FormatFloat(m.ErrorMs, 'f', 3, 64),
			strconv.FormatBool(m.Accurate),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	writer.Flush()
	return writer.Error()
}
