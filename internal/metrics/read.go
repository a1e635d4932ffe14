package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"capsync/internal/model"
)

// ReadCSV loads sync metrics from a CSV file.
func ReadCSV(path string) ([]model.SyncMetric, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return readCSV(file)
}

func readCSV(r io.Reader) ([]model.SyncMetric, error) {
	reader := csv.NewReader(r)
	records, err := reader.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	start := 0
	if len(records[0]) > 0 && records[0][0] == "timestamp" {
		start = 1
	}

	items := make([]model.SyncMetric, 0, len(records)-start)
	for i := start; i < len(records); i++ {
		rec := records[i]
		if len(rec) < len(syncHeader) {
			return nil, fmt.Errorf("invalid record at line %d", i+1)
		}
		ts, err := time.Parse(time.RFC3339Nano, rec[0])
		if err != nil {
			return nil, fmt.Errorf("invalid timestamp at line %d: %w", i+1, err)
		}
		attempts, _ := strconv.Atoi(rec[3])
		offset, _ := strconv.ParseInt(rec[4], 10, 64)
		rtt, _ := strconv.ParseFloat(rec[5], 64)
		errMs, _ := strconv.ParseFloat(rec[6], 64)
		accurate, _ := strconv.ParseBool(rec[7])
		items = append(items, model.SyncMetric{
			Timestamp:  ts,
			EndpointID: rec[1],
			Trigger:    rec[2],
			Attempts:   attempts,
			OffsetMs:   offset,
			RTTMs:      rtt,
			ErrorMs:    errMs,
			Accurate:   accurate,
		})
	}

	return items, nil
}
