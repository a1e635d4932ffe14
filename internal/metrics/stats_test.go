package metrics

import (
	"testing"
	"time"

	"capsync/internal/model"
)

func TestSummarize_Basic(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	items := []model.SyncMetric{
		{Timestamp: now.Add(-10 * time.Second), EndpointID: "a", RTTMs: 10, OffsetMs: -4, Attempts: 1, Accurate: true},
		{Timestamp: now.Add(-5 * time.Second), EndpointID: "a", RTTMs: 20, OffsetMs: 8, Attempts: 3},
		{Timestamp: now.Add(-5 * time.Second), EndpointID: "b", RTTMs: 500},
	}
	s := Summarize(items, now.Add(-1*time.Minute), "a")
	if s.Count != 2 {
		t.Fatalf("count=%d", s.Count)
	}
	if s.AvgRTTMs != 15 {
		t.Fatalf("avg_rtt=%.2f", s.AvgRTTMs)
	}
	if s.MinRTTMs != 10 || s.MaxRTTMs != 20 {
		t.Fatalf("min/max=%.2f/%.2f", s.MinRTTMs, s.MaxRTTMs)
	}
	if s.AvgAbsOffset != 6 || s.MaxAbsOffset != 8 {
		t.Fatalf("offset avg/max=%.2f/%d", s.AvgAbsOffset, s.MaxAbsOffset)
	}
	if s.AccurateRatio != 0.5 || s.AvgAttempts != 2 {
		t.Fatalf("accurate=%.2f attempts=%.2f", s.AccurateRatio, s.AvgAttempts)
	}

	all := Summarize(items, now.Add(-1*time.Minute), "")
	if all.Count != 3 || all.P95RTTMs != 500 {
		t.Fatalf("all count=%d p95=%.2f", all.Count, all.P95RTTMs)
	}
}

func TestSummarizeSkew(t *testing.T) {
	t.Parallel()

	s := SummarizeSkew([]model.SkewMetric{
		{MarkerID: "m1", MaxSkewMs: 4, Precise: true},
		{MarkerID: "m2", MaxSkewMs: 12, Precise: false},
	})
	if s.Markers != 2 || s.WorstMarker != "m2" || s.WorstSkewMs != 12 {
		t.Fatalf("summary=%+v", s)
	}
	if s.AvgMaxSkewMs != 8 || s.Imprecise != 1 {
		t.Fatalf("summary=%+v", s)
	}
}
