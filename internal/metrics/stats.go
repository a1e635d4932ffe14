package metrics

import (
	"math"
	"sort"
	"time"

	"capsync/internal/model"
)

// Summary is a basic statistics snapshot of sync runs.
type Summary struct {
	Count         int
	From          time.Time
	To            time.Time
	AvgRTTMs      float64
	P95RTTMs      float64
	MinRTTMs      float64
	MaxRTTMs      float64
	AvgAbsOffset  float64
	MaxAbsOffset  int64
	AccurateRatio float64
	AvgAttempts   float64
}

// Summarize computes summary metrics for items in a time window. An empty
// endpointID includes every endpoint.
func Summarize(items []model.SyncMetric, since time.Time, endpointID string) Summary {
	filtered := make([]model.SyncMetric, 0, len(items))
	for _, m := range items {
		if endpointID != "" && m.EndpointID != endpointID {
			continue
		}
		if m.Timestamp.After(since) || m.Timestamp.Equal(since) {
			filtered = append(filtered, m)
		}
	}

	if len(filtered) == 0 {
		return Summary{Count: 0}
	}

	values := make([]float64, 0, len(filtered))
	var sumRTT, sumOffset, sumAttempts float64
	var accurate int
	var maxOffset int64
	minRTT := math.MaxFloat64
	maxRTT := 0.0
	from := filtered[0].Timestamp
	to := filtered[0].Timestamp

	for _, m := range filtered {
		values = append(values, m.RTTMs)
		sumRTT += m.RTTMs
		sumAttempts += float64(m.Attempts)
		off := m.OffsetMs
		if off < 0 {
			off = -off
		}
		sumOffset += float64(off)
		if off > maxOffset {
			maxOffset = off
		}
		if m.Accurate {
			accurate++
		}
		if m.RTTMs < minRTT {
			minRTT = m.RTTMs
		}
		if m.RTTMs > maxRTT {
			maxRTT = m.RTTMs
		}
		if m.Timestamp.Before(from) {
			from = m.Timestamp
		}
		if m.Timestamp.After(to) {
			to = m.Timestamp
		}
	}

	sort.Float64s(values)
	count := float64(len(filtered))

	return Summary{
		Count:         len(filtered),
		From:          from,
		To:            to,
		AvgRTTMs:      sumRTT / count,
		P95RTTMs:      percentile(values, 0.95),
		MinRTTMs:      minRTT,
		MaxRTTMs:      maxRTT,
		AvgAbsOffset:  sumOffset / count,
		MaxAbsOffset:  maxOffset,
		AccurateRatio: float64(accurate) / count,
		AvgAttempts:   sumAttempts / count,
	}
}

// SkewSummary aggregates marker skew records.
type SkewSummary struct {
	Markers      int
	AvgMaxSkewMs float64
	P95MaxSkewMs float64
	WorstSkewMs  int64
	WorstMarker  string
	Imprecise    int
}

// SummarizeSkew computes statistics over per-marker skew records.
func SummarizeSkew(items []model.SkewMetric) SkewSummary {
	if len(items) == 0 {
		return SkewSummary{}
	}
	out := SkewSummary{Markers: len(items)}
	values := make([]float64, 0, len(items))
	var sum float64
	for _, s := range items {
		values = append(values, float64(s.MaxSkewMs))
		sum += float64(s.MaxSkewMs)
		if s.MaxSkewMs > out.WorstSkewMs || out.WorstMarker == "" {
			out.WorstSkewMs = s.MaxSkewMs
			out.WorstMarker = s.MarkerID
		}
		if !s.Precise {
			out.Imprecise++
		}
	}
	sort.Float64s(values)
	out.AvgMaxSkewMs = sum / float64(len(items))
	out.P95MaxSkewMs = percentile(values, 0.95)
	return out
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
