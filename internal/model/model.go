package model

import "time"

// SyncMetric is the outcome of one time-sync run against an endpoint.
type SyncMetric struct {
	Timestamp  time.Time
	EndpointID string
	Trigger    string // initial|periodic|manual|recovery
	Attempts   int
	OffsetMs   int64
	RTTMs      float64
	ErrorMs    float64 // rtt/2
	Accurate   bool
}

// SkewMetric records the cross-device alignment of one marker.
type SkewMetric struct {
	Timestamp time.Time
	SessionID string
	MarkerID  string
	Kind      string
	Devices   int
	MaxSkewMs int64
	Precise   bool
}
