// Package marker creates synchronization markers and records their receipt.
package marker

import (
	"fmt"
	"sort"
	"strconv"
	"sync/atomic"

	"capsync/internal/protocol"
	"capsync/internal/timesync"
)

// Kind classifies a marker.
type Kind = protocol.MarkerKind

// Event is one endpoint's observation of a marker. Timestamps are unix ms;
// MasterTimestamp is 0 when the observer had no offset estimate.
type Event struct {
	MarkerID        string `json:"marker_id" yaml:"marker_id"`
	Kind            Kind   `json:"kind" yaml:"kind"`
	LocalTimestamp  int64  `json:"local_timestamp" yaml:"local_timestamp"`
	MasterTimestamp int64  `json:"master_timestamp" yaml:"master_timestamp"`
	DeviceID        string `json:"device_id" yaml:"device_id"`
}

var seq atomic.Uint64

// GenerateID returns prefix_<ms>_<seq>. The sequence keeps ids unique when
// several markers are created within the same millisecond.
func GenerateID(prefix string, nowMs int64) string {
	if prefix == "" {
		prefix = "marker"
	}
	return prefix + "_" + strconv.FormatInt(nowMs, 10) + "_" + strconv.FormatUint(seq.Add(1), 10)
}

// NewMessage builds a MARKER carrying a fresh id and the sender's send time.
func NewMessage(kind Kind, senderID, sessionID string, nowMs int64) (protocol.Message, error) {
	return NewMessageWithID(GenerateID(string(kind), nowMs), kind, senderID, sessionID, nowMs)
}

// NewMessageWithID is NewMessage with a caller-chosen marker id.
func NewMessageWithID(id string, kind Kind, senderID, sessionID string, nowMs int64) (protocol.Message, error) {
	if !kind.Valid() {
		return protocol.Message{}, fmt.Errorf("marker: unknown kind %q", kind)
	}
	if id == "" {
		return protocol.Message{}, fmt.Errorf("marker: empty id")
	}
	return protocol.New(protocol.TypeMarker, senderID, nowMs, sessionID, protocol.Marker{
		ID:     id,
		Kind:   kind,
		SentAt: nowMs,
	})
}

// Record turns a received MARKER into an Event. receivedAt must be captured
// before any further processing of the message. est may be nil or unsynced,
// in which case MasterTimestamp stays 0.
func Record(m protocol.Message, receivedAt int64, est *timesync.Estimator, deviceID string) (Event, error) {
	body, ok := m.Body.(protocol.Marker)
	if !ok || m.Type != protocol.TypeMarker {
		return Event{}, fmt.Errorf("marker: not a marker message: %s", m.Type)
	}
	ev := Event{
		MarkerID:       body.ID,
		Kind:           body.Kind,
		LocalTimestamp: receivedAt,
		DeviceID:       deviceID,
	}
	if est != nil && est.Synced() {
		ev.MasterTimestamp = est.ToMasterTime(receivedAt)
	}
	return ev, nil
}

// TimeDifference returns b - a in milliseconds. Master timestamps are compared
// when both are known; otherwise local timestamps are used and precise is
// false, since local clocks of different devices are not comparable.
func TimeDifference(a, b Event) (diff int64, precise bool) {
	if a.MasterTimestamp > 0 && b.MasterTimestamp > 0 {
		return b.MasterTimestamp - a.MasterTimestamp, true
	}
	return b.LocalTimestamp - a.LocalTimestamp, false
}

// Pair is the difference between two devices' observations of one marker.
type Pair struct {
	A       string `json:"a"`
	B       string `json:"b"`
	DiffMs  int64  `json:"diff_ms"`
	Precise bool   `json:"precise"`
}

// Skew summarizes cross-device alignment of one marker.
type Skew struct {
	MarkerID  string `json:"marker_id"`
	Devices   int    `json:"devices"`
	Pairs     []Pair `json:"pairs"`
	MaxSkewMs int64  `json:"max_skew_ms"`
	Precise   bool   `json:"precise"`
}

// ComputeSkew compares every pair of events with the given marker id.
// Events are ordered by device id so the report is stable.
func ComputeSkew(markerID string, events []Event) Skew {
	var matched []Event
	for _, ev := range events {
		if ev.MarkerID == markerID {
			matched = append(matched, ev)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].DeviceID < matched[j].DeviceID })

	out := Skew{MarkerID: markerID, Devices: len(matched), Precise: true}
	for i := 0; i < len(matched); i++ {
		for j := i + 1; j < len(matched); j++ {
			d, precise := TimeDifference(matched[i], matched[j])
			out.Pairs = append(out.Pairs, Pair{A: matched[i].DeviceID, B: matched[j].DeviceID, DiffMs: d, Precise: precise})
			if abs(d) > out.MaxSkewMs {
				out.MaxSkewMs = abs(d)
			}
			if !precise {
				out.Precise = false
			}
		}
	}
	return out
}

// IDs returns the distinct marker ids in events, in first-seen order.
func IDs(events []Event) []string {
	seen := map[string]bool{}
	var out []string
	for _, ev := range events {
		if !seen[ev.MarkerID] {
			seen[ev.MarkerID] = true
			out = append(out, ev.MarkerID)
		}
	}
	return out
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
