package protocol

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DeviceStatus is the capture layer's status as carried in a STATUS ACK.
// This layer only transports the values.
type DeviceStatus struct {
	Battery          string          `json:"battery" yaml:"battery"`
	StorageRemaining string          `json:"storage_remaining" yaml:"storage_remaining"`
	ActiveStreams    map[string]bool `json:"active_streams" yaml:"active_streams"`
}

// Data renders s as ACK data: battery, storage, "name:bool,..." (sorted by name).
func (s DeviceStatus) Data() []string {
	names := make([]string, 0, len(s.ActiveStreams))
	for name := range s.ActiveStreams {
		names = append(names, name)
	}
	sort.Strings(names)
	streams := make([]string, 0, len(names))
	for _, name := range names {
		streams = append(streams, name+":"+strconv.FormatBool(s.ActiveStreams[name]))
	}
	return []string{s.Battery, s.StorageRemaining, strings.Join(streams, ",")}
}

// ParseDeviceStatus is the inverse of DeviceStatus.Data.
func ParseDeviceStatus(data []string) (DeviceStatus, error) {
	if len(data) < 3 {
		return DeviceStatus{}, fmt.Errorf("%w: status wants 3 fields, got %d", ErrMalformed, len(data))
	}
	st := DeviceStatus{
		Battery:          data[0],
		StorageRemaining: data[1],
		ActiveStreams:    map[string]bool{},
	}
	if data[2] == "" {
		return st, nil
	}
	for _, part := range strings.Split(data[2], ",") {
		name, val, ok := strings.Cut(part, ":")
		if !ok || name == "" {
			return DeviceStatus{}, fmt.Errorf("%w: stream entry %q", ErrMalformed, part)
		}
		active, err := strconv.ParseBool(val)
		if err != nil {
			return DeviceStatus{}, fmt.Errorf("%w: stream %q: %v", ErrMalformed, name, err)
		}
		st.ActiveStreams[name] = active
	}
	return st, nil
}
