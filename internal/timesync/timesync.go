// Package timesync estimates the clock offset and round-trip time between an
// endpoint and the master clock with a four-timestamp exchange.
//
// All timestamps are unix milliseconds. The master sends PING at t0, the
// endpoint receives it at t1 and answers PONG at t2, the master receives the
// PONG at t3.
package timesync

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"capsync/internal/clock"
	"capsync/internal/protocol"
)

const (
	DefaultSyncInterval    = 30 * time.Second
	DefaultMaxAllowedError = 50 * time.Millisecond
)

// ErrSyncQuality marks an exchange whose estimated error exceeds the allowed maximum.
var ErrSyncQuality = errors.New("sync quality below threshold")

// QualityError is returned when rtt/2 exceeds the configured maximum error.
// It is recoverable by re-syncing.
type QualityError struct {
	EstimatedError time.Duration
	MaxAllowed     time.Duration
}

func (e *QualityError) Error() string {
	return fmt.Sprintf("estimated sync error %s exceeds %s", e.EstimatedError, e.MaxAllowed)
}

func (e *QualityError) Unwrap() error { return ErrSyncQuality }

// Sample holds the four timestamps of one exchange.
type Sample struct {
	Origin   int64 // t0, master send
	Receive  int64 // t1, endpoint receive
	Transmit int64 // t2, endpoint reply send
	Arrival  int64 // t3, master receive
}

// SampleFromPong combines a PONG body with the master's arrival time.
func SampleFromPong(p protocol.Pong, arrival int64) Sample {
	return Sample{Origin: p.Origin, Receive: p.Receive, Transmit: p.Transmit, Arrival: arrival}
}

// Offset is ((t1-t0)+(t2-t3))/2: how far the endpoint clock runs ahead of the master.
func (s Sample) Offset() int64 {
	return ((s.Receive - s.Origin) + (s.Transmit - s.Arrival)) / 2
}

// RTT is (t3-t0)-(t2-t1): network time excluding the endpoint's turnaround.
func (s Sample) RTT() int64 {
	return (s.Arrival - s.Origin) - (s.Transmit - s.Receive)
}

// Valid rejects samples whose timestamps are missing or whose RTT is negative.
func (s Sample) Valid() bool {
	return s.Origin > 0 && s.Receive > 0 && s.Transmit >= s.Receive && s.Arrival >= s.Origin && s.RTT() >= 0
}

// Config tunes staleness and accuracy checks.
type Config struct {
	SyncInterval    time.Duration
	MaxAllowedError time.Duration
}

func (c Config) withDefaults() Config {
	if c.SyncInterval <= 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.MaxAllowedError <= 0 {
		c.MaxAllowedError = DefaultMaxAllowedError
	}
	return c
}

// Estimator holds the synchronization state of one endpoint. Reads are
// lock-free; writes come only from the code path that owns the endpoint.
type Estimator struct {
	role  protocol.Role
	cfg   Config
	clock clock.Clock

	offsetToMaster atomic.Int64
	lastRTT        atomic.Int64
	lastSyncAt     atomic.Int64
	synced         atomic.Bool
}

// NewEstimator returns an Estimator for the given role. A nil clock uses the system clock.
func NewEstimator(role protocol.Role, cfg Config, c clock.Clock) *Estimator {
	if c == nil {
		c = clock.System{}
	}
	return &Estimator{role: role, cfg: cfg.withDefaults(), clock: c}
}

// Role reports the estimator's role.
func (e *Estimator) Role() protocol.Role { return e.role }

// Apply folds a completed exchange into the estimate. Only the master role
// computes offsets. Apply stores the sample even when it is noisy and reports
// that with a *QualityError so the caller can decide to re-sync.
func (e *Estimator) Apply(s Sample) (offsetToMaster int64, rtt int64, err error) {
	if e.role != protocol.RoleMaster {
		return 0, 0, fmt.Errorf("timesync: %s role does not compute offsets", e.role)
	}
	if !s.Valid() {
		return 0, 0, fmt.Errorf("timesync: invalid sample %+v", s)
	}
	offsetToMaster = -s.Offset()
	rtt = s.RTT()
	e.offsetToMaster.Store(offsetToMaster)
	e.lastRTT.Store(rtt)
	e.lastSyncAt.Store(clock.Millis(e.clock))
	e.synced.Store(true)
	return offsetToMaster, rtt, e.checkQuality(rtt)
}

// Adopt installs an estimate computed elsewhere, as a client does with the
// hint the master piggybacks on PING.
func (e *Estimator) Adopt(offsetToMaster, rtt int64) {
	e.offsetToMaster.Store(offsetToMaster)
	e.lastRTT.Store(rtt)
	e.lastSyncAt.Store(clock.Millis(e.clock))
	e.synced.Store(true)
}

// Reset forgets the current estimate.
func (e *Estimator) Reset() {
	e.offsetToMaster.Store(0)
	e.lastRTT.Store(0)
	e.lastSyncAt.Store(0)
	e.synced.Store(false)
}

// ToMasterTime converts an endpoint-local timestamp into master time.
func (e *Estimator) ToMasterTime(local int64) int64 {
	return local + e.offsetToMaster.Load()
}

// ToLocalTime converts a master timestamp into endpoint-local time.
func (e *Estimator) ToLocalTime(master int64) int64 {
	return master - e.offsetToMaster.Load()
}

// OffsetToMaster returns the current offset in milliseconds.
func (e *Estimator) OffsetToMaster() int64 { return e.offsetToMaster.Load() }

// LastRTT returns the RTT of the last applied exchange in milliseconds.
func (e *Estimator) LastRTT() int64 { return e.lastRTT.Load() }

// LastSyncAt returns the unix-ms time of the last applied exchange, 0 if none.
func (e *Estimator) LastSyncAt() int64 { return e.lastSyncAt.Load() }

// Synced reports whether any estimate has been applied or adopted.
func (e *Estimator) Synced() bool { return e.synced.Load() }

// SyncNeeded reports whether no estimate exists or it is older than the sync interval.
func (e *Estimator) SyncNeeded() bool {
	if !e.synced.Load() {
		return true
	}
	return clock.Millis(e.clock)-e.lastSyncAt.Load() > e.cfg.SyncInterval.Milliseconds()
}

// EstimatedError is rtt/2.
func (e *Estimator) EstimatedError() time.Duration {
	return time.Duration(e.lastRTT.Load()/2) * time.Millisecond
}

// IsAccurate reports whether a sync happened and rtt/2 is within the allowed error.
func (e *Estimator) IsAccurate() bool {
	return e.synced.Load() && e.checkQuality(e.lastRTT.Load()) == nil
}

func (e *Estimator) checkQuality(rtt int64) error {
	est := time.Duration(rtt/2) * time.Millisecond
	if est > e.cfg.MaxAllowedError {
		return &QualityError{EstimatedError: est, MaxAllowed: e.cfg.MaxAllowedError}
	}
	return nil
}

// ToMasterTime converts with an explicit offset. It is the pure form used
// where no Estimator is at hand.
func ToMasterTime(local, offsetToMaster int64) int64 { return local + offsetToMaster }

// ToLocalTime is the inverse of ToMasterTime.
func ToLocalTime(master, offsetToMaster int64) int64 { return master - offsetToMaster }
