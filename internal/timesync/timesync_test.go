package timesync

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capsync/internal/clock"
	"capsync/internal/protocol"
)

func TestSample_SymmetricNetwork(t *testing.T) {
	t.Parallel()

	s := Sample{Origin: 1000, Receive: 1020, Transmit: 1025, Arrival: 1045}
	assert.Equal(t, int64(0), s.Offset())
	assert.Equal(t, int64(40), s.RTT())
}

func TestSample_EndpointAhead(t *testing.T) {
	t.Parallel()

	// Endpoint clock runs 100ms ahead, 10ms each way, 5ms turnaround.
	s := Sample{Origin: 1000, Receive: 1110, Transmit: 1115, Arrival: 1025}
	assert.Equal(t, int64(100), s.Offset())
	assert.Equal(t, int64(20), s.RTT())

	est := NewEstimator(protocol.RoleMaster, Config{}, clock.NewFake(time.UnixMilli(5000)))
	off, rtt, err := est.Apply(s)
	require.NoError(t, err)
	assert.Equal(t, int64(-100), off)
	assert.Equal(t, int64(20), rtt)
	// Endpoint-local 1110 is master 1010.
	assert.Equal(t, int64(1010), est.ToMasterTime(1110))
}

func TestEstimator_RoundTripLaw(t *testing.T) {
	t.Parallel()

	est := NewEstimator(protocol.RoleMaster, Config{}, nil)
	est.Adopt(-37, 12)
	for _, x := range []int64{0, 1, -5, 1_700_000_000_000, 999_999} {
		assert.Equal(t, x, est.ToMasterTime(est.ToLocalTime(x)))
		assert.Equal(t, x, est.ToLocalTime(est.ToMasterTime(x)))
		assert.Equal(t, x, ToMasterTime(ToLocalTime(x, 250), 250))
	}
}

func TestEstimator_QualityAndStaleness(t *testing.T) {
	t.Parallel()

	fake := clock.NewFake(time.UnixMilli(10_000))
	est := NewEstimator(protocol.RoleMaster, Config{SyncInterval: 30 * time.Second, MaxAllowedError: 50 * time.Millisecond}, fake)
	assert.True(t, est.SyncNeeded())
	assert.False(t, est.IsAccurate())

	_, _, err := est.Apply(Sample{Origin: 1000, Receive: 1100, Transmit: 1100, Arrival: 1200})
	var qe *QualityError
	require.ErrorAs(t, err, &qe)
	assert.True(t, errors.Is(err, ErrSyncQuality))
	assert.Equal(t, 100*time.Millisecond, qe.EstimatedError)
	assert.False(t, est.IsAccurate())

	_, _, err = est.Apply(Sample{Origin: 1000, Receive: 1010, Transmit: 1010, Arrival: 1020})
	require.NoError(t, err)
	assert.True(t, est.IsAccurate())
	assert.False(t, est.SyncNeeded())

	fake.Advance(30*time.Second + time.Millisecond)
	assert.True(t, est.SyncNeeded())
}

func TestEstimator_ClientDoesNotCompute(t *testing.T) {
	t.Parallel()

	est := NewEstimator(protocol.RoleClient, Config{}, nil)
	_, _, err := est.Apply(Sample{Origin: 1000, Receive: 1020, Transmit: 1025, Arrival: 1045})
	require.Error(t, err)
	assert.Equal(t, int64(0), est.OffsetToMaster())
	assert.Equal(t, int64(1234), est.ToMasterTime(1234))
}

func TestEstimator_RejectsInvalidSample(t *testing.T) {
	t.Parallel()

	est := NewEstimator(protocol.RoleMaster, Config{}, nil)
	_, _, err := est.Apply(Sample{Origin: 1000, Receive: 1020, Transmit: 1025, Arrival: 1001})
	require.Error(t, err)
	assert.False(t, est.Synced())
}

func TestPingPongHelpers(t *testing.T) {
	t.Parallel()

	est := NewEstimator(protocol.RoleMaster, Config{}, nil)
	est.Adopt(15, 8)
	ping := NewPing("controller", 1000, est)
	body := ping.Body.(protocol.Ping)
	assert.Equal(t, protocol.Ping{Origin: 1000, OffsetHint: 15, RTTHint: 8}, body)

	pong := NewPong("phone", body, 1020, 1025)
	s := SampleFromPong(pong.Body.(protocol.Pong), 1045)
	assert.Equal(t, Sample{Origin: 1000, Receive: 1020, Transmit: 1025, Arrival: 1045}, s)
}

func TestNewPing_ZeroRTTEstimateStillHints(t *testing.T) {
	t.Parallel()

	est := NewEstimator(protocol.RoleMaster, Config{}, nil)
	assert.Equal(t, protocol.Ping{Origin: 500}, NewPing("controller", 500, est).Body)

	est.Adopt(0, 0)
	body := NewPing("controller", 600, est).Body.(protocol.Ping)
	assert.Equal(t, int64(0), body.OffsetHint)
	assert.Equal(t, int64(1), body.RTTHint)
}
