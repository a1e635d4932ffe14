package timesync

import "capsync/internal/protocol"

// NewPing opens an exchange at origin, piggybacking the master's current
// estimate for the receiving endpoint. Once synced the RTT hint is at least
// 1 ms, so a zero RTT hint always means "no estimate yet".
func NewPing(masterID string, origin int64, est *Estimator) protocol.Message {
	body := protocol.Ping{Origin: origin}
	if est != nil && est.Synced() {
		body.OffsetHint = est.OffsetToMaster()
		body.RTTHint = max(est.LastRTT(), 1)
	}
	return protocol.MustNew(protocol.TypePing, masterID, origin, "", body)
}

// NewPong answers ping. receivedAt is t1 as captured by the transport;
// transmit is t2 and should be read as late as possible before sending.
func NewPong(endpointID string, ping protocol.Ping, receivedAt, transmit int64) protocol.Message {
	return protocol.MustNew(protocol.TypePong, endpointID, transmit, "", protocol.Pong{
		Origin:   ping.Origin,
		Receive:  receivedAt,
		Transmit: transmit,
	})
}
