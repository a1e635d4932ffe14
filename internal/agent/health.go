package agent

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Health is a point-in-time view of the endpoint's link and sync state.
type Health struct {
	Connected      bool   `json:"connected"`
	Controller     string `json:"controller,omitempty"`
	Address        string `json:"address,omitempty"`
	NATType        string `json:"nat_type,omitempty"`
	LastContactAt  int64  `json:"last_contact_at"`
	Synced         bool   `json:"synced"`
	OffsetToMaster int64  `json:"offset_to_master_ms"`
	LastRTT        int64  `json:"last_rtt_ms"`
	Pings          int64  `json:"pings"`
	Recording      string `json:"recording,omitempty"`
	Markers        int    `json:"markers"`
}

// Stale reports whether the controller has been silent for longer than
// timeout as of now (unix ms).
func (h Health) Stale(now int64, timeout time.Duration) bool {
	if h.LastContactAt == 0 {
		return true
	}
	return now-h.LastContactAt > timeout.Milliseconds()
}

// Health returns the current snapshot.
func (a *Agent) Health() Health {
	a.mu.Lock()
	h := Health{
		Controller: a.controller,
		Address:    a.hello.Address,
		NATType:    a.hello.NATType,
		Recording:  a.recording,
		Markers:    len(a.markers),
	}
	client := a.client
	a.mu.Unlock()

	h.Connected = client != nil && client.Connected()
	h.LastContactAt = a.lastContact.Load()
	h.Synced = a.est.Synced()
	h.OffsetToMaster = a.est.OffsetToMaster()
	h.LastRTT = a.est.LastRTT()
	h.Pings = a.pings.Load()
	return h
}

// watch logs link health periodically and warns when the controller has gone
// quiet while the link still looks up.
func (a *Agent) watch(ctx context.Context) {
	ticker := time.NewTicker(a.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		h := a.Health()
		if h.Connected && a.opts.IdleTimeout > 0 && h.Stale(a.now(), a.opts.IdleTimeout) {
			a.log.Warn("controller silent", zap.Int64("last_contact_at", h.LastContactAt))
			continue
		}
		a.log.Debug("health",
			zap.Bool("connected", h.Connected),
			zap.Bool("synced", h.Synced),
			zap.Int64("offset_ms", h.OffsetToMaster),
			zap.Int64("rtt_ms", h.LastRTT),
			zap.Int("markers", h.Markers))
	}
}
