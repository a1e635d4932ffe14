package coordinator

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"capsync/internal/marker"
	"capsync/internal/protocol"
	"capsync/internal/registry"
	"capsync/internal/transport"
)

// BroadcastMarker sends a fresh marker to every CONNECTED endpoint. Each
// acknowledgment becomes a marker.Event in the marker log (and in the active
// session, if any).
func (c *Coordinator) BroadcastMarker(ctx context.Context, kind marker.Kind) (string, Report, error) {
	m, err := marker.NewMessage(kind, c.opts.SelfID, c.currentSessionID(), c.now())
	if err != nil {
		return "", nil, err
	}
	if _, err := c.bound(); err != nil {
		return "", nil, err
	}
	id := m.Body.(protocol.Marker).ID
	report := c.deliverMarker(ctx, m, c.reg.ListState(registry.StateConnected))
	c.log.Info("marker broadcast", zap.String("marker", id), zap.String("kind", string(kind)),
		zap.Int("acked", len(report.Succeeded())), zap.Int("targets", len(report)))
	return id, report, nil
}

func (c *Coordinator) deliverMarker(ctx context.Context, m protocol.Message, targets []registry.Endpoint) Report {
	return c.fanOut(targets, func(id string) (protocol.Response, error) {
		return c.request(ctx, id, m, c.opts.CommandTimeout)
	})
}

// relayMarker forwards a marker raised by an endpoint to all other
// CONNECTED endpoints and acknowledges it to the origin.
func (c *Coordinator) relayMarker(in transport.Inbound) {
	msg, src := in.Msg, in.Source
	body := msg.Body.(protocol.Marker)
	ts := strconv.FormatInt(in.ReceivedAt, 10)
	c.reply(msg, src, protocol.TypeAck, protocol.StatusOK, "relayed", body.ID, string(body.Kind), ts, ts)

	var targets []registry.Endpoint
	for _, ep := range c.reg.ListState(registry.StateConnected) {
		if ep.ID != src {
			targets = append(targets, ep)
		}
	}
	if len(targets) == 0 {
		return
	}
	c.spawn(func(ctx context.Context) {
		report := c.deliverMarker(ctx, msg, targets)
		for id, err := range report.Failed() {
			c.log.Warn("marker relay failed", zap.String("marker", body.ID), zap.String("endpoint", id), zap.Error(err))
		}
	})
}

// recordMarkerAck turns a marker ACK into an Event. ACK data is
// [markerId, kind, localReceive, masterEstimate]; the controller's own
// estimate for the endpoint is preferred over the endpoint's.
func (c *Coordinator) recordMarkerAck(src string, resp protocol.Response) {
	if len(resp.Data) < 3 {
		c.log.Warn("marker ack without timestamps", zap.String("endpoint", src))
		return
	}
	local, err := strconv.ParseInt(resp.Data[2], 10, 64)
	if err != nil {
		c.log.Warn("marker ack with bad timestamp", zap.String("endpoint", src), zap.Error(err))
		return
	}
	ev := marker.Event{
		MarkerID:       resp.Data[0],
		Kind:           marker.Kind(resp.Data[1]),
		LocalTimestamp: local,
		DeviceID:       src,
	}
	if est, ok := c.Estimator(src); ok && est.Synced() {
		ev.MasterTimestamp = est.ToMasterTime(local)
	} else if len(resp.Data) > 3 {
		ev.MasterTimestamp, _ = strconv.ParseInt(resp.Data[3], 10, 64)
	}
	c.appendMarker(ev)
}

func (c *Coordinator) appendMarker(ev marker.Event) {
	c.mu.Lock()
	if c.session != nil {
		c.session.Markers = append(c.session.Markers, ev)
	}
	c.markers = append(c.markers, ev)
	if over := len(c.markers) - c.opts.MarkerLogLimit; over > 0 {
		c.markers = append([]marker.Event(nil), c.markers[over:]...)
	}
	c.mu.Unlock()
	if h := c.opts.Hooks.OnMarker; h != nil {
		h(ev)
	}
}

// MarkerEvents returns logged events for markerID, or all events if it is empty.
func (c *Coordinator) MarkerEvents(markerID string) []marker.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []marker.Event
	for _, ev := range c.markers {
		if markerID == "" || ev.MarkerID == markerID {
			out = append(out, ev)
		}
	}
	return out
}

// MarkerSkew reports pairwise cross-endpoint differences for markerID.
func (c *Coordinator) MarkerSkew(markerID string) (marker.Skew, error) {
	events := c.MarkerEvents(markerID)
	if len(events) == 0 {
		return marker.Skew{}, fmt.Errorf("no events for marker %q", markerID)
	}
	return marker.ComputeSkew(markerID, events), nil
}
