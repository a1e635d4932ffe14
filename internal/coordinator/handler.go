package coordinator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"capsync/internal/protocol"
	"capsync/internal/registry"
	"capsync/internal/timesync"
	"capsync/internal/transport"
)

var _ transport.Handler = (*Coordinator)(nil)

// OnConnect registers a newly linked endpoint, or recovers a known one, and
// schedules its initial sync.
func (c *Coordinator) OnConnect(p transport.Peer) {
	if _, err := c.bound(); err != nil {
		return
	}
	known := c.reg.Update(p.ID, func(ep *registry.Endpoint) {
		ep.Address = p.Address
		ep.NATType = p.NATType
		ep.ConnectedAt = c.now()
	})
	if known {
		c.mon.MarkAlive(p.ID, c.now())
	} else {
		c.register(p)
	}

	delay := c.opts.InitialSyncDelay
	c.spawn(func(ctx context.Context) {
		if delay > 0 {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}
		_, _ = c.syncEndpoint(ctx, p.ID, "initial")
	})
}

// OnDisconnect marks the endpoint LOST after a link failure, or forgets it
// after a graceful DISCONNECT.
func (c *Coordinator) OnDisconnect(id string, err error) {
	if _, berr := c.bound(); berr != nil {
		return
	}
	graceful := err == nil
	if graceful {
		c.UnregisterEndpoint(id)
		c.log.Info("endpoint left", zap.String("endpoint", id))
	} else {
		c.mon.MarkLost(id)
		c.log.Warn("endpoint link failed", zap.String("endpoint", id), zap.Error(err))
	}
	if h := c.opts.Hooks.OnDisconnected; h != nil {
		h(id, graceful)
	}
}

// OnError logs transport-level problems such as undecodable frames.
func (c *Coordinator) OnError(id string, err error) {
	var de *protocol.DecodeError
	if errors.As(err, &de) {
		c.log.Warn("undecodable message", zap.String("endpoint", id), zap.Error(err))
		return
	}
	c.log.Warn("transport error", zap.String("endpoint", id), zap.Error(err))
}

// OnMessage demultiplexes one inbound message. It runs on the source's
// dispatch goroutine, so messages of one endpoint are handled in order.
func (c *Coordinator) OnMessage(in transport.Inbound) {
	if _, err := c.bound(); err != nil {
		return
	}
	msg, src := in.Msg, in.Source

	if !c.mon.Observe(src, msg, in.ReceivedAt) && msg.Type != protocol.TypeDisconnect {
		// Traffic from an endpoint that was dropped: start over with fresh state.
		c.log.Info("re-registering endpoint", zap.String("endpoint", src))
		c.register(transport.Peer{ID: src})
		c.mon.MarkAlive(src, in.ReceivedAt)
	}

	switch msg.Type {
	case protocol.TypePong:
		pong := msg.Body.(protocol.Pong)
		c.wait.deliver(waitKey{peer: src, ref: protocol.TypePing, ts: pong.Origin}, reply{msg: msg, receivedAt: in.ReceivedAt})

	case protocol.TypeAck, protocol.TypeNack, protocol.TypeError:
		c.handleResponse(in)

	case protocol.TypeHeartbeat:
		c.reply(msg, src, protocol.TypeAck, protocol.StatusOK, "heartbeat")

	case protocol.TypePing:
		// Endpoint-initiated exchange: answer as the master clock.
		ping := msg.Body.(protocol.Ping)
		pong := timesync.NewPong(c.opts.SelfID, ping, in.ReceivedAt, c.now())
		c.send(src, pong)

	case protocol.TypeMarker:
		c.relayMarker(in)

	case protocol.TypeDisconnect:
		c.log.Info("endpoint announced disconnect", zap.String("endpoint", src),
			zap.String("reason", msg.Body.(protocol.Disconnect).Reason))

	default:
		c.reply(msg, src, protocol.TypeNack, protocol.StatusErrorInvalidCmd, "unexpected "+msg.Type.String())
	}
}

func (c *Coordinator) handleResponse(in transport.Inbound) {
	msg, src := in.Msg, in.Source
	resp, _ := msg.Response()
	switch resp.RefType {
	case protocol.TypeHeartbeat:
		return
	case protocol.TypeStatus:
		if msg.Type == protocol.TypeAck {
			c.storeStatus(src, resp.Data)
		}
	case protocol.TypeMarker:
		if msg.Type == protocol.TypeAck {
			c.recordMarkerAck(src, resp)
		}
	}
	if !c.wait.deliver(waitKey{peer: src, ref: resp.RefType, ts: resp.RefTimestamp}, reply{msg: msg, receivedAt: in.ReceivedAt}) {
		c.log.Debug("unsolicited response", zap.String("endpoint", src), zap.Stringer("type", msg.Type),
			zap.Stringer("ref", resp.RefType), zap.Int64("ref_ts", resp.RefTimestamp))
	}
}

func (c *Coordinator) storeStatus(id string, data []string) {
	st, err := protocol.ParseDeviceStatus(data)
	if err != nil {
		c.log.Warn("bad status payload", zap.String("endpoint", id), zap.Error(err))
		return
	}
	c.reg.Update(id, func(ep *registry.Endpoint) { ep.Status = &st })
	if h := c.opts.Hooks.OnStatus; h != nil {
		h(id, st)
	}
}

// reply answers msg without waiting; failures are logged.
func (c *Coordinator) reply(to protocol.Message, target string, t protocol.Type, code protocol.StatusCode, text string, data ...string) {
	m, err := protocol.Reply(to, t, c.opts.SelfID, c.now(), code, text, data...)
	if err != nil {
		c.log.Error("build reply", zap.Error(err))
		return
	}
	c.send(target, m)
}

func (c *Coordinator) send(target string, m protocol.Message) {
	tr, err := c.bound()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.SendTimeout)
	defer cancel()
	if err := tr.Send(ctx, target, m); err != nil {
		c.log.Debug("send failed", zap.String("endpoint", target), zap.Stringer("type", m.Type), zap.Error(err))
	}
}
