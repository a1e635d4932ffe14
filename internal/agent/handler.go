package agent

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"capsync/internal/marker"
	"capsync/internal/protocol"
	"capsync/internal/timesync"
	"capsync/internal/transport"
)

// OnConnect records the controller the link was accepted by.
func (a *Agent) OnConnect(p transport.Peer) {
	a.mu.Lock()
	a.controller = p.ID
	a.mu.Unlock()
	a.lastContact.Store(a.now())
	a.log.Info("linked to controller", zap.String("controller", p.ID), zap.String("remote", p.Remote))
}

// OnDisconnect keeps the adopted offset; the controller re-syncs after the
// endpoint reconnects.
func (a *Agent) OnDisconnect(id string, err error) {
	if err == nil {
		a.log.Info("controller closed the link", zap.String("controller", id))
		return
	}
	a.log.Warn("controller link lost", zap.String("controller", id), zap.Error(err))
}

// OnError logs frames that could not be decoded.
func (a *Agent) OnError(id string, err error) {
	a.log.Warn("transport error", zap.String("controller", id), zap.Error(err))
}

// OnMessage handles one controller message in arrival order.
func (a *Agent) OnMessage(in transport.Inbound) {
	a.lastContact.Store(in.ReceivedAt)
	msg := in.Msg

	switch msg.Type {
	case protocol.TypePing:
		a.answerPing(in)

	case protocol.TypeHeartbeat:
		a.reply(msg, protocol.TypeAck, protocol.StatusOK, "alive")

	case protocol.TypeStart, protocol.TypeStop:
		a.handleCommand(msg)

	case protocol.TypeStatus:
		a.reply(msg, protocol.TypeAck, protocol.StatusOK, "status", a.status().Data()...)

	case protocol.TypeMarker:
		ev, err := marker.Record(msg, in.ReceivedAt, a.est, a.opts.ID)
		if err != nil {
			a.reply(msg, protocol.TypeNack, protocol.StatusErrorInvalidCmd, err.Error())
			return
		}
		a.appendMarker(ev)
		a.reply(msg, protocol.TypeAck, protocol.StatusOK, "marker",
			ev.MarkerID, string(ev.Kind), itoa(ev.LocalTimestamp), itoa(ev.MasterTimestamp))

	case protocol.TypeAck, protocol.TypeNack, protocol.TypeError:
		resp, _ := msg.Response()
		if msg.Type != protocol.TypeAck {
			a.log.Warn("controller rejected message", zap.Stringer("ref", resp.RefType),
				zap.Stringer("code", resp.Code), zap.String("text", resp.Text))
		}

	case protocol.TypeDisconnect:
		a.log.Info("controller announced disconnect", zap.String("reason", msg.Body.(protocol.Disconnect).Reason))

	default:
		a.reply(msg, protocol.TypeNack, protocol.StatusErrorInvalidCmd, "unexpected "+msg.Type.String())
	}
}

// answerPing sends PONG first so the transmit stamp stays close to the wire,
// then adopts the estimate the controller piggybacked.
func (a *Agent) answerPing(in transport.Inbound) {
	ping := in.Msg.Body.(protocol.Ping)
	a.send(timesync.NewPong(a.opts.ID, ping, in.ReceivedAt, a.now()))
	a.pings.Add(1)

	if ping.RTTHint > 0 {
		a.est.Adopt(ping.OffsetHint, ping.RTTHint)
		a.log.Debug("adopted offset", zap.Int64("offset_ms", ping.OffsetHint), zap.Int64("rtt_ms", ping.RTTHint))
	}
}

func (a *Agent) handleCommand(msg protocol.Message) {
	cmd := msg.Body.(protocol.Command)

	a.mu.Lock()
	current := a.recording
	a.mu.Unlock()
	if msg.Type == protocol.TypeStart && current != "" && current != msg.SessionID {
		a.reply(msg, protocol.TypeNack, protocol.StatusErrorBusy, ErrBusy.Error())
		return
	}

	if h := a.opts.Commands; h != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.opts.WriteTimeout)
		err := h.OnCommand(ctx, msg.Type, msg.SessionID, cmd.Args)
		cancel()
		if err != nil {
			code := protocol.StatusErrorGeneral
			if errors.Is(err, ErrBusy) {
				code = protocol.StatusErrorBusy
			}
			a.log.Warn("command failed", zap.Stringer("type", msg.Type), zap.String("session", msg.SessionID), zap.Error(err))
			a.reply(msg, protocol.TypeNack, code, err.Error())
			return
		}
	}

	a.mu.Lock()
	if msg.Type == protocol.TypeStart {
		a.recording = msg.SessionID
		if a.recording == "" {
			a.recording = "default"
		}
	} else {
		a.recording = ""
	}
	a.mu.Unlock()

	a.log.Info("command applied", zap.Stringer("type", msg.Type), zap.String("session", msg.SessionID))
	a.reply(msg, protocol.TypeAck, protocol.StatusOK, msg.Type.String()+" ok")
}

func (a *Agent) status() protocol.DeviceStatus {
	if p := a.opts.Status; p != nil {
		return p.DeviceStatus()
	}
	_, recording := a.Recording()
	return protocol.DeviceStatus{
		Battery:          "unknown",
		StorageRemaining: "unknown",
		ActiveStreams:    map[string]bool{"capture": recording},
	}
}

func (a *Agent) reply(to protocol.Message, t protocol.Type, code protocol.StatusCode, text string, data ...string) {
	m, err := protocol.Reply(to, t, a.opts.ID, a.now(), code, text, data...)
	if err != nil {
		a.log.Error("build reply", zap.Error(err))
		return
	}
	a.send(m)
}

func (a *Agent) send(m protocol.Message) {
	out, err := a.sender()
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), a.opts.WriteTimeout)
	defer cancel()
	if err := out.Send(ctx, "", m); err != nil {
		a.log.Debug("send failed", zap.Stringer("type", m.Type), zap.Error(err))
	}
}
