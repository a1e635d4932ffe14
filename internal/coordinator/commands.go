package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"capsync/internal/protocol"
	"capsync/internal/registry"
)

// request sends m to target and waits for the ACK, NACK or ERROR that
// references it. A NACK or ERROR is returned with an error wrapping ErrNacked.
func (c *Coordinator) request(ctx context.Context, target string, m protocol.Message, timeout time.Duration) (protocol.Response, error) {
	tr, err := c.bound()
	if err != nil {
		return protocol.Response{}, err
	}
	if _, ok := c.reg.Get(target); !ok {
		return protocol.Response{}, fmt.Errorf("%w: %s", ErrUnknownEndpoint, target)
	}

	key := waitKey{peer: target, ref: m.Type, ts: m.Timestamp}
	ch := c.wait.add(key)

	sctx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
	err = tr.Send(sctx, target, m)
	cancel()
	if err != nil {
		c.wait.remove(key, ch)
		return protocol.Response{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		resp, _ := r.msg.Response()
		if r.msg.Type != protocol.TypeAck {
			return resp, fmt.Errorf("%w: %s %s: %s", ErrNacked, r.msg.Type, resp.Code, resp.Text)
		}
		return resp, nil
	case <-timer.C:
		c.wait.remove(key, ch)
		return protocol.Response{}, fmt.Errorf("%w: %s to %s after %s", ErrCommandTimeout, m.Type, target, timeout)
	case <-ctx.Done():
		c.wait.remove(key, ch)
		return protocol.Response{}, ctx.Err()
	case <-c.done:
		c.wait.remove(key, ch)
		return protocol.Response{}, ErrStopped
	}
}

// SendCommand sends a START, STOP or STATUS to one endpoint and waits for
// its acknowledgment within the command timeout.
func (c *Coordinator) SendCommand(ctx context.Context, t protocol.Type, target, sessionID string, args ...string) (protocol.Response, error) {
	m, err := c.buildCommand(t, sessionID, args)
	if err != nil {
		return protocol.Response{}, err
	}
	resp, err := c.request(ctx, target, m, c.opts.CommandTimeout)
	if err != nil {
		c.log.Warn("command failed", zap.String("endpoint", target), zap.Stringer("type", t), zap.Error(err))
	}
	return resp, err
}

func (c *Coordinator) buildCommand(t protocol.Type, sessionID string, args []string) (protocol.Message, error) {
	switch t {
	case protocol.TypeStart, protocol.TypeStop:
		return protocol.NewCommand(t, c.opts.SelfID, c.now(), sessionID, args...)
	case protocol.TypeStatus:
		return protocol.New(t, c.opts.SelfID, c.now(), sessionID, protocol.StatusQuery{})
	}
	return protocol.Message{}, fmt.Errorf("%w: %s is not a command", protocol.ErrMalformed, t)
}

// Outcome is the result of delivering a command to one endpoint.
type Outcome struct {
	Endpoint string              `json:"endpoint"`
	OK       bool                `json:"ok"`
	Code     protocol.StatusCode `json:"code"`
	Text     string              `json:"text,omitempty"`
	Err      error               `json:"-"`
	Error    string              `json:"error,omitempty"`
}

// Report lists per-endpoint outcomes, sorted by endpoint id.
type Report []Outcome

// Succeeded returns the endpoints that acknowledged.
func (r Report) Succeeded() []string {
	var out []string
	for _, o := range r {
		if o.OK {
			out = append(out, o.Endpoint)
		}
	}
	return out
}

// Failed maps each failing endpoint to its error.
func (r Report) Failed() map[string]error {
	out := map[string]error{}
	for _, o := range r {
		if !o.OK {
			out[o.Endpoint] = o.Err
		}
	}
	return out
}

// BroadcastCommand sends the command to every CONNECTED endpoint
// concurrently. A failure on one endpoint never affects the others.
func (c *Coordinator) BroadcastCommand(ctx context.Context, t protocol.Type, sessionID string, args ...string) (Report, error) {
	if _, err := c.buildCommand(t, sessionID, args); err != nil {
		return nil, err
	}
	targets := c.reg.ListState(registry.StateConnected)
	return c.fanOut(targets, func(id string) (protocol.Response, error) {
		return c.SendCommand(ctx, t, id, sessionID, args...)
	}), nil
}

func (c *Coordinator) fanOut(targets []registry.Endpoint, do func(id string) (protocol.Response, error)) Report {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(Report, 0, len(targets))
	)
	for _, ep := range targets {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			resp, err := do(id)
			o := Outcome{Endpoint: id, OK: err == nil, Code: resp.Code, Text: resp.Text, Err: err}
			if err != nil {
				o.Error = err.Error()
			}
			mu.Lock()
			out = append(out, o)
			mu.Unlock()
		}(ep.ID)
	}
	wg.Wait()
	sort.Slice(out, func(i, j int) bool { return out[i].Endpoint < out[j].Endpoint })
	return out
}

// RequestStatus queries one endpoint's device status.
func (c *Coordinator) RequestStatus(ctx context.Context, target string) (protocol.DeviceStatus, error) {
	resp, err := c.SendCommand(ctx, protocol.TypeStatus, target, c.currentSessionID())
	if err != nil {
		return protocol.DeviceStatus{}, err
	}
	return protocol.ParseDeviceStatus(resp.Data)
}
