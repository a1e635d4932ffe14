package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"capsync/internal/model"
	"capsync/internal/protocol"
	"capsync/internal/registry"
	"capsync/internal/timesync"
	"capsync/internal/transport"
)

// SyncResult is the outcome of syncing one endpoint.
type SyncResult struct {
	Endpoint       string `json:"endpoint"`
	Trigger        string `json:"trigger"`
	Attempts       int    `json:"attempts"`
	OffsetToMaster int64  `json:"offset_to_master_ms"`
	RTT            int64  `json:"rtt_ms"`
	Accurate       bool   `json:"accurate"`
	Err            error  `json:"-"`
	Error          string `json:"error,omitempty"`
}

// SyncWithEndpoint runs a time-sync exchange with one endpoint. Noisy
// samples are retried up to the configured attempt count and the lowest-RTT
// sample is kept; if it is still noisy the estimate is stored but a
// *timesync.QualityError is returned.
func (c *Coordinator) SyncWithEndpoint(ctx context.Context, id string) (SyncResult, error) {
	return c.syncEndpoint(ctx, id, "manual")
}

// SyncWithAllEndpoints syncs every CONNECTED endpoint concurrently and waits
// until each has finished or timed out on its own. Results are sorted by id.
func (c *Coordinator) SyncWithAllEndpoints(ctx context.Context) []SyncResult {
	targets := c.reg.ListState(registry.StateConnected)
	out := make([]SyncResult, len(targets))
	var wg sync.WaitGroup
	for i, ep := range targets {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			out[i], _ = c.syncEndpoint(ctx, id, "manual")
		}(i, ep.ID)
	}
	wg.Wait()
	return out
}

func (c *Coordinator) syncEndpoint(ctx context.Context, id, trigger string) (SyncResult, error) {
	res := SyncResult{Endpoint: id, Trigger: trigger}
	fail := func(err error) (SyncResult, error) {
		res.Err = err
		res.Error = err.Error()
		c.log.Warn("sync failed", zap.String("endpoint", id), zap.String("trigger", trigger), zap.Error(err))
		return res, err
	}

	est, ok := c.Estimator(id)
	if !ok {
		return fail(fmt.Errorf("%w: %s", ErrUnknownEndpoint, id))
	}

	var (
		best    timesync.Sample
		have    bool
		lastErr error
	)
	for attempt := 1; attempt <= c.opts.MaxSyncAttempts; attempt++ {
		res.Attempts = attempt
		s, err := c.exchange(ctx, id, est)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil || errors.Is(err, ErrStopped) || transport.KindOf(err) == transport.KindNotConnected {
				break
			}
			continue
		}
		if !have || s.RTT() < best.RTT() {
			best, have = s, true
		}
		if time.Duration(best.RTT()/2)*time.Millisecond <= c.opts.MaxSyncError {
			break
		}
	}
	if !have {
		return fail(lastErr)
	}

	offset, rtt, qerr := est.Apply(best)
	if qerr != nil && !errors.Is(qerr, timesync.ErrSyncQuality) {
		return fail(qerr)
	}
	res.OffsetToMaster = offset
	res.RTT = rtt
	res.Accurate = qerr == nil
	c.reg.Update(id, func(ep *registry.Endpoint) {
		ep.OffsetToMaster = offset
		ep.LastRTT = rtt
		ep.SyncAccurate = res.Accurate
		ep.LastSyncAt = est.LastSyncAt()
	})

	if c.opts.Metrics != nil {
		if err := c.opts.Metrics.RecordSync(model.SyncMetric{
			Timestamp:  c.clock.Now().UTC(),
			EndpointID: id,
			Trigger:    trigger,
			Attempts:   res.Attempts,
			OffsetMs:   offset,
			RTTMs:      float64(rtt),
			ErrorMs:    float64(rtt) / 2,
			Accurate:   res.Accurate,
		}); err != nil {
			c.log.Warn("record sync metric", zap.Error(err))
		}
	}

	if qerr != nil {
		res.Err = qerr
		res.Error = qerr.Error()
		c.log.Warn("sync inaccurate", zap.String("endpoint", id), zap.Int64("offset_ms", offset), zap.Int64("rtt_ms", rtt), zap.Error(qerr))
	} else {
		c.log.Info("synced", zap.String("endpoint", id), zap.String("trigger", trigger),
			zap.Int64("offset_ms", offset), zap.Int64("rtt_ms", rtt), zap.Int("attempts", res.Attempts))
	}
	if h := c.opts.Hooks.OnSync; h != nil {
		h(res)
	}
	return res, qerr
}

// exchange runs one PING/PONG round trip. The arrival time is the moment
// the transport read the PONG frame.
func (c *Coordinator) exchange(ctx context.Context, id string, est *timesync.Estimator) (timesync.Sample, error) {
	tr, err := c.bound()
	if err != nil {
		return timesync.Sample{}, err
	}
	origin := c.now()
	ping := timesync.NewPing(c.opts.SelfID, origin, est)
	key := waitKey{peer: id, ref: protocol.TypePing, ts: origin}
	ch := c.wait.add(key)

	sctx, cancel := context.WithTimeout(ctx, c.opts.SendTimeout)
	err = tr.Send(sctx, id, ping)
	cancel()
	if err != nil {
		c.wait.remove(key, ch)
		return timesync.Sample{}, err
	}

	timer := time.NewTimer(c.opts.SyncTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		return timesync.SampleFromPong(r.msg.Body.(protocol.Pong), r.receivedAt), nil
	case <-timer.C:
		c.wait.remove(key, ch)
		return timesync.Sample{}, fmt.Errorf("%w: %s after %s", ErrSyncTimeout, id, c.opts.SyncTimeout)
	case <-ctx.Done():
		c.wait.remove(key, ch)
		return timesync.Sample{}, ctx.Err()
	case <-c.done:
		c.wait.remove(key, ch)
		return timesync.Sample{}, ErrStopped
	}
}

// resyncLoop re-syncs endpoints whose estimate is stale or inaccurate.
func (c *Coordinator) resyncLoop(ctx context.Context) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	inflight := map[string]bool{}
	var mu sync.Mutex
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, ep := range c.reg.ListState(registry.StateConnected) {
			est, ok := c.Estimator(ep.ID)
			if !ok || (!est.SyncNeeded() && est.IsAccurate()) {
				continue
			}
			mu.Lock()
			busy := inflight[ep.ID]
			inflight[ep.ID] = true
			mu.Unlock()
			if busy {
				continue
			}
			id := ep.ID
			c.spawn(func(ctx context.Context) {
				defer func() {
					mu.Lock()
					delete(inflight, id)
					mu.Unlock()
				}()
				_, _ = c.syncEndpoint(ctx, id, "periodic")
			})
		}
	}
}
