package coordinator

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"capsync/internal/marker"
	"capsync/internal/protocol"
	"capsync/internal/registry"
)

// Session is a recording session. It is appended to while active and frozen
// when recording stops.
type Session struct {
	ID        string              `json:"id"`
	StartedAt int64               `json:"started_at"`
	StoppedAt int64               `json:"stopped_at,omitempty"`
	Endpoints []registry.Endpoint `json:"endpoints,omitempty"`
	Markers   []marker.Event      `json:"markers"`
	Skews     []marker.Skew       `json:"skews,omitempty"`
}

func (s Session) clone() Session {
	s.Endpoints = append([]registry.Endpoint(nil), s.Endpoints...)
	s.Markers = append([]marker.Event(nil), s.Markers...)
	s.Skews = append([]marker.Skew(nil), s.Skews...)
	return s
}

// CurrentSession returns a copy of the active session.
func (c *Coordinator) CurrentSession() (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Session{}, false
	}
	return c.session.clone(), true
}

func (c *Coordinator) currentSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.ID
}

// StartRecording opens a session, broadcasts START with args and a
// START_RECORDING marker. An empty sessionID gets a random one.
func (c *Coordinator) StartRecording(ctx context.Context, sessionID string, args ...string) (Session, Report, error) {
	if _, err := c.bound(); err != nil {
		return Session{}, nil, err
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return Session{}, nil, ErrSessionActive
	}
	c.session = &Session{ID: sessionID, StartedAt: c.now()}
	c.mu.Unlock()

	report, err := c.BroadcastCommand(ctx, protocol.TypeStart, sessionID, args...)
	if err != nil {
		return Session{}, nil, err
	}
	if _, _, err := c.BroadcastMarker(ctx, protocol.MarkerStartRecording); err != nil {
		c.log.Warn("start marker", zap.Error(err))
	}
	s, _ := c.CurrentSession()
	c.log.Info("recording started", zap.String("session", sessionID), zap.Strings("acked", report.Succeeded()))
	return s, report, nil
}

// StopRecording broadcasts STOP and a STOP_RECORDING marker, then freezes
// the session and hands it to the session sink.
func (c *Coordinator) StopRecording(ctx context.Context, args ...string) (Session, Report, error) {
	if _, err := c.bound(); err != nil {
		return Session{}, nil, err
	}
	id := c.currentSessionID()
	if id == "" {
		return Session{}, nil, ErrNoSession
	}

	report, err := c.BroadcastCommand(ctx, protocol.TypeStop, id, args...)
	if err != nil {
		return Session{}, nil, err
	}
	if _, _, err := c.BroadcastMarker(ctx, protocol.MarkerStopRecording); err != nil {
		c.log.Warn("stop marker", zap.Error(err))
	}

	c.mu.Lock()
	if c.session == nil || c.session.ID != id {
		c.mu.Unlock()
		return Session{}, report, ErrNoSession
	}
	frozen := c.session.clone()
	c.session = nil
	c.mu.Unlock()

	frozen.StoppedAt = c.now()
	frozen.Endpoints = c.reg.List()
	for _, mid := range marker.IDs(frozen.Markers) {
		frozen.Skews = append(frozen.Skews, marker.ComputeSkew(mid, frozen.Markers))
	}

	if c.opts.Sessions != nil {
		if err := c.opts.Sessions.SaveSession(ctx, frozen); err != nil {
			c.log.Error("archive session", zap.String("session", id), zap.Error(err))
			return frozen, report, err
		}
	}
	c.log.Info("recording stopped", zap.String("session", id), zap.Int("markers", len(frozen.Markers)))
	return frozen, report, nil
}
