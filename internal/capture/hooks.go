package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"capsync/internal/protocol"
)

// DefaultTimeout bounds one hook run. It stays under the controller's
// command timeout so a slow hook still gets answered with a NACK.
const DefaultTimeout = 2 * time.Second

// Hooks runs argv lists for START, STOP and STATUS. Empty lists are no-ops.
// START and STOP hooks get the command args appended and the session id in
// CAPSYNC_SESSION.
type Hooks struct {
	OnStart []string
	OnStop  []string
	// Status must print YAML or JSON with battery, storage_remaining and
	// active_streams.
	Status  []string
	Timeout time.Duration
	Runner  Runner
	Logger  *zap.Logger
}

func (h *Hooks) runner() Runner {
	if h.Runner == nil {
		return OSRunner{}
	}
	return h.Runner
}

func (h *Hooks) timeout() time.Duration {
	if h.Timeout <= 0 {
		return DefaultTimeout
	}
	return h.Timeout
}

func (h *Hooks) log() *zap.Logger {
	if h.Logger == nil {
		return zap.NewNop()
	}
	return h.Logger
}

// OnCommand runs the hook for t.
func (h *Hooks) OnCommand(ctx context.Context, t protocol.Type, sessionID string, args []string) error {
	var argv []string
	switch t {
	case protocol.TypeStart:
		argv = h.OnStart
	case protocol.TypeStop:
		argv = h.OnStop
	default:
		return fmt.Errorf("capture: no hook for %s", t)
	}
	if len(argv) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, h.timeout())
	defer cancel()

	full := append(append([]string(nil), argv[1:]...), args...)
	env := []string{"CAPSYNC_SESSION=" + sessionID, "CAPSYNC_COMMAND=" + t.String()}
	if err := h.runner().Run(ctx, env, argv[0], full...); err != nil {
		h.log().Warn("capture hook failed", zap.Stringer("type", t), zap.String("session", sessionID), zap.Error(err))
		return err
	}
	return nil
}

// DeviceStatus runs the status hook. Failures yield "unknown" values so a
// STATUS query is still answered.
func (h *Hooks) DeviceStatus() protocol.DeviceStatus {
	st, err := h.readStatus()
	if err != nil {
		h.log().Warn("status hook failed", zap.Error(err))
		return protocol.DeviceStatus{Battery: "unknown", StorageRemaining: "unknown"}
	}
	return st
}

func (h *Hooks) readStatus() (protocol.DeviceStatus, error) {
	if len(h.Status) == 0 {
		return protocol.DeviceStatus{}, errors.New("no status hook configured")
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout())
	defer cancel()
	out, err := h.runner().Output(ctx, nil, h.Status[0], h.Status[1:]...)
	if err != nil {
		return protocol.DeviceStatus{}, err
	}
	var st protocol.DeviceStatus
	if err := yaml.Unmarshal([]byte(out), &st); err != nil {
		return protocol.DeviceStatus{}, fmt.Errorf("parse status output: %w", err)
	}
	if st.Battery == "" {
		st.Battery = "unknown"
	}
	if st.StorageRemaining == "" {
		st.StorageRemaining = "unknown"
	}
	return st, nil
}

// Configured reports whether any hook is set.
func (h *Hooks) Configured() bool {
	return len(h.OnStart) > 0 || len(h.OnStop) > 0 || len(h.Status) > 0
}
