package capture

import (
	"context"
	"errors"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"capsync/internal/protocol"
)

type call struct {
	env  []string
	name string
	args []string
}

type fakeRunner struct {
	calls  []call
	output string
	err    error
}

func (f *fakeRunner) Run(_ context.Context, env []string, name string, args ...string) error {
	f.calls = append(f.calls, call{env: env, name: name, args: args})
	return f.err
}

func (f *fakeRunner) Output(_ context.Context, env []string, name string, args ...string) (string, error) {
	f.calls = append(f.calls, call{env: env, name: name, args: args})
	return f.output, f.err
}

func TestHooks_StartAppendsArgsAndSession(t *testing.T) {
	t.Parallel()
	r := &fakeRunner{}
	h := &Hooks{OnStart: []string{"/usr/bin/record", "--all"}, Runner: r}

	require.NoError(t, h.OnCommand(context.Background(), protocol.TypeStart, "take-1", []string{"rgb", "thermal"}))
	require.Len(t, r.calls, 1)
	assert.Equal(t, "/usr/bin/record", r.calls[0].name)
	assert.Equal(t, []string{"--all", "rgb", "thermal"}, r.calls[0].args)
	assert.Contains(t, r.calls[0].env, "CAPSYNC_SESSION=take-1")
	assert.Contains(t, r.calls[0].env, "CAPSYNC_COMMAND=START")
}

func TestHooks_EmptyHookIsNoop(t *testing.T) {
	t.Parallel()
	r := &fakeRunner{}
	h := &Hooks{Runner: r}
	require.NoError(t, h.OnCommand(context.Background(), protocol.TypeStop, "s", nil))
	assert.Empty(t, r.calls)
	assert.False(t, h.Configured())
}

func TestHooks_FailurePropagates(t *testing.T) {
	t.Parallel()
	h := &Hooks{OnStop: []string{"stop"}, Runner: &fakeRunner{err: errors.New("camera busy")}}
	err := h.OnCommand(context.Background(), protocol.TypeStop, "s", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "camera busy")
}

func TestHooks_DeviceStatus(t *testing.T) {
	t.Parallel()
	r := &fakeRunner{output: `{"battery": "81%", "storage_remaining": "12GB", "active_streams": {"rgb": true, "thermal": false}}`}
	h := &Hooks{Status: []string{"status"}, Runner: r}

	st := h.DeviceStatus()
	assert.Equal(t, "81%", st.Battery)
	assert.Equal(t, "12GB", st.StorageRemaining)
	assert.Equal(t, map[string]bool{"rgb": true, "thermal": false}, st.ActiveStreams)
}

func TestHooks_DeviceStatusFallsBackToUnknown(t *testing.T) {
	t.Parallel()
	h := &Hooks{Status: []string{"status"}, Runner: &fakeRunner{err: errors.New("exit 1")}}
	st := h.DeviceStatus()
	assert.Equal(t, "unknown", st.Battery)
	assert.Equal(t, "unknown", st.StorageRemaining)

	h = &Hooks{Runner: &fakeRunner{}}
	assert.Equal(t, "unknown", h.DeviceStatus().Battery)
}

func TestOSRunner_Output(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	t.Parallel()
	out, err := OSRunner{}.Output(context.Background(), []string{"CAPSYNC_SESSION=abc"}, "sh", "-c", "echo $CAPSYNC_SESSION")
	require.NoError(t, err)
	assert.Equal(t, "abc", out)

	err = OSRunner{}.Run(context.Background(), nil, "sh", "-c", "echo boom >&2; exit 3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}
