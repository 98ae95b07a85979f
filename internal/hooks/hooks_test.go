package hooks_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/lvsnap/internal/hooks"
	"github.com/jvs-project/lvsnap/internal/lvm/lvmtest"
	"github.com/jvs-project/lvsnap/internal/snapshot"
	"github.com/jvs-project/lvsnap/pkg/config"
	"github.com/jvs-project/lvsnap/pkg/errclass"
	"github.com/jvs-project/lvsnap/pkg/model"
	"github.com/jvs-project/lvsnap/pkg/template"
)

var spec = model.SnapshotSpec{Name: "data_snapshot", Size: "1G", Mountpoint: "/mnt/lvsnap/data"}

func event(name model.Event) *snapshot.Event {
	return &snapshot.Event{Name: name, RunID: "run-1", Spec: spec}
}

func priority(n int) *int {
	return &n
}

func TestFromConfig(t *testing.T) {
	hs, err := hooks.FromConfig([]config.HookConfig{
		{Event: "post-mount", Command: "true"},
		{Name: "notify", Event: "error", Command: "true", Priority: priority(5), Timeout: time.Minute},
		{Name: "last", Event: "finish", Command: "true", Priority: priority(0)},
	})
	require.NoError(t, err)
	require.Len(t, hs, 3)

	assert.Equal(t, model.EventPostMount, hs[0].Event)
	assert.Equal(t, "hook[0] post-mount", hs[0].Name)
	assert.Equal(t, 100, hs[0].Priority)
	assert.Equal(t, hooks.DefaultTimeout, hs[0].Timeout)

	assert.Equal(t, "notify", hs[1].Name)
	assert.Equal(t, 5, hs[1].Priority)
	assert.Equal(t, time.Minute, hs[1].Timeout)

	assert.Equal(t, 0, hs[2].Priority, "explicit zero priority is kept")
}

func TestFromConfig_ZeroPriorityFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lvsnap.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`hooks:
  - event: finish
    command: "true"
    priority: 0
  - event: finish
    command: "true"
`), 0644))
	cfg, err := config.Load(path)
	require.NoError(t, err)

	hs, err := hooks.FromConfig(cfg.Hooks)
	require.NoError(t, err)
	require.Len(t, hs, 2)
	assert.Equal(t, 0, hs[0].Priority)
	assert.Equal(t, 100, hs[1].Priority)
}

func TestFromConfig_Invalid(t *testing.T) {
	_, err := hooks.FromConfig([]config.HookConfig{{Event: "post-backup", Command: "true"}})
	assert.ErrorIs(t, err, errclass.ErrConfigInvalid)

	_, err = hooks.FromConfig([]config.HookConfig{{Event: "finish", Command: "  "}})
	assert.ErrorIs(t, err, errclass.ErrConfigInvalid)
}

func TestRun_PlaceholdersAndEnv(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	e := hooks.NewExecutor(nil, template.VolumeVars("vg0", "data"))
	h := hooks.Hook{
		Name:    "probe",
		Event:   model.EventPostMount,
		Command: `echo "{event} {snapshot} {mountpoint} {vg}/{lv}|$LVSNAP_EVENT $LVSNAP_SNAPSHOT $LVSNAP_MOUNTPOINT $LVSNAP_LV $LVSNAP_RUN_ID" > ` + out,
		Timeout: 10 * time.Second,
	}

	require.NoError(t, e.Run(context.Background(), h, event(model.EventPostMount)))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t,
		"post-mount data_snapshot /mnt/lvsnap/data vg0/data|post-mount data_snapshot /mnt/lvsnap/data data run-1\n",
		string(data))
}

func TestRun_ErrorEnv(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	e := hooks.NewExecutor(nil, nil)
	ev := event(model.EventError)
	ev.Err = errors.New("mount failed")

	h := hooks.Hook{Name: "err", Command: `printf '%s' "$LVSNAP_ERROR" > ` + out}
	require.NoError(t, e.Run(context.Background(), h, ev))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "mount failed", string(data))
}

func TestRun_Failure(t *testing.T) {
	e := hooks.NewExecutor(nil, nil)
	h := hooks.Hook{Name: "tar", Command: "echo 'tar: /mnt: Cannot open' >&2; exit 2", Timeout: 10 * time.Second}

	err := e.Run(context.Background(), h, event(model.EventPostMount))
	require.ErrorIs(t, err, errclass.ErrHookFailed)
	assert.Contains(t, err.Error(), "tar: tar: /mnt: Cannot open")
}

func TestRun_FailureOutputKeepsRunes(t *testing.T) {
	e := hooks.NewExecutor(nil, nil)
	// 3-byte runes, so a byte-based cut would land mid-rune.
	h := hooks.Hook{Name: "dump", Command: "printf '€%.0s' $(seq 400) >&2; exit 1", Timeout: 10 * time.Second}

	err := e.Run(context.Background(), h, event(model.EventPostMount))
	require.ErrorIs(t, err, errclass.ErrHookFailed)
	msg := err.Error()
	assert.True(t, utf8.ValidString(msg), "message is valid UTF-8")
	assert.Contains(t, msg, "...€€")
}

func TestRun_Timeout(t *testing.T) {
	e := hooks.NewExecutor(nil, nil)
	h := hooks.Hook{Name: "slow", Command: "sleep 10", Timeout: 100 * time.Millisecond}

	start := time.Now()
	err := e.Run(context.Background(), h, event(model.EventPostMount))
	require.ErrorIs(t, err, errclass.ErrHookFailed)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 8*time.Second)
}

func TestRegister_RunsDuringLifecycle(t *testing.T) {
	dir := t.TempDir()
	log := filepath.Join(dir, "log")
	hs, err := hooks.FromConfig([]config.HookConfig{
		{Event: "post-mount", Command: "echo second >> " + log, Priority: priority(10)},
		{Event: "post-mount", Command: "echo first >> " + log, Priority: priority(200)},
		{Event: "finish", Command: "echo $LVSNAP_DEVICE >> " + log},
	})
	require.NoError(t, err)

	vol := lvmtest.NewVolume("ext4")
	m := snapshot.New(spec, snapshot.WithSignals(syscall.SIGUSR2))
	hooks.NewExecutor(nil, nil).Register(m, hs)

	_, err = m.Start(context.Background(), vol)
	require.NoError(t, err)

	data, err := os.ReadFile(log)
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "/dev/fake/data_snapshot"}, strings.Fields(string(data)))
}

func TestRegister_FailingHookAbortsRun(t *testing.T) {
	hs, err := hooks.FromConfig([]config.HookConfig{{Name: "backup", Event: "post-mount", Command: "exit 1"}})
	require.NoError(t, err)

	vol := lvmtest.NewVolume("ext4")
	m := snapshot.New(spec, snapshot.WithSignals(syscall.SIGUSR2))
	hooks.NewExecutor(nil, nil).Register(m, hs)

	result, err := m.Start(context.Background(), vol)
	require.ErrorIs(t, err, errclass.ErrHookFailed)
	assert.ErrorIs(t, err, errclass.ErrCallbackFailures)
	assert.Equal(t, model.StateMount, result.FailedState)
	exists, mounted := vol.Handle.State()
	assert.False(t, exists)
	assert.False(t, mounted)
}
