package doctor_test

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/lvsnap/internal/audit"
	"github.com/jvs-project/lvsnap/internal/doctor"
	"github.com/jvs-project/lvsnap/internal/lock"
	"github.com/jvs-project/lvsnap/internal/lvm/lvmtest"
	"github.com/jvs-project/lvsnap/pkg/config"
	"github.com/jvs-project/lvsnap/pkg/model"
)

const (
	lookupCmd    = "lvs --noheadings --nameprefixes -o vg_name,lv_name,lv_path,lv_attr,lv_size vg0/data"
	snapshotsCmd = "lvs --noheadings -o lv_name --select origin=data vg0"
)

func setup(t *testing.T) (*doctor.Doctor, *config.Config, *lvmtest.Runner) {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Volume = "vg0/data"
	cfg.Snapshot.Mountpoint = filepath.Join(dir, "mnt", "{vg}", "{lv}")
	cfg.Lock.Dir = filepath.Join(dir, "run")
	cfg.Audit.Path = filepath.Join(dir, "lib", "audit.jsonl")

	runner := lvmtest.NewRunner()
	runner.AddResponse(lookupCmd,
		"  LVM2_VG_NAME='vg0' LVM2_LV_NAME='data' LVM2_LV_PATH='/dev/vg0/data' LVM2_LV_ATTR='-wi-ao----' LVM2_LV_SIZE='10.00g'\n")

	doc := doctor.NewDoctor(cfg, runner)
	doc.LookPath = func(file string) (string, error) { return "/usr/sbin/" + file, nil }
	doc.Mounted = func(string) (bool, error) { return false, nil }
	return doc, cfg, runner
}

func categories(result *doctor.Result) []string {
	var cats []string
	for _, f := range result.Findings {
		cats = append(cats, f.Category)
	}
	return cats
}

func TestDoctor_Check_Healthy(t *testing.T) {
	doc, _, runner := setup(t)

	result, err := doc.Check(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	assert.Empty(t, result.Findings)
	assert.Contains(t, runner.Executed(), snapshotsCmd)
}

func TestDoctor_Check_MissingBinary(t *testing.T) {
	doc, _, _ := setup(t)
	doc.LookPath = func(file string) (string, error) {
		if file == "blkid" {
			return "", exec.ErrNotFound
		}
		return "/usr/sbin/" + file, nil
	}

	result, err := doc.Check(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "binary", result.Findings[0].Category)
	assert.Contains(t, result.Findings[0].Description, "blkid")
}

func TestDoctor_Check_VolumeNotFound(t *testing.T) {
	doc, _, runner := setup(t)
	runner.AddError(lookupCmd, errors.New("exit status 5"))

	result, err := doc.Check(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	assert.Equal(t, []string{"volume"}, categories(result))
	assert.NotContains(t, runner.Executed(), snapshotsCmd)
}

func TestDoctor_Check_OriginIsSnapshot(t *testing.T) {
	doc, _, runner := setup(t)
	runner.AddResponse(lookupCmd,
		"  LVM2_VG_NAME='vg0' LVM2_LV_NAME='data' LVM2_LV_PATH='/dev/vg0/data' LVM2_LV_ATTR='swi-a-s---' LVM2_LV_SIZE='1.00g'\n")

	result, err := doc.Check(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	assert.Contains(t, result.Findings[0].Description, "itself a snapshot")
}

func TestDoctor_Check_InvalidConfig(t *testing.T) {
	doc, cfg, _ := setup(t)
	cfg.Snapshot.Size = ""

	result, err := doc.Check(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	assert.Contains(t, categories(result), "config")
}

func TestDoctor_Check_StaleSnapshotAndMount(t *testing.T) {
	doc, cfg, runner := setup(t)
	runner.AddResponse(snapshotsCmd, "  data_snapshot\n")
	doc.Mounted = func(path string) (bool, error) {
		return path == filepath.Join(filepath.Dir(cfg.Lock.Dir), "mnt", "vg0", "data"), nil
	}

	result, err := doc.Check(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, result.Healthy, "stale state is a warning")
	require.Len(t, result.Findings, 2)
	assert.Equal(t, "snapshot", result.Findings[0].Category)
	assert.Equal(t, "/dev/vg0/data_snapshot", result.Findings[0].Path)
	assert.Equal(t, "mount", result.Findings[1].Category)
}

func TestDoctor_Check_HeldLockSkipsStaleChecks(t *testing.T) {
	doc, cfg, runner := setup(t)
	runner.AddResponse(snapshotsCmd, "  data_snapshot\n")
	mgr := lock.NewManager(cfg.Lock.Dir, model.LockPolicy{DefaultLeaseTTL: time.Hour})
	_, err := mgr.Acquire(cfg.Volume, "run-1", "snapshot")
	require.NoError(t, err)

	result, err := doc.Check(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "lock", result.Findings[0].Category)
	assert.Equal(t, doctor.SeverityInfo, result.Findings[0].Severity)
	assert.NotContains(t, runner.Executed(), snapshotsCmd)
}

func TestDoctor_Check_MountpointMustExist(t *testing.T) {
	doc, cfg, _ := setup(t)
	cfg.Snapshot.CreateMountpoint = false

	result, err := doc.Check(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	assert.Equal(t, []string{"mountpoint"}, categories(result))
}

func TestDoctor_Check_BrokenAudit(t *testing.T) {
	doc, cfg, _ := setup(t)
	appender := audit.NewFileAppender(cfg.Audit.Path, nil)
	require.NoError(t, appender.Append(&model.AuditRecord{RunID: "run-1", Event: model.EventInitialize}))
	require.NoError(t, appender.Append(&model.AuditRecord{RunID: "run-1", Event: model.EventFinish}))

	data, err := os.ReadFile(cfg.Audit.Path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfg.Audit.Path, data[len(data)/2:], 0644))

	result, err := doc.Check(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, result.Healthy, "audit is only verified in strict mode")

	result, err = doc.Check(context.Background(), true)
	require.NoError(t, err)
	assert.False(t, result.Healthy)
	assert.Contains(t, categories(result), "audit")
}

func TestDoctor_Check_OrphanTmp(t *testing.T) {
	doc, cfg, _ := setup(t)
	require.NoError(t, os.MkdirAll(cfg.Lock.Dir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Lock.Dir, ".lvsnap-tmp-123"), nil, 0644))

	result, err := doc.Check(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, result.Healthy)
	require.Len(t, result.Findings, 1)
	assert.Equal(t, "tmp", result.Findings[0].Category)
}
