package lock_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jvs-project/lvsnap/internal/lock"
	"github.com/jvs-project/lvsnap/pkg/errclass"
	"github.com/jvs-project/lvsnap/pkg/model"
)

const volume = "vg0/data"

func setup(t *testing.T) (*lock.Manager, *clockwork.FakeClock, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "run", "lvsnap")
	clock := clockwork.NewFakeClockAt(time.Date(2026, 10, 18, 3, 0, 0, 0, time.UTC))
	mgr := lock.NewManager(dir, model.LockPolicy{DefaultLeaseTTL: time.Hour}, lock.WithClock(clock))
	return mgr, clock, dir
}

func TestManager_Acquire(t *testing.T) {
	mgr, clock, dir := setup(t)

	rec, err := mgr.Acquire(volume, "run-1", "snapshot")
	require.NoError(t, err)
	assert.NotEmpty(t, rec.HolderNonce)
	assert.Equal(t, volume, rec.Volume)
	assert.Equal(t, "run-1", rec.RunID)
	assert.Equal(t, os.Getpid(), rec.PID)
	assert.Equal(t, int64(1), rec.FencingToken)
	assert.Equal(t, clock.Now().Add(time.Hour), rec.ExpiresAt)

	assert.Equal(t, filepath.Join(dir, "vg0-data.lock"), mgr.Path(volume))
	assert.FileExists(t, mgr.Path(volume))
}

func TestManager_Acquire_Conflict(t *testing.T) {
	mgr, _, _ := setup(t)

	_, err := mgr.Acquire(volume, "run-1", "first")
	require.NoError(t, err)

	_, err = mgr.Acquire(volume, "run-2", "second")
	require.ErrorIs(t, err, errclass.ErrLockConflict)
	assert.Contains(t, err.Error(), "locked by run run-1")

	_, err = mgr.Acquire("vg0/other", "run-2", "other volume")
	assert.NoError(t, err)
}

func TestManager_Renew(t *testing.T) {
	mgr, clock, _ := setup(t)

	rec, err := mgr.Acquire(volume, "run-1", "test")
	require.NoError(t, err)
	clock.Advance(30 * time.Minute)

	renewed, err := mgr.Renew(volume, rec.HolderNonce)
	require.NoError(t, err)
	assert.Equal(t, clock.Now().Add(time.Hour), renewed.ExpiresAt)
}

func TestManager_Renew_Expired(t *testing.T) {
	mgr, clock, _ := setup(t)

	rec, _ := mgr.Acquire(volume, "run-1", "test")
	clock.Advance(2 * time.Hour)

	_, err := mgr.Renew(volume, rec.HolderNonce)
	require.ErrorIs(t, err, errclass.ErrLockNotHeld)
}

func TestManager_Renew_WrongNonce(t *testing.T) {
	mgr, _, _ := setup(t)
	mgr.Acquire(volume, "run-1", "test")

	_, err := mgr.Renew(volume, "wrong")
	require.ErrorIs(t, err, errclass.ErrLockNotHeld)
}

func TestManager_Release(t *testing.T) {
	mgr, _, _ := setup(t)
	rec, _ := mgr.Acquire(volume, "run-1", "test")

	require.ErrorIs(t, mgr.Release(volume, "wrong"), errclass.ErrLockNotHeld)
	require.NoError(t, mgr.Release(volume, rec.HolderNonce))
	assert.NoFileExists(t, mgr.Path(volume))
	assert.NoError(t, mgr.Release(volume, rec.HolderNonce), "already released")

	_, err := mgr.Acquire(volume, "run-2", "again")
	assert.NoError(t, err)
}

func TestManager_ForceRelease(t *testing.T) {
	mgr, _, _ := setup(t)
	mgr.Acquire(volume, "run-1", "test")

	require.NoError(t, mgr.ForceRelease(volume))
	state, _, err := mgr.Status(volume)
	require.NoError(t, err)
	assert.Equal(t, model.LockStateFree, state)
}

func TestManager_Steal_Expired(t *testing.T) {
	mgr, clock, _ := setup(t)
	old, _ := mgr.Acquire(volume, "run-1", "test")
	clock.Advance(2 * time.Hour)

	_, err := mgr.Acquire(volume, "run-2", "test")
	require.ErrorIs(t, err, errclass.ErrLockConflict)
	assert.Contains(t, err.Error(), "stale")

	rec, err := mgr.Steal(volume, "run-2", "test")
	require.NoError(t, err)
	assert.Equal(t, old.FencingToken+1, rec.FencingToken)
	assert.NotEqual(t, old.HolderNonce, rec.HolderNonce)
	assert.Equal(t, "run-2", rec.RunID)

	require.NoError(t, mgr.ValidateFencing(volume, rec.FencingToken))
	require.ErrorIs(t, mgr.ValidateFencing(volume, old.FencingToken), errclass.ErrLockNotHeld)
}

func TestManager_Steal_DeadHolder(t *testing.T) {
	mgr, _, _ := setup(t)
	rec, err := mgr.Acquire(volume, "run-1", "test")
	require.NoError(t, err)

	// Rewrite the lock as if a process that has exited held it.
	rec.PID = 1 << 30
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(mgr.Path(volume), data, 0644))

	state, _, err := mgr.Status(volume)
	require.NoError(t, err)
	assert.Equal(t, model.LockStateExpired, state)

	_, err = mgr.Steal(volume, "run-2", "test")
	assert.NoError(t, err)
}

func TestManager_Steal_NotStale(t *testing.T) {
	mgr, _, _ := setup(t)
	mgr.Acquire(volume, "run-1", "test")

	_, err := mgr.Steal(volume, "run-2", "test")
	require.ErrorIs(t, err, errclass.ErrLockConflict)
}

func TestManager_Steal_Missing(t *testing.T) {
	mgr, _, _ := setup(t)
	rec, err := mgr.Steal(volume, "run-1", "test")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rec.FencingToken)
}

func TestManager_Status(t *testing.T) {
	mgr, clock, _ := setup(t)

	state, rec, err := mgr.Status(volume)
	require.NoError(t, err)
	assert.Equal(t, model.LockStateFree, state)
	assert.Nil(t, rec)

	mgr.Acquire(volume, "run-1", "test")
	state, rec, err = mgr.Status(volume)
	require.NoError(t, err)
	assert.Equal(t, model.LockStateHeld, state)
	assert.Equal(t, "run-1", rec.RunID)

	clock.Advance(2 * time.Hour)
	state, _, err = mgr.Status(volume)
	require.NoError(t, err)
	assert.Equal(t, model.LockStateExpired, state)
}

func TestManager_List(t *testing.T) {
	mgr, _, dir := setup(t)

	recs, err := mgr.List()
	require.NoError(t, err)
	assert.Empty(t, recs)

	mgr.Acquire("vg1/home", "run-1", "test")
	mgr.Acquire("vg0/data", "run-2", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "junk.lock"), []byte("{"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	recs, err = mgr.List()
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "vg0/data", recs[0].Volume)
	assert.Equal(t, "vg1/home", recs[1].Volume)
}
