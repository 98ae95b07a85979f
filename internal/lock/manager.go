// Package lock provides per-volume lease locks so that two lvsnap runs
// never snapshot the same origin volume at once.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sys/unix"

	"github.com/jvs-project/lvsnap/pkg/errclass"
	"github.com/jvs-project/lvsnap/pkg/fsutil"
	"github.com/jvs-project/lvsnap/pkg/model"
)

const lockSuffix = ".lock"

// Manager handles lease locks stored as files in one directory.
type Manager struct {
	dir      string
	policy   model.LockPolicy
	clock    clockwork.Clock
	hostname string
	mu       sync.Mutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the clock used for lease times.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Manager) { m.clock = clock }
}

// NewManager creates a new lock manager keeping its files in dir.
func NewManager(dir string, policy model.LockPolicy, opts ...Option) *Manager {
	m := &Manager{
		dir:    dir,
		policy: policy,
		clock:  clockwork.NewRealClock(),
	}
	m.hostname, _ = os.Hostname()
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire takes the lock on volume (in vg/lv form) for runID.
func (m *Manager) Acquire(volume, runID, purpose string) (*model.LockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.acquire(volume, runID, purpose)
}

func (m *Manager) acquire(volume, runID, purpose string) (*model.LockRecord, error) {
	if err := os.MkdirAll(m.dir, 0755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	lockPath := m.Path(volume)
	// O_CREAT|O_EXCL makes acquisition atomic across processes.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			rec, readErr := m.readLock(lockPath)
			if readErr != nil {
				return nil, fmt.Errorf("read existing lock: %w", readErr)
			}
			if m.stale(rec) {
				return nil, errclass.ErrLockConflict.WithMessagef("lock on %s is stale (held by run %s), use steal", volume, rec.RunID)
			}
			return nil, errclass.ErrLockConflict.WithMessagef("%s is locked by run %s (pid %d) until %s",
				volume, rec.RunID, rec.PID, rec.ExpiresAt.Format("2006-01-02T15:04:05Z07:00"))
		}
		return nil, fmt.Errorf("create lock: %w", err)
	}
	defer file.Close()

	rec := m.newRecord(volume, runID, purpose, 1)
	if err := m.writeLock(file, rec); err != nil {
		os.Remove(lockPath)
		return nil, err
	}
	return rec, nil
}

func (m *Manager) newRecord(volume, runID, purpose string, token int64) *model.LockRecord {
	now := m.clock.Now().UTC()
	return &model.LockRecord{
		Volume:       volume,
		HolderNonce:  uuid.NewString(),
		RunID:        runID,
		PID:          os.Getpid(),
		Hostname:     m.hostname,
		AcquiredAt:   now,
		ExpiresAt:    now.Add(m.policy.DefaultLeaseTTL),
		FencingToken: token,
		Purpose:      purpose,
	}
}

// Renew extends the lease on a lock the caller holds.
func (m *Manager) Renew(volume, holderNonce string) (*model.LockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lockPath := m.Path(volume)
	rec, err := m.readLock(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errclass.ErrLockNotHeld.WithMessage("no lock held")
		}
		return nil, fmt.Errorf("read lock: %w", err)
	}
	if rec.HolderNonce != holderNonce {
		return nil, errclass.ErrLockNotHeld.WithMessage("nonce mismatch")
	}
	if rec.IsExpired(m.clock.Now()) {
		return nil, errclass.ErrLockNotHeld.WithMessage("lock has expired")
	}

	rec.ExpiresAt = m.clock.Now().UTC().Add(m.policy.DefaultLeaseTTL)
	if err := m.updateLock(lockPath, rec); err != nil {
		return nil, fmt.Errorf("update lock: %w", err)
	}
	return rec, nil
}

// Steal takes over a stale lock: one whose lease expired or whose holder
// process on this host is gone. A missing lock is simply acquired.
func (m *Manager) Steal(volume, runID, purpose string) (*model.LockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lockPath := m.Path(volume)
	rec, err := m.readLock(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return m.acquire(volume, runID, purpose)
		}
		return nil, fmt.Errorf("read lock: %w", err)
	}
	if !m.stale(rec) {
		return nil, errclass.ErrLockConflict.WithMessagef("%s is locked by run %s and the lock is not stale", volume, rec.RunID)
	}

	newRec := m.newRecord(volume, runID, purpose, rec.FencingToken+1)
	if err := m.updateLock(lockPath, newRec); err != nil {
		return nil, fmt.Errorf("steal lock: %w", err)
	}
	return newRec, nil
}

// Release frees the lock. Releasing a lock that no longer exists succeeds.
func (m *Manager) Release(volume, holderNonce string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lockPath := m.Path(volume)
	rec, err := m.readLock(lockPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read lock: %w", err)
	}
	if rec.HolderNonce != holderNonce {
		return errclass.ErrLockNotHeld.WithMessage("cannot release: nonce mismatch")
	}
	return m.remove(lockPath)
}

// ForceRelease removes the lock whoever holds it.
func (m *Manager) ForceRelease(volume string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remove(m.Path(volume))
}

func (m *Manager) remove(lockPath string) error {
	if err := os.Remove(lockPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

// ValidateFencing checks if the provided fencing token matches the current lock.
func (m *Manager) ValidateFencing(volume string, token int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.readLock(m.Path(volume))
	if err != nil {
		if os.IsNotExist(err) {
			return errclass.ErrLockNotHeld.WithMessage("no lock held")
		}
		return fmt.Errorf("read lock: %w", err)
	}
	if rec.FencingToken != token {
		return errclass.ErrLockNotHeld.WithMessagef("fencing token is %d, not %d", rec.FencingToken, token)
	}
	return nil
}

// Status returns the current lock state of volume.
func (m *Manager) Status(volume string) (model.LockState, *model.LockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.readLock(m.Path(volume))
	if err != nil {
		if os.IsNotExist(err) {
			return model.LockStateFree, nil, nil
		}
		return model.LockStateFree, nil, fmt.Errorf("read lock: %w", err)
	}
	if m.stale(rec) {
		return model.LockStateExpired, rec, nil
	}
	return model.LockStateHeld, rec, nil
}

// List returns every lock record in the lock directory, sorted by volume.
func (m *Manager) List() ([]*model.LockRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := os.ReadDir(m.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read lock dir: %w", err)
	}
	var recs []*model.LockRecord
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), lockSuffix) {
			continue
		}
		rec, err := m.readLock(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			// Skip corrupted/missing lock files
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].Volume < recs[j].Volume })
	return recs, nil
}

// Path returns the lock file of volume.
func (m *Manager) Path(volume string) string {
	name := strings.Trim(strings.ReplaceAll(volume, "/", "-"), "-")
	return filepath.Join(m.dir, name+lockSuffix)
}

// stale reports whether rec can be stolen.
func (m *Manager) stale(rec *model.LockRecord) bool {
	if rec.IsExpired(m.clock.Now()) {
		return true
	}
	return rec.Hostname != "" && rec.Hostname == m.hostname && !processAlive(rec.PID)
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

func (m *Manager) readLock(path string) (*model.LockRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec model.LockRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse lock: %w", err)
	}
	return &rec, nil
}

func (m *Manager) writeLock(file *os.File, rec *model.LockRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("write lock: %w", err)
	}
	return file.Sync()
}

func (m *Manager) updateLock(path string, rec *model.LockRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lock: %w", err)
	}
	return fsutil.AtomicWrite(path, data, 0644)
}
