// Package doctor runs preflight checks before lvsnap is scheduled against a
// volume.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"

	"github.com/jvs-project/lvsnap/internal/audit"
	"github.com/jvs-project/lvsnap/internal/lock"
	"github.com/jvs-project/lvsnap/internal/lvm"
	"github.com/jvs-project/lvsnap/pkg/config"
	"github.com/jvs-project/lvsnap/pkg/model"
)

// Binaries are the external commands a run needs.
var Binaries = []string{"lvs", "lvcreate", "lvremove", "mount", "umount", "blkid"}

// Severities, from least to most severe.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Finding represents a detected issue.
type Finding struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Severity    string `json:"severity"`
	Path        string `json:"path,omitempty"`
}

// Result contains doctor check results.
type Result struct {
	Healthy  bool      `json:"healthy"`
	Findings []Finding `json:"findings"`
}

func (r *Result) add(f Finding) {
	r.Findings = append(r.Findings, f)
	if f.Severity == SeverityError || f.Severity == SeverityCritical {
		r.Healthy = false
	}
}

// Doctor checks that a configuration can run on this host.
type Doctor struct {
	cfg    *config.Config
	runner lvm.Runner

	// LookPath finds binaries; exec.LookPath by default.
	LookPath func(file string) (string, error)
	// Mounted reports whether a path is a mount point; mountinfo.Mounted
	// by default.
	Mounted func(path string) (bool, error)
	// Now returns the time snapshot templates are expanded at.
	Now func() time.Time
}

// NewDoctor creates a new doctor.
func NewDoctor(cfg *config.Config, runner lvm.Runner) *Doctor {
	return &Doctor{
		cfg:      cfg,
		runner:   runner,
		LookPath: exec.LookPath,
		Mounted:  mountinfo.Mounted,
		Now:      time.Now,
	}
}

// Check runs all diagnostic checks. With strict the audit log hash chain
// is verified too.
func (d *Doctor) Check(ctx context.Context, strict bool) (*Result, error) {
	result := &Result{Healthy: true}

	d.checkBinaries(result)
	if err := d.cfg.Validate(); err != nil {
		result.add(Finding{Category: "config", Description: err.Error(), Severity: SeverityCritical})
	}

	lockState := d.checkLock(result)
	origin := d.checkVolume(ctx, result)
	if origin != nil {
		spec := d.cfg.SnapshotSpec(origin.VGName, origin.LVName, d.Now())
		d.checkMountpoint(result, spec.Mountpoint)
		if lockState != model.LockStateHeld {
			d.checkStaleSnapshots(ctx, result, origin)
			d.checkStaleMount(result, spec.Mountpoint)
		}
	}

	if strict && d.cfg.Audit.Path != "" {
		if _, err := audit.Verify(d.cfg.Audit.Path); err != nil {
			result.add(Finding{Category: "audit", Description: err.Error(), Severity: SeverityCritical, Path: d.cfg.Audit.Path})
		}
	}
	d.checkOrphanTmp(result)
	return result, nil
}

func (d *Doctor) checkBinaries(result *Result) {
	for _, bin := range Binaries {
		if _, err := d.LookPath(bin); err != nil {
			result.add(Finding{
				Category:    "binary",
				Description: fmt.Sprintf("%s not found on PATH", bin),
				Severity:    SeverityCritical,
			})
		}
	}
}

func (d *Doctor) checkVolume(ctx context.Context, result *Result) *lvm.LogicalVolume {
	if d.cfg.Volume == "" {
		return nil
	}
	origin, err := lvm.LookupVolume(ctx, d.runner, d.cfg.Volume)
	if err != nil {
		result.add(Finding{Category: "volume", Description: err.Error(), Severity: SeverityCritical})
		return nil
	}
	if origin.IsSnapshot() {
		result.add(Finding{
			Category:    "volume",
			Description: fmt.Sprintf("%s is itself a snapshot", origin.FullName()),
			Severity:    SeverityCritical,
		})
		return nil
	}
	return origin
}

// checkLock reports the state of the volume lock and that its directory
// is writable.
func (d *Doctor) checkLock(result *Result) model.LockState {
	dir := d.cfg.Lock.Dir
	if !writable(dir) {
		result.add(Finding{Category: "lock", Description: "lock directory is not writable", Severity: SeverityError, Path: dir})
	}
	if d.cfg.Volume == "" {
		return model.LockStateFree
	}
	mgr := lock.NewManager(dir, model.LockPolicy{DefaultLeaseTTL: d.cfg.Lock.LeaseTTL})
	state, rec, err := mgr.Status(d.cfg.Volume)
	if err != nil {
		result.add(Finding{Category: "lock", Description: err.Error(), Severity: SeverityError, Path: mgr.Path(d.cfg.Volume)})
		return model.LockStateFree
	}
	switch state {
	case model.LockStateHeld:
		result.add(Finding{
			Category:    "lock",
			Description: fmt.Sprintf("run %s (pid %d) holds the lock until %s", rec.RunID, rec.PID, rec.ExpiresAt.Format(time.RFC3339)),
			Severity:    SeverityInfo,
			Path:        mgr.Path(d.cfg.Volume),
		})
	case model.LockStateExpired:
		result.add(Finding{
			Category:    "lock",
			Description: fmt.Sprintf("stale lock left by run %s (expired %s)", rec.RunID, rec.ExpiresAt.Format(time.RFC3339)),
			Severity:    SeverityWarning,
			Path:        mgr.Path(d.cfg.Volume),
		})
	}
	return state
}

// checkMountpoint requires the mountpoint, or its closest existing
// ancestor when lvsnap creates it, to be writable.
func (d *Doctor) checkMountpoint(result *Result, mountpoint string) {
	dir := mountpoint
	if d.cfg.Snapshot.CreateMountpoint {
		dir = closestExisting(mountpoint)
	} else if _, err := os.Stat(mountpoint); err != nil {
		result.add(Finding{Category: "mountpoint", Description: "mountpoint does not exist", Severity: SeverityError, Path: mountpoint})
		return
	}
	if !writable(dir) {
		result.add(Finding{Category: "mountpoint", Description: "mountpoint parent is not writable", Severity: SeverityError, Path: dir})
	}
}

func (d *Doctor) checkStaleSnapshots(ctx context.Context, result *Result, origin *lvm.LogicalVolume) {
	names, err := origin.Snapshots(ctx)
	if err != nil {
		result.add(Finding{Category: "snapshot", Description: err.Error(), Severity: SeverityWarning})
		return
	}
	for _, name := range names {
		result.add(Finding{
			Category:    "snapshot",
			Description: fmt.Sprintf("snapshot %s/%s exists while no run holds the lock", origin.VGName, name),
			Severity:    SeverityWarning,
			Path:        "/dev/" + origin.VGName + "/" + name,
		})
	}
}

func (d *Doctor) checkStaleMount(result *Result, mountpoint string) {
	mounted, err := d.Mounted(mountpoint)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		result.add(Finding{Category: "mount", Description: err.Error(), Severity: SeverityWarning, Path: mountpoint})
		return
	}
	if mounted {
		result.add(Finding{
			Category:    "mount",
			Description: "snapshot mountpoint is mounted while no run holds the lock",
			Severity:    SeverityWarning,
			Path:        mountpoint,
		})
	}
}

// checkOrphanTmp looks for temp files left by interrupted atomic writes
// next to the files lvsnap maintains.
func (d *Doctor) checkOrphanTmp(result *Result) {
	dirs := map[string]bool{d.cfg.Lock.Dir: true}
	if d.cfg.Audit.Path != "" {
		dirs[filepath.Dir(d.cfg.Audit.Path)] = true
	}
	if d.cfg.Metrics.Textfile != "" {
		dirs[filepath.Dir(d.cfg.Metrics.Textfile)] = true
	}
	for dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if strings.HasPrefix(entry.Name(), ".lvsnap-tmp-") {
				result.add(Finding{
					Category:    "tmp",
					Description: fmt.Sprintf("orphan temp file: %s", entry.Name()),
					Severity:    SeverityInfo,
					Path:        filepath.Join(dir, entry.Name()),
				})
			}
		}
	}
}

func closestExisting(path string) string {
	for {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}

// writable reports whether dir, or its closest existing ancestor, can be
// written by this process.
func writable(dir string) bool {
	return unix.Access(closestExisting(dir), unix.W_OK) == nil
}
