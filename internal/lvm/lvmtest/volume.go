package lvmtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jvs-project/lvsnap/internal/lvm"
)

// Operation names used as keys of Handle.Errors and in the call log.
const (
	OpSnapshot   = "snapshot"
	OpMount      = "mount"
	OpUnmount    = "unmount"
	OpRemove     = "remove"
	OpExists     = "exists"
	OpIsMounted  = "is-mounted"
	OpFilesystem = "filesystem"
)

// ErrInUse is returned by Handle.Remove while the snapshot is mounted.
var ErrInUse = errors.New("logical volume in use")

// Volume is an in-memory lvm.Volume. Every call it and its handle receive
// is appended to Calls.
type Volume struct {
	mu sync.Mutex

	// FSType is the filesystem the created handle reports.
	FSType string
	// SnapshotErr makes Snapshot fail.
	SnapshotErr error
	// HandleErrors is copied into the created handle.
	HandleErrors map[string]error
	// OnCall, when set, runs before each recorded call.
	OnCall func(op string)

	Calls  []string
	Handle *Handle
}

var _ lvm.Volume = (*Volume)(nil)

// NewVolume creates a fake origin volume whose snapshots carry fstype.
func NewVolume(fstype string) *Volume {
	return &Volume{FSType: fstype, HandleErrors: make(map[string]error)}
}

func (v *Volume) record(op string) {
	if v.OnCall != nil {
		v.OnCall(op)
	}
	v.mu.Lock()
	v.Calls = append(v.Calls, op)
	v.mu.Unlock()
}

// CallLog returns a copy of the recorded calls.
func (v *Volume) CallLog() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.Calls...)
}

// Count returns how often op was called.
func (v *Volume) Count(op string) int {
	n := 0
	for _, c := range v.CallLog() {
		if c == op || strings.HasPrefix(c, op+" ") {
			n++
		}
	}
	return n
}

func (v *Volume) Snapshot(ctx context.Context, name, size string) (lvm.Handle, error) {
	v.record(fmt.Sprintf("%s %s %s", OpSnapshot, name, size))
	if v.SnapshotErr != nil {
		return nil, v.SnapshotErr
	}
	errs := make(map[string]error, len(v.HandleErrors))
	for k, e := range v.HandleErrors {
		errs[k] = e
	}
	v.Handle = &Handle{volume: v, name: name, fstype: v.FSType, exists: true, Errors: errs}
	return v.Handle, nil
}

// Handle is an in-memory lvm.Handle. Successful operations update its
// exists and mounted state; an operation listed in Errors fails and leaves
// the state untouched.
type Handle struct {
	volume *Volume
	name   string
	fstype string

	mu         sync.Mutex
	exists     bool
	mounted    bool
	mountpoint string
	options    []string

	Errors map[string]error
}

var _ lvm.Handle = (*Handle)(nil)

func (h *Handle) fail(op string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Errors[op]
}

// SetError makes op fail with err from now on; a nil err clears it.
func (h *Handle) SetError(op string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err == nil {
		delete(h.Errors, op)
		return
	}
	h.Errors[op] = err
}

func (h *Handle) Name() string {
	return h.name
}

func (h *Handle) DevicePath() string {
	return "/dev/fake/" + h.name
}

func (h *Handle) Mount(ctx context.Context, path string, options ...string) error {
	h.volume.record(strings.TrimSpace(fmt.Sprintf("%s %s %s", OpMount, path, strings.Join(options, ","))))
	if err := h.fail(OpMount); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mounted = true
	h.mountpoint = path
	h.options = options
	return nil
}

func (h *Handle) Unmount(ctx context.Context) error {
	h.volume.record(OpUnmount)
	if err := h.fail(OpUnmount); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mounted = false
	return nil
}

func (h *Handle) Remove(ctx context.Context) error {
	h.volume.record(OpRemove)
	if err := h.fail(OpRemove); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mounted {
		return ErrInUse
	}
	h.exists = false
	return nil
}

func (h *Handle) Exists(ctx context.Context) (bool, error) {
	h.volume.record(OpExists)
	if err := h.fail(OpExists); err != nil {
		return false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exists, nil
}

func (h *Handle) IsMounted(ctx context.Context) (bool, error) {
	h.volume.record(OpIsMounted)
	if err := h.fail(OpIsMounted); err != nil {
		return false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mounted, nil
}

func (h *Handle) Filesystem(ctx context.Context) (string, error) {
	h.volume.record(OpFilesystem)
	if err := h.fail(OpFilesystem); err != nil {
		return "", err
	}
	return h.fstype, nil
}

// State returns whether the fake snapshot still exists and is mounted.
func (h *Handle) State() (exists, mounted bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.exists, h.mounted
}

// MountOptions returns the options of the last successful Mount.
func (h *Handle) MountOptions() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.options...)
}
