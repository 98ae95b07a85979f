package snapshot

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/jvs-project/lvsnap/internal/callback"
	"github.com/jvs-project/lvsnap/internal/lvm"
	"github.com/jvs-project/lvsnap/internal/signalguard"
	"github.com/jvs-project/lvsnap/pkg/errclass"
	"github.com/jvs-project/lvsnap/pkg/logging"
	"github.com/jvs-project/lvsnap/pkg/model"
)

// cleanupTimeout bounds the unmount and remove attempts made in ERROR.
const cleanupTimeout = 30 * time.Second

// PhaseObserver is told how long each state took.
type PhaseObserver func(state model.State, elapsed time.Duration)

// Machine runs the snapshot lifecycle for one SnapshotSpec. A Machine is
// single-use: Start may succeed only once.
type Machine struct {
	spec     model.SnapshotSpec
	logger   *logging.Logger
	registry *Registry
	signals  []os.Signal
	clock    clockwork.Clock
	observe  PhaseObserver
	runID    string

	running  atomic.Bool
	finished atomic.Bool
}

// Option configures a Machine.
type Option func(*Machine)

// WithLogger sets the logger phase transitions and cleanup failures go to.
func WithLogger(logger *logging.Logger) Option {
	return func(m *Machine) { m.logger = logger }
}

// WithRegistry shares a callback registry with the machine.
func WithRegistry(registry *Registry) Option {
	return func(m *Machine) { m.registry = registry }
}

// WithSignals sets the signals deferred between START and FINISH.
func WithSignals(sigs ...os.Signal) Option {
	return func(m *Machine) { m.signals = sigs }
}

// WithClock sets the clock used for run timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(m *Machine) { m.clock = clock }
}

// WithPhaseObserver registers fn to be told the duration of every state.
func WithPhaseObserver(fn PhaseObserver) Option {
	return func(m *Machine) { m.observe = fn }
}

// WithRunID sets the id reported in events and the result. A random
// UUID is used otherwise.
func WithRunID(id string) Option {
	return func(m *Machine) { m.runID = id }
}

// New creates a machine for spec.
func New(spec model.SnapshotSpec, opts ...Option) *Machine {
	m := &Machine{
		spec:    spec,
		signals: []os.Signal{os.Interrupt},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = logging.Nop()
	}
	if m.registry == nil {
		m.registry = NewRegistry()
	}
	if m.clock == nil {
		m.clock = clockwork.NewRealClock()
	}
	if m.runID == "" {
		m.runID = uuid.NewString()
	}
	return m
}

// Spec returns the snapshot spec the machine was built with.
func (m *Machine) Spec() model.SnapshotSpec {
	return m.spec
}

// Register attaches handler to event.
func (m *Machine) Register(event model.Event, handler Handler, opts ...callback.Option) {
	m.registry.Register(event, handler, opts...)
}

// Start runs the lifecycle against volume and returns once the machine
// reaches FINISH. The returned error is the failure that moved the machine
// to ERROR, or nil when every step succeeded; it is also stored in
// Result.Err. Failures during cleanup are logged and never replace it.
func (m *Machine) Start(ctx context.Context, volume lvm.Volume) (*Result, error) {
	if m.finished.Load() {
		return nil, errclass.ErrInProgress.WithMessage("snapshot already finished")
	}
	if !m.running.CompareAndSwap(false, true) {
		return nil, errclass.ErrInProgress.WithMessage("snapshot already in progress")
	}
	if m.finished.Load() {
		m.running.Store(false)
		return nil, errclass.ErrInProgress.WithMessage("snapshot already finished")
	}
	defer func() {
		m.finished.Store(true)
		m.running.Store(false)
	}()

	r := &run{
		machine: m,
		volume:  volume,
		guard:   signalguard.New(m.logger),
		result: &Result{
			RunID:     m.runID,
			Spec:      m.spec,
			StartedAt: m.clock.Now(),
		},
	}
	r.logger = m.logger.WithFields(map[string]any{
		"run_id":   r.result.RunID,
		"snapshot": m.spec.Name,
	})
	r.execute(ctx)
	return r.result, r.result.Err
}

// run is the state of one Start call.
type run struct {
	machine *Machine
	volume  lvm.Volume
	guard   *signalguard.Guard
	logger  *logging.Logger
	result  *Result

	state  model.State
	handle lvm.Handle
}

func (r *run) execute(ctx context.Context) {
	state := model.StateStart
	for state != model.StateFinish {
		r.enter(state)
		began := r.machine.clock.Now()

		var next model.State
		var err error
		switch state {
		case model.StateStart:
			next, err = model.StateCreate, r.start(ctx)
		case model.StateCreate:
			next, err = model.StateMount, r.create(ctx)
		case model.StateMount:
			next, err = model.StateUnmount, r.mount(ctx)
		case model.StateUnmount:
			next, err = model.StateRemove, r.unmount(ctx)
		case model.StateRemove:
			next, err = model.StateFinish, r.remove(ctx)
		case model.StateError:
			r.fail(ctx)
			next = model.StateFinish
		}

		r.observe(state, began)
		if err != nil {
			r.result.Err = err
			r.result.FailedState = state
			next = model.StateError
		}
		state = next
	}

	r.enter(model.StateFinish)
	r.finish(ctx)
}

func (r *run) enter(state model.State) {
	r.state = state
	r.result.Visited = append(r.result.Visited, state)
	r.logger.Info("entering state", map[string]any{"state": string(state)})
}

func (r *run) observe(state model.State, began time.Time) {
	if r.machine.observe != nil {
		r.machine.observe(state, r.machine.clock.Since(began))
	}
}

func (r *run) fire(ctx context.Context, event model.Event) error {
	return r.machine.registry.Fire(ctx, event, &Event{
		Name:   event,
		RunID:  r.result.RunID,
		State:  r.state,
		Spec:   r.machine.spec,
		Handle: r.handle,
		Err:    r.result.Err,
	})
}

// START: defer interrupts, then fire initialize.
func (r *run) start(ctx context.Context) error {
	r.guard.Trap(r.machine.signals...)
	return r.fire(ctx, model.EventInitialize)
}

// CREATE: pre-snapshot, create the snapshot volume, post-snapshot.
func (r *run) create(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.fire(ctx, model.EventPreSnapshot); err != nil {
		return err
	}

	spec := r.machine.spec
	handle, err := r.volume.Snapshot(ctx, spec.Name, spec.Size)
	if err != nil {
		return err
	}
	r.handle = handle
	r.logger.Info("created snapshot", map[string]any{
		"device": handle.DevicePath(),
		"size":   spec.Size,
	})

	return r.fire(ctx, model.EventPostSnapshot)
}

// MOUNT: pre-mount, mount (xfs needs nouuid), post-mount.
func (r *run) mount(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.fire(ctx, model.EventPreMount); err != nil {
		return err
	}

	options, err := MountOptions(ctx, r.handle)
	if err != nil {
		return err
	}
	if err := r.handle.Mount(ctx, r.machine.spec.Mountpoint, options...); err != nil {
		return err
	}
	r.logger.Info("mounted snapshot", map[string]any{
		"mountpoint": r.machine.spec.Mountpoint,
		"options":    options,
	})

	return r.fire(ctx, model.EventPostMount)
}

// UNMOUNT: pre-unmount, unmount, post-unmount.
func (r *run) unmount(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.fire(ctx, model.EventPreUnmount); err != nil {
		return err
	}
	if err := r.handle.Unmount(ctx); err != nil {
		return err
	}
	return r.fire(ctx, model.EventPostUnmount)
}

// REMOVE: pre-remove, remove the snapshot volume, post-remove.
func (r *run) remove(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.fire(ctx, model.EventPreRemove); err != nil {
		return err
	}
	if err := r.handle.Remove(ctx); err != nil {
		return err
	}
	return r.fire(ctx, model.EventPostRemove)
}

// ERROR: release what the run created, then fire error. Nothing here can
// fail the run a second time.
func (r *run) fail(ctx context.Context) {
	r.logger.ErrorErr("snapshot processing failed", r.result.Err, map[string]any{
		"failed_state": string(r.result.FailedState),
	})

	ctx = context.WithoutCancel(ctx)
	if r.handle != nil {
		cctx, cancel := context.WithTimeout(ctx, cleanupTimeout)
		r.cleanup(cctx)
		cancel()
	}

	if err := r.fire(ctx, model.EventError); err != nil {
		r.logger.ErrorErr("error callbacks failed", err)
	}
}

// cleanup unmounts the snapshot if it is mounted and removes it if it
// still exists. A failed mount query or unmount is recorded and removal
// is still tried.
func (r *run) cleanup(ctx context.Context) {
	exists, err := r.handle.Exists(ctx)
	if err != nil {
		r.cleanupFailed("check snapshot exists", err)
		return
	}
	if !exists {
		return
	}

	mounted, err := r.handle.IsMounted(ctx)
	if err != nil {
		r.cleanupFailed("check snapshot mounted", err)
	} else if mounted {
		if err := r.handle.Unmount(ctx); err != nil {
			r.cleanupFailed("unmount snapshot", err)
		}
	}

	exists, err = r.handle.Exists(ctx)
	if err != nil {
		r.cleanupFailed("check snapshot exists", err)
		return
	}
	if exists {
		if err := r.handle.Remove(ctx); err != nil {
			r.cleanupFailed("remove snapshot", err)
		}
	}
}

func (r *run) cleanupFailed(step string, err error) {
	r.result.CleanupErrs = append(r.result.CleanupErrs, err)
	r.logger.ErrorErr("cleanup failed", err, map[string]any{
		"step":   step,
		"device": r.handle.DevicePath(),
	})
}

// FINISH: hand deferred interrupts back, then fire finish.
func (r *run) finish(ctx context.Context) {
	r.result.Signals = r.guard.Restore()
	r.result.FinishedAt = r.machine.clock.Now()
	r.result.State = model.StateFinish

	if err := r.fire(context.WithoutCancel(ctx), model.EventFinish); err != nil {
		r.logger.ErrorErr("finish callbacks failed", err)
	}
	r.logger.Info("snapshot run finished", map[string]any{
		"succeeded":   r.result.Err == nil,
		"duration_ms": r.result.Duration().Milliseconds(),
		"signals":     len(r.result.Signals),
	})
}

// MountOptions returns the mount options handle needs. An xfs snapshot
// carries the UUID of its origin, which is usually mounted already.
func MountOptions(ctx context.Context, handle lvm.Handle) ([]string, error) {
	fstype, err := handle.Filesystem(ctx)
	if err != nil {
		return nil, err
	}
	if fstype == "xfs" {
		return []string{"nouuid"}, nil
	}
	return nil, nil
}
