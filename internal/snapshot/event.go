package snapshot

import (
	"os"
	"time"

	"github.com/jvs-project/lvsnap/internal/callback"
	"github.com/jvs-project/lvsnap/internal/lvm"
	"github.com/jvs-project/lvsnap/pkg/model"
)

// Event is the payload every callback receives.
type Event struct {
	Name  model.Event
	RunID string
	State model.State
	Spec  model.SnapshotSpec
	// Handle is nil until the snapshot has been created.
	Handle lvm.Handle
	// Err is the failure that moved the machine to ERROR. It is set for
	// the error and finish events of a failed run.
	Err error
}

// Handler is a lifecycle callback.
type Handler = callback.Handler[*Event]

// Registry holds the callbacks of a Machine.
type Registry = callback.Registry[*Event]

// NewRegistry creates an empty callback registry for machines.
func NewRegistry() *Registry {
	return callback.New[*Event]()
}

// Result describes a finished run.
type Result struct {
	RunID string
	Spec  model.SnapshotSpec
	// State is the state the machine stopped in, always FINISH.
	State model.State
	// Visited lists the states entered, in order.
	Visited []model.State
	// FailedState is the state that failed, empty on success.
	FailedState model.State
	// Signals are the interrupts deferred while the run held them.
	Signals []os.Signal
	// CleanupErrs are the failures logged and swallowed in ERROR.
	CleanupErrs []error
	StartedAt   time.Time
	FinishedAt  time.Time
	Err         error
}

// Duration returns how long the run took.
func (r *Result) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Interrupted reports whether an interrupt arrived during the run.
func (r *Result) Interrupted() bool {
	return len(r.Signals) > 0
}

// Succeeded reports whether the run reached FINISH without a failure.
func (r *Result) Succeeded() bool {
	return r.Err == nil
}
