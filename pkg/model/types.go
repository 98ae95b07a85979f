// Package model holds the data types shared across lvsnap packages.
package model

// Event names a point in the snapshot lifecycle at which callbacks run.
type Event string

// Lifecycle events, in the order the state machine fires them on the happy path.
const (
	EventInitialize   Event = "initialize"
	EventPreSnapshot  Event = "pre-snapshot"
	EventPostSnapshot Event = "post-snapshot"
	EventPreMount     Event = "pre-mount"
	EventPostMount    Event = "post-mount"
	EventPreUnmount   Event = "pre-unmount"
	EventPostUnmount  Event = "post-unmount"
	EventPreRemove    Event = "pre-remove"
	EventPostRemove   Event = "post-remove"
	EventError        Event = "error"
	EventFinish       Event = "finish"
)

// Events returns every lifecycle event in firing order. EventError is
// listed before EventFinish although it only fires on failure.
func Events() []Event {
	return []Event{
		EventInitialize,
		EventPreSnapshot,
		EventPostSnapshot,
		EventPreMount,
		EventPostMount,
		EventPreUnmount,
		EventPostUnmount,
		EventPreRemove,
		EventPostRemove,
		EventError,
		EventFinish,
	}
}

// ParseEvent returns the lifecycle event named s.
func ParseEvent(s string) (Event, bool) {
	for _, e := range Events() {
		if string(e) == s {
			return e, true
		}
	}
	return "", false
}

func (e Event) String() string {
	return string(e)
}

// State is a state of the snapshot lifecycle state machine.
type State string

const (
	StateStart   State = "START"
	StateCreate  State = "CREATE"
	StateMount   State = "MOUNT"
	StateUnmount State = "UNMOUNT"
	StateRemove  State = "REMOVE"
	StateError   State = "ERROR"
	StateFinish  State = "FINISH"
)

// HashValue is a SHA-256 hash stored as hex string.
type HashValue string

// LockState represents the current state of a lock.
type LockState string

const (
	LockStateHeld    LockState = "held"
	LockStateExpired LockState = "expired"
	LockStateFree    LockState = "free"
)
