// Package snapshot drives one LVM snapshot through its lifecycle:
//
//	START -> CREATE -> MOUNT -> UNMOUNT -> REMOVE -> FINISH
//
// A failure in any state moves the machine to ERROR, which unmounts and
// removes whatever the run created before moving to FINISH. Callbacks are
// fired before and after each step, and the configured interrupt signals
// are deferred until FINISH.
package snapshot
