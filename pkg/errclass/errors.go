// Package errclass defines the stable, machine-readable error classes of lvsnap.
package errclass

import "fmt"

// SnapError is a stable, machine-readable error class.
type SnapError struct {
	Code    string
	Message string
	Cause   error
}

func (e *SnapError) Error() string {
	msg := e.Message
	if e.Cause != nil {
		if msg == "" {
			msg = e.Cause.Error()
		} else {
			msg = msg + ": " + e.Cause.Error()
		}
	}
	if msg == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, msg)
}

// Is matches any SnapError carrying the same Code.
func (e *SnapError) Is(target error) bool {
	t, ok := target.(*SnapError)
	return ok && e.Code == t.Code
}

func (e *SnapError) Unwrap() error {
	return e.Cause
}

// WithMessage returns a new SnapError with the same Code but a specific message.
func (e *SnapError) WithMessage(msg string) *SnapError {
	return &SnapError{Code: e.Code, Message: msg}
}

// WithMessagef returns a new SnapError with a formatted message.
func (e *SnapError) WithMessagef(format string, args ...any) *SnapError {
	return &SnapError{Code: e.Code, Message: fmt.Sprintf(format, args...)}
}

// Wrap returns a new SnapError with the same Code carrying err as its cause.
func (e *SnapError) Wrap(err error, msg string) *SnapError {
	return &SnapError{Code: e.Code, Message: msg, Cause: err}
}

// Stable error classes.
var (
	ErrLVMCommand        = &SnapError{Code: "E_LVM_COMMAND"}
	ErrCallbackFailures  = &SnapError{Code: "E_CALLBACK_FAILURES"}
	ErrInProgress        = &SnapError{Code: "E_IN_PROGRESS"}
	ErrInterrupted       = &SnapError{Code: "E_INTERRUPTED"}
	ErrNameInvalid       = &SnapError{Code: "E_NAME_INVALID"}
	ErrSizeInvalid       = &SnapError{Code: "E_SIZE_INVALID"}
	ErrMountpointInvalid = &SnapError{Code: "E_MOUNTPOINT_INVALID"}
	ErrVolumeNotFound    = &SnapError{Code: "E_VOLUME_NOT_FOUND"}
	ErrLockConflict      = &SnapError{Code: "E_LOCK_CONFLICT"}
	ErrLockNotHeld       = &SnapError{Code: "E_LOCK_NOT_HELD"}
	ErrConfigInvalid     = &SnapError{Code: "E_CONFIG_INVALID"}
	ErrAuditChainBroken  = &SnapError{Code: "E_AUDIT_CHAIN_BROKEN"}
	ErrHookFailed        = &SnapError{Code: "E_HOOK_FAILED"}
)
