package fancontrol

import (
	"errors"
	"fmt"
)

// ErrReleased is returned by a Channel once Release has been called.
var ErrReleased = errors.New("fancontrol: channel released")

// ReadError is a failed temperature read. It is always recoverable: the loop
// substitutes FailSafeTemperature for the cycle.
type ReadError struct {
	Source string // e.g. "vcgencmd", "thermal_zone0"
	Err    error
}

func (e *ReadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("read temperature (%s): %v", e.Source, e.Err)
	}
	return fmt.Sprintf("read temperature (%s) failed", e.Source)
}

func (e *ReadError) Unwrap() error { return e.Err }

func (e *ReadError) Recoverable() bool { return true }

// ActuatorError is a failed operation on a fan backend.
type ActuatorError struct {
	Backend Backend
	Op      string // "open", "claim", "set duty", "release"
	Err     error
}

const opSetDuty = "set duty"

func (e *ActuatorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fan %s (%s): %v", e.Op, e.Backend, e.Err)
	}
	return fmt.Sprintf("fan %s (%s) failed", e.Op, e.Backend)
}

func (e *ActuatorError) Unwrap() error { return e.Err }

// Recoverable reports whether the loop may carry on at the last applied speed.
// Only duty changes are; failing to open or claim the pin is not.
func (e *ActuatorError) Recoverable() bool { return e.Op == opSetDuty }

// StartupError means the controller never reached the running state.
type StartupError struct {
	Err error
}

func (e *StartupError) Error() string { return fmt.Sprintf("startup: %v", e.Err) }

func (e *StartupError) Unwrap() error { return e.Err }

// UnexpectedError is anything that escaped a control cycle.
type UnexpectedError struct {
	Err error
}

func (e *UnexpectedError) Error() string { return fmt.Sprintf("unexpected error: %v", e.Err) }

func (e *UnexpectedError) Unwrap() error { return e.Err }

// IsRecoverable reports whether err should be logged and swallowed rather than
// stopping the controller. Unclassified errors are not recoverable.
func IsRecoverable(err error) bool {
	var r interface{ Recoverable() bool }
	if errors.As(err, &r) {
		return r.Recoverable()
	}
	return false
}

func IsStartupError(err error) bool {
	var se *StartupError
	return errors.As(err, &se)
}
