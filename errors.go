package nidaq

import (
	"errors"
	"fmt"
)

// Errors returned by the acquisition core. Test with errors.Is.
var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrAlreadyRecording     = errors.New("already recording")
	ErrDisposed             = errors.New("device has been disposed")
	ErrBlockShape           = errors.New("block has the wrong shape")
	ErrNonFinite            = errors.New("non-finite timing input")
)

// HardwareError reports a failure of the underlying HardwareTask.
type HardwareError struct {
	Op  string // which task operation failed, e.g. "start"
	Err error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("hardware task %s failed: %v", e.Op, e.Err)
}

func (e *HardwareError) Unwrap() error {
	return e.Err
}

func hardwareError(op string, err error) error {
	if err == nil {
		return nil
	}
	return &HardwareError{Op: op, Err: err}
}
