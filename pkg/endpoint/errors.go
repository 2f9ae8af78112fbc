package endpoint

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrLoadInProgress = errors.New("endpoint is already loading")
	ErrClosed         = errors.New("endpoint is closed")
	ErrNilLoader      = errors.New("endpoint loader is nil")
	ErrCloseTimeout   = errors.New("in-flight calls did not finish before the close timeout")
)

// NotReadyError is returned by Predict when the endpoint is not Ready. The
// model is never invoked in that case.
type NotReadyError struct {
	Name  string
	State State
	// Cause is the retained load error when State is Failed.
	Cause error
}

func (e *NotReadyError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("endpoint %s is not ready (%s): %v", e.Name, e.State, e.Cause)
	}
	return fmt.Sprintf("endpoint %s is not ready (%s)", e.Name, e.State)
}

// InferenceError wraps any failure raised by the underlying model call,
// including recovered panics and context expiry.
type InferenceError struct {
	Name string
	Err  error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("inference on endpoint %s failed: %v", e.Name, e.Err)
}

func (e *InferenceError) Unwrap() error {
	return e.Err
}

// IsTimeout reports whether err stems from an expired or cancelled context.
func IsTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
