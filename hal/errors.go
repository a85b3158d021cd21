package hal

import (
	"errors"
	"fmt"
)

var (
	ErrUnavailable         = errors.New("backend unavailable")
	ErrUnsupportedRateMode = errors.New("unsupported rate mode")
	ErrUnsupported         = errors.New("operation not supported by this family")
	ErrEmptyFrame          = errors.New("current frame is empty")
	ErrWaitTimeout         = errors.New("stream wait timed out")
	ErrWaitFailed          = errors.New("stream wait failed")
	ErrNoRegion            = errors.New("region does not exist")
	ErrNotAttached         = errors.New("region is not attached")
	ErrUnknownFamily       = errors.New("unknown hardware family")
)

// UnavailableError reports a library or symbol that could not be resolved.
type UnavailableError struct {
	Kind   ModuleKind
	Symbol string
	Err    error
}

func (e *UnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s backend unavailable (%s): %v", e.Kind, e.Symbol, e.Err)
	}
	return fmt.Sprintf("%s backend unavailable (%s)", e.Kind, e.Symbol)
}

func (e *UnavailableError) Is(target error) bool { return target == ErrUnavailable }

func (e *UnavailableError) Unwrap() error { return e.Err }

// RateModeError rejects a (codec, mode) pair before any hardware call.
type RateModeError struct {
	Codec Codec
	Mode  RateMode
}

func (e *RateModeError) Error() string {
	return fmt.Sprintf("%s encoder does not support %s mode", e.Codec, e.Mode)
}

func (e *RateModeError) Is(target error) bool { return target == ErrUnsupportedRateMode }

// CallError wraps a failing vendor call and its native return code.
type CallError struct {
	Op   string
	Code int32
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s failed with %#x", e.Op, uint32(e.Code))
}

// Check turns a vendor return code into an error.
func Check(op string, code int32) error {
	if code == 0 {
		return nil
	}
	return &CallError{Op: op, Code: code}
}

// WaitError is a fatal multiplexed-wait failure.
type WaitError struct {
	Err error
}

func (e *WaitError) Error() string { return fmt.Sprintf("stream wait failed: %v", e.Err) }

func (e *WaitError) Is(target error) bool { return target == ErrWaitFailed }

func (e *WaitError) Unwrap() error { return e.Err }
