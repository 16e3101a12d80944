package pkg

import (
	"errors"

	"go.uber.org/multierr"
)

// Driver and transport errors.
var (
	// ErrInvalidArgument indicates a nil or zero required parameter.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState indicates an operation attempted in the wrong lifecycle phase.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotSupported indicates the device lacks a required descriptor or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrNoMemory indicates an allocation could not be satisfied.
	ErrNoMemory = errors.New("insufficient memory")

	// ErrInternal indicates an unexpected transfer outcome or sense key.
	ErrInternal = errors.New("internal error")

	// ErrInvalidSize indicates a transfer larger than the transfer buffer.
	ErrInvalidSize = errors.New("invalid size")

	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrTimeout indicates a transfer or event wait timed out.
	ErrTimeout = errors.New("timed out")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrOverflow indicates the device sent more data than requested.
	ErrOverflow = errors.New("data overflow")

	// ErrNoDevice indicates the device is not present.
	ErrNoDevice = errors.New("device not present")

	// ErrBusy indicates the resource already has an operation in flight.
	ErrBusy = errors.New("resource busy")

	// ErrAlreadyRunning indicates the host is already running.
	ErrAlreadyRunning = errors.New("already running")

	// ErrNotRunning indicates the host is not running.
	ErrNotRunning = errors.New("not running")
)

// TransferStatus represents the completion status of a USB transfer.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusCompleted TransferStatus = iota // Transfer completed successfully
	TransferStatusError                           // Transfer failed with error
	TransferStatusTimedOut                        // Transfer timed out
	TransferStatusCancelled                       // Transfer was flushed or cancelled
	TransferStatusStall                           // Endpoint stalled
	TransferStatusNoDevice                        // Device was removed
	TransferStatusOverflow                        // Device sent more data than requested
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusCompleted:
		return "completed"
	case TransferStatusError:
		return "error"
	case TransferStatusTimedOut:
		return "timed out"
	case TransferStatusCancelled:
		return "cancelled"
	case TransferStatusStall:
		return "stall"
	case TransferStatusNoDevice:
		return "no device"
	case TransferStatusOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// Err returns the corresponding error for the transfer status.
func (s TransferStatus) Err() error {
	switch s {
	case TransferStatusCompleted:
		return nil
	case TransferStatusStall:
		return ErrStall
	case TransferStatusTimedOut:
		return ErrTimeout
	case TransferStatusCancelled:
		return ErrCancelled
	case TransferStatusNoDevice:
		return ErrNoDevice
	case TransferStatusOverflow:
		return ErrOverflow
	default:
		return ErrInternal
	}
}

// StatusFromError maps a HAL transfer error onto a TransferStatus.
func StatusFromError(err error) TransferStatus {
	switch {
	case err == nil:
		return TransferStatusCompleted
	case errors.Is(err, ErrStall):
		return TransferStatusStall
	case errors.Is(err, ErrNoDevice):
		return TransferStatusNoDevice
	case errors.Is(err, ErrOverflow):
		return TransferStatusOverflow
	case errors.Is(err, ErrTimeout):
		return TransferStatusTimedOut
	case errors.Is(err, ErrCancelled):
		return TransferStatusCancelled
	default:
		return TransferStatusError
	}
}

// Cleanup collects the errors of best-effort teardown steps.
//
// Teardown runs every step regardless of earlier failures. The owner then
// either reports the combined result with Err, or drops it with Discard when
// teardown is unwinding a failure that is already being reported.
type Cleanup struct {
	err error
}

// Do runs fn and records its error.
func (c *Cleanup) Do(fn func() error) {
	c.err = multierr.Append(c.err, fn())
}

// Err returns every recorded error combined, or nil.
func (c *Cleanup) Err() error {
	return c.err
}

// Errors returns the recorded errors individually.
func (c *Cleanup) Errors() []error {
	return multierr.Errors(c.err)
}

// Discard drops the recorded errors, logging them at debug level.
func (c *Cleanup) Discard(component Component, msg string) {
	for _, err := range multierr.Errors(c.err) {
		LogDebug(component, msg, "error", err)
	}
	c.err = nil
}
