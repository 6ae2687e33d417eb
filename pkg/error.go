package pkg

import (
	"context"
	"errors"
)

// Transfer and lifecycle errors.
var (
	// ErrStall indicates an endpoint stall condition.
	ErrStall = errors.New("endpoint stalled")

	// ErrTimeout indicates a transfer timeout.
	ErrTimeout = errors.New("transfer timeout")

	// ErrCancelled indicates a cancelled transfer.
	ErrCancelled = errors.New("transfer cancelled")

	// ErrOverrun indicates the device returned more data than the buffer holds.
	ErrOverrun = errors.New("data overrun")

	// ErrNoDevice indicates the device is not present.
	ErrNoDevice = errors.New("device not present")

	// ErrInvalidEndpoint indicates a missing or mismatched endpoint.
	ErrInvalidEndpoint = errors.New("invalid endpoint")

	// ErrInvalidState indicates an object is in the wrong state for the operation.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotSupported indicates an unsupported operation or feature.
	ErrNotSupported = errors.New("not supported")

	// ErrBusy indicates the resource is already in use.
	ErrBusy = errors.New("resource busy")

	// ErrNotRunning indicates the component has been closed.
	ErrNotRunning = errors.New("not running")

	// ErrInvalidParameter indicates an invalid parameter was provided.
	ErrInvalidParameter = errors.New("invalid parameter")

	// ErrDescriptorTooShort indicates descriptor data is too short.
	ErrDescriptorTooShort = errors.New("descriptor too short")
)

// TransferStatus classifies the outcome of a transfer.
type TransferStatus int

// Transfer status values.
const (
	TransferStatusSuccess   TransferStatus = iota // Transfer completed successfully
	TransferStatusError                           // Transfer failed with error
	TransferStatusStall                           // Endpoint stalled
	TransferStatusTimeout                         // Transfer timed out
	TransferStatusCancelled                       // Transfer was cancelled
	TransferStatusOverrun                         // Data overrun
)

// String returns a string representation of the transfer status.
func (s TransferStatus) String() string {
	switch s {
	case TransferStatusSuccess:
		return "success"
	case TransferStatusError:
		return "error"
	case TransferStatusStall:
		return "stall"
	case TransferStatusTimeout:
		return "timeout"
	case TransferStatusCancelled:
		return "cancelled"
	case TransferStatusOverrun:
		return "overrun"
	default:
		return "unknown"
	}
}

// StatusOf classifies err. A nil error is success; context errors map to
// cancelled and timeout.
func StatusOf(err error) TransferStatus {
	switch {
	case err == nil:
		return TransferStatusSuccess
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return TransferStatusCancelled
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return TransferStatusTimeout
	case errors.Is(err, ErrStall):
		return TransferStatusStall
	case errors.Is(err, ErrOverrun):
		return TransferStatusOverrun
	default:
		return TransferStatusError
	}
}
