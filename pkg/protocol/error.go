// Package protocol defines the error taxonomy shared by the codec, the correlator, the lifecycle
// state machine and the device adapters.
package protocol

import (
	"errors"
	"fmt"
)

// Error exposes methods useful for categorizing errors.
type Error interface {
	error

	// MayHaveSucceeded returns true if the Error was triggered by a request that might have been
	// executed by the accessory. For example, if a write was acknowledged but the response never
	// arrived, the client cannot tell if the accessory acted on it.
	MayHaveSucceeded() bool

	// Temporary returns true if the Error might be the result of a transient condition, such as
	// the accessory dropping out of radio range.
	Temporary() bool
}

var (
	// ErrMalformedFrame indicates an inbound frame failed its checksum, declared an impossible
	// length or was truncated. Malformed frames are rejected, never partially applied.
	ErrMalformedFrame = NewError("malformed frame", false, false)
	// ErrCorrelationMiss indicates a response carried a correlation key with no matching
	// outstanding request.
	ErrCorrelationMiss = NewError("response does not match an outstanding request", false, false)
	// ErrTimeout indicates an accessory did not answer in time.
	ErrTimeout = NewError("accessory did not respond in time", true, true)
	// ErrNotConnected indicates a request was issued while no link was established.
	ErrNotConnected = NewError("accessory not connected", false, true)
	// ErrBusy indicates a resource is temporarily unavailable, for example a full job queue.
	ErrBusy = NewError("accessory busy", false, true)
	// ErrStopped indicates the device controller was stopped by the application.
	ErrStopped = NewError("device controller stopped", false, false)
	// ErrMissingEndpoint indicates a connected peripheral lacks a mandatory characteristic.
	ErrMissingEndpoint = NewError("peripheral is missing a required characteristic", false, false)
)

type CommandError struct {
	Err               error
	PossibleSuccess   bool
	PossibleTemporary bool
}

func NewError(message string, mayHaveSucceeded bool, temporary bool) error {
	return &CommandError{Err: errors.New(message), PossibleSuccess: mayHaveSucceeded, PossibleTemporary: temporary}
}

func (e *CommandError) Error() string {
	return e.Err.Error()
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

func (e *CommandError) MayHaveSucceeded() bool {
	return e.PossibleSuccess
}

func (e *CommandError) Temporary() bool {
	return e.PossibleTemporary
}

// TransportError wraps a failure reported by the wireless transport (scan, connect, discovery,
// write or link loss). Transport errors are always treated as transient.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s failed: %s", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) MayHaveSucceeded() bool {
	return e.Op == "write"
}

func (e *TransportError) Temporary() bool {
	return true
}

// FrameError describes why a frame was rejected. It matches ErrMalformedFrame with errors.Is.
type FrameError struct {
	Family string
	Reason string
}

func NewFrameError(family, format string, a ...interface{}) error {
	return &FrameError{Family: family, Reason: fmt.Sprintf(format, a...)}
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("%s: malformed frame: %s", e.Family, e.Reason)
}

func (e *FrameError) Is(target error) bool {
	return target == ErrMalformedFrame
}

func (e *FrameError) MayHaveSucceeded() bool {
	return false
}

func (e *FrameError) Temporary() bool {
	return false
}

// SequenceError indicates a well-formed response that arrived in a state that does not expect it.
// The response is dropped and the adapter stays where it was.
type SequenceError struct {
	State string
	Key   interface{}
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("unexpected response %v in state %s", e.Key, e.State)
}

func (e *SequenceError) MayHaveSucceeded() bool {
	return false
}

func (e *SequenceError) Temporary() bool {
	return false
}

// MayHaveSucceeded returns true if err is an Error that indicates the request may have been
// executed but the client did not receive a confirmation from the accessory.
func MayHaveSucceeded(err error) bool {
	var commErr Error
	if errors.As(err, &commErr) && commErr.MayHaveSucceeded() {
		return true
	}
	return false
}

// Temporary returns true if err is an Error that indicates the request failed due to possibly
// transient conditions that do not require user action to resolve.
func Temporary(err error) bool {
	var commErr Error
	if errors.As(err, &commErr) && commErr.Temporary() {
		return true
	}
	return false
}

// ShouldRetry returns true if the client should retry to issue the request that triggered an
// error.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var e Error
	if errors.As(err, &e) {
		if e.MayHaveSucceeded() {
			return false
		}
		if e.Temporary() {
			return true
		}
	}
	return false
}
