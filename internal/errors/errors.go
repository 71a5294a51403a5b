package errors

import (
	"errors"
	"fmt"
	"time"
)

// RecorderError is the base interface for all errors raised by this module.
type RecorderError interface {
	error
	IsRecorderError() bool
}

// Compile-time verification that all error types implement RecorderError.
var (
	_ RecorderError = (*SpawnError)(nil)
	_ RecorderError = (*ProtocolError)(nil)
	_ RecorderError = (*CommandError)(nil)
	_ RecorderError = (*NoticeError)(nil)
	_ RecorderError = (*TransportError)(nil)
	_ RecorderError = (*StallError)(nil)
)

// Sentinel errors for commonly checked conditions.
var (
	// ErrHandlerFatal indicates the handler hit an unrecoverable condition.
	// The handler must be released and a fresh one acquired.
	ErrHandlerFatal = errors.New("stream handler is in a fatal state")

	// ErrNotOpen indicates the recorder process is not running.
	ErrNotOpen = errors.New("external recorder not open")

	// ErrClosed indicates the handler has been closed and cannot be reused.
	ErrClosed = errors.New("stream handler closed")

	// ErrDeviceBusy indicates another OS process holds the device lock.
	ErrDeviceBusy = errors.New("recorder device is locked by another process")

	// ErrUnknownHandler indicates a release for a handler the registry does not own.
	ErrUnknownHandler = errors.New("handler not found in registry")

	// ErrResponseTimeout indicates the recorder did not answer in time.
	ErrResponseTimeout = errors.New("response timeout")

	// ErrMalformedResponse indicates a reply that does not follow the wire grammar.
	ErrMalformedResponse = errors.New("malformed response")
)

// SpawnError indicates the recorder program could not be started.
type SpawnError struct {
	Path   string
	Reason string
	Err    error
}

func (e *SpawnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("spawn %s: %s: %v", e.Path, e.Reason, e.Err)
	}

	return fmt.Sprintf("spawn %s: %s", e.Path, e.Reason)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// IsRecorderError implements RecorderError.
func (e *SpawnError) IsRecorderError() bool { return true }

// ProtocolError indicates a control exchange that did not yield a usable reply.
type ProtocolError struct {
	Command  string
	Reason   string
	Response string
	Err      error
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("protocol error on %q: %s", e.Command, e.Reason)
	if e.Response != "" {
		msg += fmt.Sprintf(" (received %q)", e.Response)
	}

	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}

	return msg
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsRecorderError implements RecorderError.
func (e *ProtocolError) IsRecorderError() bool { return true }

// CommandError carries a terminal WARN or ERR reply.
type CommandError struct {
	Command string
	Kind    string
	Payload string
}

func (e *CommandError) Error() string {
	if e.Payload == "" {
		return fmt.Sprintf("%s: recorder replied %s", e.Command, e.Kind)
	}

	return fmt.Sprintf("%s: recorder replied %s: %s", e.Command, e.Kind, e.Payload)
}

// IsWarning reports whether the reply was a non-fatal WARN.
func (e *CommandError) IsWarning() bool {
	return e.Kind == "WARN"
}

// IsRecorderError implements RecorderError.
func (e *CommandError) IsRecorderError() bool { return true }

// NoticeError indicates an out-of-band status notice reported an error
// while a command was pending.
type NoticeError struct {
	Command string
	Notice  string
}

func (e *NoticeError) Error() string {
	return fmt.Sprintf("%s: out-of-band error: %s", e.Command, e.Notice)
}

// IsRecorderError implements RecorderError.
func (e *NoticeError) IsRecorderError() bool { return true }

// TransportError indicates a permanent pipe failure.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("recorder pipe %s failed: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsRecorderError implements RecorderError.
func (e *TransportError) IsRecorderError() bool { return true }

// StallError indicates no data arrived for the whole stall window.
type StallError struct {
	Window time.Duration
}

func (e *StallError) Error() string {
	return fmt.Sprintf("no data for %s", e.Window)
}

// IsRecorderError implements RecorderError.
func (e *StallError) IsRecorderError() bool { return true }
