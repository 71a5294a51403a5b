package extrec

import "github.com/wagiedev/external-recorder-go/internal/errors"

// Re-export error types from internal package

// RecorderError is the base interface for all recorder errors.
type RecorderError = errors.RecorderError

// SpawnError indicates the recorder program could not be started.
type SpawnError = errors.SpawnError

// ProtocolError indicates a control exchange that produced no usable reply.
type ProtocolError = errors.ProtocolError

// CommandError carries a WARN or ERR reply to a control command.
type CommandError = errors.CommandError

// NoticeError indicates an out-of-band status notice reported an error.
type NoticeError = errors.NoticeError

// TransportError indicates a permanent pipe failure.
type TransportError = errors.TransportError

// StallError indicates the stream produced no data for the stall window.
type StallError = errors.StallError

// Re-export sentinel errors from internal package.
var (
	// ErrHandlerFatal indicates the handler cannot recover and must be replaced.
	ErrHandlerFatal = errors.ErrHandlerFatal

	// ErrNotOpen indicates the recorder is not running.
	ErrNotOpen = errors.ErrNotOpen

	// ErrClosed indicates the handler has been closed.
	ErrClosed = errors.ErrClosed

	// ErrDeviceBusy indicates another process holds the device lock.
	ErrDeviceBusy = errors.ErrDeviceBusy

	// ErrUnknownHandler indicates no handler is registered for the device.
	ErrUnknownHandler = errors.ErrUnknownHandler

	// ErrResponseTimeout indicates the recorder did not answer in time.
	ErrResponseTimeout = errors.ErrResponseTimeout
)
