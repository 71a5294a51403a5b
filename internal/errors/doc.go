// Package errors defines error types for the external recorder stream handler.
//
// This package provides structured error types for the failure classes of the
// recorder subsystem: spawning, protocol exchanges, pipe transport and stalls.
// All error types support error unwrapping and can be checked using errors.Is,
// errors.As, and errors.AsType.
package errors
