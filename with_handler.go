package extrec

import (
	"context"
	"fmt"
)

// WithHandler manages handler lifecycle with automatic cleanup.
//
// This helper opens a handler for deviceSpec, using majorID as the input id
// as well, executes the callback and closes the handler when done. If the
// callback returns an error, it is returned to the caller. A Close failure
// is logged and does not override the callback's error.
//
// Example usage:
//
//	err := extrec.WithHandler(ctx, "/usr/bin/mythfilerecorder --infile x.ts", 1,
//	    func(h *extrec.Handler) error {
//	        fmt.Println(h.APIVersion(), h.Capabilities())
//	        return nil
//	    },
//	    extrec.WithLogger(log),
//	)
func WithHandler(ctx context.Context, deviceSpec string, majorID int, fn func(*Handler) error, opts ...Option) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	options := applyOptions(opts)

	log := options.Logger
	if log == nil {
		log = NopLogger()
	}

	h, err := Open(ctx, deviceSpec, majorID, majorID, WithOptions(options))
	if err != nil {
		return fmt.Errorf("failed to open recorder: %w", err)
	}

	defer func() {
		if closeErr := h.Close(); closeErr != nil {
			log.Warn("failed to close handler", "error", closeErr)
		}
	}()

	return fn(h)
}
