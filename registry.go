package extrec

import (
	"context"

	"github.com/wagiedev/external-recorder-go/internal/registry"
	"github.com/wagiedev/external-recorder-go/internal/stream"
)

// Registry shares one Handler per device id. The first Acquire for a device
// spawns its recorder; the last Release shuts it down.
type Registry struct {
	opts *Options
	reg  *registry.Registry[*Handler]
}

// NewRegistry creates an empty registry. The options apply to every handler
// it creates.
func NewRegistry(opts ...Option) *Registry {
	options := applyOptions(opts)

	r := &Registry{opts: options}
	r.reg = registry.New(r.open, registry.Options{
		Logger:  options.Logger,
		LockDir: options.LockDir,
	})

	return r
}

func (r *Registry) open(ctx context.Context, deviceSpec string, majorID int) (*Handler, error) {
	return stream.New(ctx, stream.Config{
		DeviceSpec: deviceSpec,
		InputID:    majorID,
		MajorID:    majorID,
		Options:    r.opts,
	})
}

// Acquire returns the handler for majorID, spawning deviceSpec on first use.
// callerID identifies the holder in logs and snapshots.
//
// Returns ErrDeviceBusy when another process holds the device.
func (r *Registry) Acquire(ctx context.Context, deviceSpec, callerID string, majorID int) (*Handler, error) {
	return r.reg.Acquire(ctx, deviceSpec, callerID, majorID)
}

// Release drops callerID's reference to *ref and sets *ref to nil. The
// handler is closed when its last reference goes away.
func (r *Registry) Release(ref **Handler, callerID string) {
	r.reg.Release(ref, callerID)
}

// Get returns the live handler for majorID without taking a reference.
func (r *Registry) Get(majorID int) (*Handler, error) {
	return r.reg.Get(majorID)
}

// Snapshot lists the live handlers ordered by device id.
func (r *Registry) Snapshot() []RegistryEntry {
	return r.reg.Snapshot()
}

// Close shuts down every handler regardless of outstanding references.
func (r *Registry) Close() error {
	r.reg.CloseAll()

	return nil
}

// Open starts a handler that is not shared through a registry. The caller
// owns it and must Close it.
func Open(ctx context.Context, deviceSpec string, inputID, majorID int, opts ...Option) (*Handler, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return stream.New(ctx, stream.Config{
		DeviceSpec: deviceSpec,
		InputID:    inputID,
		MajorID:    majorID,
		Options:    applyOptions(opts),
	})
}
