package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	"github.com/gofrs/flock"

	"github.com/wagiedev/external-recorder-go/internal/errors"
)

// Factory constructs the handler for a device. It is called with the
// registry lock held, so at most one handler per device is ever built.
type Factory[H io.Closer] func(ctx context.Context, deviceSpec string, majorID int) (H, error)

// Entry describes one shared handler.
type Entry struct {
	MajorID    int
	DeviceSpec string
	Refs       int
	Callers    []string
	Locked     bool
}

type entry[H io.Closer] struct {
	handler    H
	deviceSpec string
	callers    []string
	lock       *flock.Flock
}

// Registry shares one handler per device id among callers and tears it down
// when the last caller releases it.
type Registry[H io.Closer] struct {
	log     *slog.Logger
	factory Factory[H]
	lockDir string

	mu      sync.Mutex
	entries map[int]*entry[H]
}

// Options configures a Registry.
type Options struct {
	// Logger receives registry events. Nil disables logging.
	Logger *slog.Logger

	// LockDir holds one lock file per device id. Empty disables
	// cross-process locking.
	LockDir string
}

// New creates a registry that builds handlers with factory.
func New[H io.Closer](factory Factory[H], opts Options) *Registry[H] {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	return &Registry[H]{
		log:     log.With("component", "registry"),
		factory: factory,
		lockDir: opts.LockDir,
		entries: make(map[int]*entry[H]),
	}
}

// Acquire returns the handler for majorID, constructing it on first use.
// Every successful Acquire must be paired with a Release.
//
// Returns ErrDeviceBusy when another process holds the device lock.
func (r *Registry[H]) Acquire(ctx context.Context, deviceSpec, callerID string, majorID int) (H, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[majorID]; ok {
		e.callers = append(e.callers, callerID)

		r.log.Info("Using existing stream handler",
			"major_id", majorID,
			"caller", callerID,
			"refs", len(e.callers),
		)

		return e.handler, nil
	}

	var zero H

	lock, err := r.lockDevice(majorID)
	if err != nil {
		return zero, err
	}

	r.log.Info("Creating new stream handler", "major_id", majorID, "device", deviceSpec, "caller", callerID)

	handler, err := r.factory(ctx, deviceSpec, majorID)
	if err != nil {
		r.unlockDevice(lock, majorID)

		return zero, err
	}

	r.entries[majorID] = &entry[H]{
		handler:    handler,
		deviceSpec: deviceSpec,
		callers:    []string{callerID},
		lock:       lock,
	}

	return handler, nil
}

// Release drops one reference to *ref and sets *ref to the zero value. The
// handler is closed when its last reference is released.
func (r *Registry[H]) Release(ref *H, callerID string) {
	if ref == nil {
		return
	}

	handler := *ref

	var zero H
	*ref = zero

	r.mu.Lock()
	defer r.mu.Unlock()

	majorID, e := r.findLocked(handler)
	if e == nil {
		r.log.Error("Release of unknown stream handler", "caller", callerID, "error", errors.ErrUnknownHandler)

		return
	}

	if i := slices.Index(e.callers, callerID); i >= 0 {
		e.callers = slices.Delete(e.callers, i, i+1)
	} else {
		r.log.Warn("Release by unregistered caller", "major_id", majorID, "caller", callerID)
		e.callers = e.callers[:len(e.callers)-1]
	}

	if len(e.callers) > 0 {
		r.log.Info("Stream handler still in use", "major_id", majorID, "refs", len(e.callers))

		return
	}

	r.log.Info("Closing stream handler", "major_id", majorID, "caller", callerID)

	if err := e.handler.Close(); err != nil {
		r.log.Error("Closing stream handler failed", "major_id", majorID, "error", err)
	}

	r.unlockDevice(e.lock, majorID)
	delete(r.entries, majorID)
}

func (r *Registry[H]) findLocked(handler H) (int, *entry[H]) {
	for id, e := range r.entries {
		if any(e.handler) == any(handler) {
			return id, e
		}
	}

	return 0, nil
}

// Get returns the live handler for majorID without taking a reference.
//
// Returns ErrUnknownHandler when no handler exists for the device.
func (r *Registry[H]) Get(majorID int) (H, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[majorID]; ok {
		return e.handler, nil
	}

	var zero H

	return zero, fmt.Errorf("%w: major id %d", errors.ErrUnknownHandler, majorID)
}

// Snapshot lists the live entries ordered by device id.
func (r *Registry[H]) Snapshot() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, 0, len(r.entries))

	for id, e := range r.entries {
		out = append(out, Entry{
			MajorID:    id,
			DeviceSpec: e.deviceSpec,
			Refs:       len(e.callers),
			Callers:    slices.Clone(e.callers),
			Locked:     e.lock != nil,
		})
	}

	slices.SortFunc(out, func(a, b Entry) int { return a.MajorID - b.MajorID })

	return out
}

// Len returns the number of live handlers.
func (r *Registry[H]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.entries)
}

// CloseAll closes every handler regardless of outstanding references.
func (r *Registry[H]) CloseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, e := range r.entries {
		if err := e.handler.Close(); err != nil {
			r.log.Error("Closing stream handler failed", "major_id", id, "error", err)
		}

		r.unlockDevice(e.lock, id)
		delete(r.entries, id)
	}
}

// LockPath returns the lock file used for majorID, or "" when locking is off.
func (r *Registry[H]) LockPath(majorID int) string {
	if r.lockDir == "" {
		return ""
	}

	return filepath.Join(r.lockDir, "device-"+strconv.Itoa(majorID)+".lock")
}

func (r *Registry[H]) lockDevice(majorID int) (*flock.Flock, error) {
	path := r.LockPath(majorID)
	if path == "" {
		return nil, nil
	}

	if err := os.MkdirAll(r.lockDir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	lock := flock.New(path)

	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire device lock: %w", err)
	}

	if !ok {
		return nil, fmt.Errorf("%w: major id %d locked by %s", errors.ErrDeviceBusy, majorID, path)
	}

	r.log.Debug("Device lock acquired", "major_id", majorID, "lock", path)

	return lock, nil
}

func (r *Registry[H]) unlockDevice(lock *flock.Flock, majorID int) {
	if lock == nil {
		return
	}

	if err := lock.Unlock(); err != nil {
		r.log.Warn("Failed to release device lock", "major_id", majorID, "error", err)
	}
}
