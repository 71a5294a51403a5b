// Package registry shares stream handlers between callers.
//
// Handlers are keyed by device id and reference counted: the first Acquire
// for a device constructs its handler, later ones return the same instance,
// and the last Release closes it. An optional lock directory extends the
// exclusivity across OS processes using one lock file per device.
package registry
