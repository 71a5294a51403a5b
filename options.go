package extrec

import (
	"log/slog"
	"time"

	"github.com/wagiedev/external-recorder-go/internal/config"
)

// Option configures Options using the functional options pattern.
type Option func(*Options)

// applyOptions applies functional options on top of the defaults.
func applyOptions(opts []Option) *Options {
	options := config.DefaultOptions()
	for _, opt := range opts {
		opt(options)
	}

	options.ApplyDefaults()

	return options
}

// ===== Basic Configuration =====

// WithLogger sets the logger for operation tracking.
// If not set, logging is disabled (silent operation).
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithOptions replaces every setting with a copy of opts, for example one
// built from a configuration file. Options listed after it still apply.
func WithOptions(opts *Options) Option {
	return func(o *Options) {
		if opts != nil {
			*o = *opts
		}
	}
}

// WithExtraArgs appends arguments to every recorder command line.
func WithExtraArgs(args ...string) Option {
	return func(o *Options) {
		o.ExtraArgs = append(o.ExtraArgs, args...)
	}
}

// WithLockDir enables cross-process device locking with lock files in dir.
func WithLockDir(dir string) Option {
	return func(o *Options) {
		o.LockDir = dir
	}
}

// WithSpawner injects a custom channel factory, replacing subprocess spawning.
func WithSpawner(spawn SpawnFunc) Option {
	return func(o *Options) {
		o.Spawner = spawn
	}
}

// ===== Protocol =====

// WithAPIVersion skips version negotiation. Valid values: 1, 2.
func WithAPIVersion(version int) Option {
	return func(o *Options) {
		o.ForceAPIVersion = version
	}
}

// WithCommandTimeout sets the default response timeout for control commands.
func WithCommandTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.CommandTimeout = d
	}
}

// WithCommandRetries sets the default retry budget for control commands.
func WithCommandRetries(n int) Option {
	return func(o *Options) {
		o.CommandRetries = n
	}
}

// WithIOErrorThreshold sets how many protocol I/O errors make a handler fatal.
func WithIOErrorThreshold(n int) Option {
	return func(o *Options) {
		o.IOErrorThreshold = n
	}
}

// WithCloseTimeout bounds the wait for CloseRecorder during teardown.
func WithCloseTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.CloseTimeout = d
	}
}

// ===== Streaming =====

// WithChunkSize sets the largest read from the data pipe. It should be a
// multiple of TSPacketSize.
func WithChunkSize(size int) Option {
	return func(o *Options) {
		o.ChunkSize = size
	}
}

// WithHighWaterChunks sets how many chunks may be buffered before the
// recorder is paused.
func WithHighWaterChunks(n int) Option {
	return func(o *Options) {
		o.HighWaterChunks = n
	}
}

// WithReplayChunks caps the replay buffer, in chunks.
func WithReplayChunks(n int) Option {
	return func(o *Options) {
		o.ReplayChunks = n
	}
}

// WithReadTimeout bounds each data read.
func WithReadTimeout(d time.Duration) Option {
	return func(o *Options) {
		o.ReadTimeout = d
	}
}

// WithStatusCheckInterval sets how often status notices are drained while
// streaming.
func WithStatusCheckInterval(d time.Duration) Option {
	return func(o *Options) {
		o.StatusCheckInterval = d
	}
}

// WithStallWindow sets how long a stream may go without data before it is
// restarted.
func WithStallWindow(d time.Duration) Option {
	return func(o *Options) {
		o.StallWindow = d
	}
}

// WithRestartCooldown sets the pause between stop and start on restart.
func WithRestartCooldown(d time.Duration) Option {
	return func(o *Options) {
		o.RestartCooldown = d
	}
}

// WithRestartBackoff sets the wait before a restart that follows a restart
// which produced no data. Zero disables the backoff.
func WithRestartBackoff(d time.Duration) Option {
	return func(o *Options) {
		o.RestartBackoff = d
	}
}

// WithTerminateGrace sets how long a recorder gets after SIGTERM before
// SIGKILL.
func WithTerminateGrace(d time.Duration) Option {
	return func(o *Options) {
		o.TerminateGrace = d
	}
}
