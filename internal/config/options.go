package config

import (
	"log/slog"
	"time"
)

// TSPacketSize is the size of one MPEG transport stream packet.
const TSPacketSize = 188

// Default tunables for the stream handler.
const (
	DefaultChunkSize           = TSPacketSize * 512
	DefaultHighWaterChunks     = 4
	DefaultReplayChunks        = 50
	DefaultReadTimeout         = 100 * time.Millisecond
	DefaultStatusCheckInterval = 2 * time.Second
	DefaultStallWindow         = 50 * time.Second
	DefaultRestartCooldown     = 1 * time.Second
	DefaultRestartBackoff      = 20 * time.Second
	DefaultCommandTimeout      = 4 * time.Second
	DefaultCommandRetries      = 3
	DefaultIOErrorThreshold    = 10
	DefaultMaxReadErrors       = 10
	DefaultWriteTimeout        = 1 * time.Second
	DefaultCloseTimeout        = 10 * time.Second
	DefaultTerminateGrace      = 2 * time.Second
	DefaultIdlePoll            = 10 * time.Millisecond
	DefaultMinDispatchSize     = TSPacketSize
)

// Options configures the behavior of the external recorder stream handler.
type Options struct {
	// Logger is the slog logger for operation tracking.
	// If nil, logging is disabled (silent operation).
	Logger *slog.Logger

	// ChunkSize is the transport chunk size: the largest read issued to the
	// data pipe and the value announced with BlockSize.
	ChunkSize int

	// HighWaterChunks is the number of chunks of unconsumed data tolerated
	// before inbound flow is paused.
	HighWaterChunks int

	// ReplayChunks caps the replay buffer, in chunks.
	ReplayChunks int

	// ReadTimeout bounds each data read in the acquisition loop.
	ReadTimeout time.Duration

	// StatusCheckInterval is how often out-of-band status is drained while
	// streaming. Zero checks on every loop iteration.
	StatusCheckInterval time.Duration

	// StallWindow is the maximum idle duration tolerated while streaming
	// before the stream is restarted.
	StallWindow time.Duration

	// RestartCooldown is the pause between stop and start during a restart.
	RestartCooldown time.Duration

	// RestartBackoff is waited before a restart that immediately follows a
	// previous restart with no data in between.
	RestartBackoff time.Duration

	// CommandTimeout is the default response timeout for control commands.
	CommandTimeout time.Duration

	// CommandRetries is the default retry budget for control commands.
	CommandRetries int

	// IOErrorThreshold is the number of protocol I/O errors after which the
	// handler becomes permanently errored.
	IOErrorThreshold int

	// MaxReadErrors is the number of consecutive transient pipe read
	// failures tolerated before the channel is errored.
	MaxReadErrors int

	// WriteTimeout bounds writes to the recorder's stdin.
	WriteTimeout time.Duration

	// CloseTimeout is the response timeout for CloseRecorder.
	CloseTimeout time.Duration

	// TerminateGrace is how long to wait after SIGTERM before SIGKILL.
	TerminateGrace time.Duration

	// IdlePoll is the sleep used while waiting for listeners.
	IdlePoll time.Duration

	// MinDispatchSize is the smallest buffer handed to consumers.
	MinDispatchSize int

	// ForceAPIVersion skips version negotiation when set to 2.
	// Zero negotiates starting from version 1.
	ForceAPIVersion int

	// ExtraArgs are appended to every recorder command line, after the
	// arguments in the device spec.
	ExtraArgs []string

	// LockDir enables cross-process device locking when non-empty.
	LockDir string

	// Spawner allows injecting a custom channel factory.
	// If nil, the recorder is spawned as a subprocess.
	Spawner SpawnFunc `json:"-"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (o *Options) ApplyDefaults() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}

	if o.HighWaterChunks <= 0 {
		o.HighWaterChunks = DefaultHighWaterChunks
	}

	if o.ReplayChunks <= 0 {
		o.ReplayChunks = DefaultReplayChunks
	}

	if o.ReadTimeout <= 0 {
		o.ReadTimeout = DefaultReadTimeout
	}

	if o.StatusCheckInterval < 0 {
		o.StatusCheckInterval = DefaultStatusCheckInterval
	}

	if o.StallWindow <= 0 {
		o.StallWindow = DefaultStallWindow
	}

	if o.RestartCooldown <= 0 {
		o.RestartCooldown = DefaultRestartCooldown
	}

	if o.RestartBackoff < 0 {
		o.RestartBackoff = DefaultRestartBackoff
	}

	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}

	if o.CommandRetries <= 0 {
		o.CommandRetries = DefaultCommandRetries
	}

	if o.IOErrorThreshold <= 0 {
		o.IOErrorThreshold = DefaultIOErrorThreshold
	}

	if o.MaxReadErrors <= 0 {
		o.MaxReadErrors = DefaultMaxReadErrors
	}

	if o.WriteTimeout <= 0 {
		o.WriteTimeout = DefaultWriteTimeout
	}

	if o.CloseTimeout <= 0 {
		o.CloseTimeout = DefaultCloseTimeout
	}

	if o.TerminateGrace <= 0 {
		o.TerminateGrace = DefaultTerminateGrace
	}

	if o.IdlePoll <= 0 {
		o.IdlePoll = DefaultIdlePoll
	}

	if o.MinDispatchSize <= 0 {
		o.MinDispatchSize = DefaultMinDispatchSize
	}
}

// HighWaterMark returns the buffered byte count above which flow is paused.
func (o *Options) HighWaterMark() int {
	return o.HighWaterChunks * o.ChunkSize
}

// ReplayCap returns the maximum replay buffer size in bytes.
func (o *Options) ReplayCap() int {
	return o.ReplayChunks * o.ChunkSize
}

// DefaultOptions returns Options with every tunable at its default.
func DefaultOptions() *Options {
	o := &Options{StatusCheckInterval: DefaultStatusCheckInterval, RestartBackoff: DefaultRestartBackoff}
	o.ApplyDefaults()

	return o
}
