package extrec

import (
	"github.com/wagiedev/external-recorder-go/internal/config"
	"github.com/wagiedev/external-recorder-go/internal/registry"
	"github.com/wagiedev/external-recorder-go/internal/stream"
)

// Re-export types from internal packages

// ===== Handler =====

// Handler drives one external recorder. Obtain one from a Registry or Open.
type Handler = stream.Handler

// Consumer receives stream data from a Handler.
type Consumer = stream.Consumer

// Capabilities are the features a recorder reported when opened.
type Capabilities = stream.Capabilities

// Stats is a point-in-time view of a Handler.
type Stats = stream.Stats

// RegistryEntry describes one shared handler in a Registry.
type RegistryEntry = registry.Entry

// ===== State =====

// State is the lifecycle state of a Handler.
type State = stream.State

const (
	StateNotOpen     = stream.StateNotOpen
	StateNegotiating = stream.StateNegotiating
	StateIdle        = stream.StateIdle
	StateStreaming   = stream.StateStreaming
	StateRestarting  = stream.StateRestarting
	StateClosed      = stream.StateClosed
	StateError       = stream.StateError
)

// FlowControl is the pacing mode a recorder uses.
type FlowControl = stream.FlowControl

const (
	// FlowXONXOFF pauses and resumes output with XOFF and XON.
	FlowXONXOFF = stream.FlowXONXOFF
	// FlowPoll releases one block of output per SendBytes.
	FlowPoll = stream.FlowPoll
)

// ===== Options and Transport =====

// Options configures handlers. Build it with the With* options.
type Options = config.Options

// RecorderCommand is the program and arguments a recorder is spawned with.
type RecorderCommand = config.RecorderCommand

// Channel is the pipe set to a running recorder. Implement it to drive a
// recorder that is not a local subprocess, or to script one in tests.
type Channel = config.Channel

// SpawnFunc starts a recorder and returns its channel.
type SpawnFunc = config.SpawnFunc

// TSPacketSize is the size of one MPEG transport stream packet.
const TSPacketSize = config.TSPacketSize
