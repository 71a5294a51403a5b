package stream

import "fmt"

// State is the lifecycle state of a Handler.
type State int32

const (
	// StateNotOpen means no recorder has been spawned yet.
	StateNotOpen State = iota
	// StateNegotiating means the recorder is running and the protocol
	// version and capabilities are being settled.
	StateNegotiating
	// StateIdle means the recorder is ready but nobody is streaming.
	StateIdle
	// StateStreaming means at least one caller has started streaming.
	StateStreaming
	// StateRestarting means the stream is being stopped and started again.
	StateRestarting
	// StateClosed means the handler was shut down.
	StateClosed
	// StateError means the handler hit an unrecoverable condition.
	StateError
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateNotOpen:
		return "not_open"
	case StateNegotiating:
		return "negotiating"
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateRestarting:
		return "restarting"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// FlowControl is the mode a recorder uses to pace its output.
type FlowControl int

const (
	// FlowXONXOFF pauses and resumes output with XOFF and XON.
	FlowXONXOFF FlowControl = iota
	// FlowPoll releases one block of output per SendBytes.
	FlowPoll
)

// String implements fmt.Stringer.
func (f FlowControl) String() string {
	if f == FlowPoll {
		return "poll"
	}

	return "xon/xoff"
}

// Capabilities are the recorder features reported during open.
type Capabilities struct {
	HasTuner             bool
	HasPictureAttributes bool
	FlowControl          FlowControl
}

// Stats is a point-in-time view of a Handler.
type Stats struct {
	HandlerID      string
	State          State
	APIVersion     int
	Streaming      int
	Listeners      int
	BytesRead      uint64
	BytesDelivered uint64
	Restarts       uint64
	Buffered       int
	ReplayBuffered int
}

// Consumer receives stream data.
//
// ProcessData is handed the unconsumed stream buffer and returns how many
// trailing bytes it could not use yet, typically a partial packet. Those
// bytes are presented again, followed by new data, on the next call.
// Returning 0 means everything was consumed. Consumers must be comparable,
// which in practice means pointers.
type Consumer interface {
	ProcessData(data []byte) int
}
