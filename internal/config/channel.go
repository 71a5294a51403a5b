package config

import (
	"context"
	"strings"
	"time"
)

// RecorderCommand is the program and arguments used to launch a recorder.
type RecorderCommand struct {
	// Path is the recorder executable.
	Path string

	// Args are the arguments passed after the program name.
	Args []string
}

// String returns the command line as it appears in the process table.
func (c RecorderCommand) String() string {
	if len(c.Args) == 0 {
		return c.Path
	}

	return c.Path + " " + strings.Join(c.Args, " ")
}

// Channel defines the pipe interface to a running recorder.
// Implement this to provide custom channels for testing or mocking.
//
// The default implementation is subprocess.Process which spawns the recorder
// as a child process. Custom channels can be injected via Options.Spawner.
type Channel interface {
	// Read reads stream data into p, waiting at most timeout for data to
	// become available. It returns 0 and a nil error on timeout.
	Read(p []byte, timeout time.Duration) (int, error)

	// ReadStatusLine returns one complete status line without its newline,
	// waiting at most timeout for one to arrive. It returns "" when no
	// complete line is available.
	ReadStatusLine(timeout time.Duration) (string, error)

	// Write sends raw bytes to the recorder's input.
	Write(p []byte) (int, error)

	// Err returns the sticky channel error, if any.
	Err() error

	// Terminate signals the recorder to exit, escalating to a forced kill
	// after grace.
	Terminate(grace time.Duration) error

	// Close releases the pipes. It's safe to call Close multiple times.
	Close() error
}

// SpawnFunc starts a recorder and returns a channel connected to it.
type SpawnFunc func(ctx context.Context, cmd RecorderCommand) (Channel, error)
