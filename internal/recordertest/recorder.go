// Package recordertest provides a scripted in-memory recorder for tests.
//
// A Recorder implements config.Channel. It answers the standard control
// commands, honors XON/XOFF and SendBytes flow control, and records every
// command it receives so tests can assert on ordering and timing.
package recordertest

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wagiedev/external-recorder-go/internal/config"
	"github.com/wagiedev/external-recorder-go/internal/errors"
)

// Request is one command received by the fake.
type Request struct {
	Command   string
	Serial    uint64
	HasSerial bool
}

// Reply frames line for the request, adding the serial when the request
// carried one.
func (r Request) Reply(line string) string {
	if r.HasSerial {
		return strconv.FormatUint(r.Serial, 10) + ":" + line
	}

	return line
}

// Entry is a logged command with its arrival time.
type Entry struct {
	Command string
	At      time.Time
}

// Handler produces the status lines emitted in response to a request.
// Lines are emitted verbatim; use Request.Reply to add framing. Handlers run
// with the recorder locked and must not call its methods.
type Handler func(req Request) []string

// Recorder is a fake external recorder.
type Recorder struct {
	mu sync.Mutex

	apiVersion  int
	pollMode    bool
	description string
	handlers    map[string]Handler

	log    []Entry
	status []string
	data   []byte

	generator func() []byte
	streaming bool
	xon       bool
	grants    int

	err        error
	closed     bool
	terminated int
	spawns     int
	spawnCmds  []config.RecorderCommand

	changed chan struct{} // Closed and replaced on every state change
}

// Compile-time verification that Recorder implements the Channel interface.
var _ config.Channel = (*Recorder)(nil)

// Option configures a Recorder.
type Option func(*Recorder)

// WithAPIVersion sets the version reported for APIVersion?. Zero makes the
// fake reject the query.
func WithAPIVersion(v int) Option {
	return func(r *Recorder) { r.apiVersion = v }
}

// WithPollMode makes the fake report polling flow control.
func WithPollMode() Option {
	return func(r *Recorder) { r.pollMode = true }
}

// WithDescription sets the reply to Description?.
func WithDescription(desc string) Option {
	return func(r *Recorder) { r.description = desc }
}

// WithGenerator supplies data whenever the stream is flowing.
func WithGenerator(gen func() []byte) Option {
	return func(r *Recorder) { r.generator = gen }
}

// New creates a fake recorder.
func New(opts ...Option) *Recorder {
	r := &Recorder{
		apiVersion:  2,
		description: "fake recorder",
		handlers:    make(map[string]Handler),
		changed:     make(chan struct{}),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Packets returns n transport stream packets filled with b.
func Packets(n int, b byte) []byte {
	return bytes.Repeat([]byte{b}, n*config.TSPacketSize)
}

// SpawnFunc returns a factory that hands out this recorder and counts spawns.
func (r *Recorder) SpawnFunc() config.SpawnFunc {
	return func(_ context.Context, cmd config.RecorderCommand) (config.Channel, error) {
		r.mu.Lock()
		defer r.mu.Unlock()

		r.spawns++
		r.spawnCmds = append(r.spawnCmds, cmd)

		return r, nil
	}
}

// Handle overrides the reply for a command. Matching is on the command text
// without serial, up to and including a ':' argument separator, so "BlockSize"
// matches "BlockSize:96256".
func (r *Recorder) Handle(command string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.handlers[command] = h
}

// Silence makes the fake never answer command.
func (r *Recorder) Silence(command string) {
	r.Handle(command, func(Request) []string { return nil })
}

// PushStatus queues raw lines on the status pipe.
func (r *Recorder) PushStatus(lines ...string) {
	r.mu.Lock()
	r.status = append(r.status, lines...)
	r.mu.Unlock()

	r.wake()
}

// Feed queues stream data, delivered while the stream flows.
func (r *Recorder) Feed(data []byte) {
	r.mu.Lock()
	r.data = append(r.data, data...)
	r.mu.Unlock()

	r.wake()
}

// Fail makes the channel permanently errored.
func (r *Recorder) Fail(err error) {
	r.mu.Lock()
	r.err = err
	r.mu.Unlock()

	r.wake()
}

func (r *Recorder) wake() {
	r.mu.Lock()
	close(r.changed)
	r.changed = make(chan struct{})
	r.mu.Unlock()
}

// Commands returns the commands received so far, without serials.
func (r *Recorder) Commands() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.log))
	for i, e := range r.log {
		out[i] = e.Command
	}

	return out
}

// Log returns the commands received so far with their arrival times.
func (r *Recorder) Log() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.log)
}

// Count returns how many times command was received.
func (r *Recorder) Count(command string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0

	for _, e := range r.log {
		if e.Command == command {
			n++
		}
	}

	return n
}

// Streaming reports whether StartStreaming is in effect.
func (r *Recorder) Streaming() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.streaming
}

// Spawns returns how many times SpawnFunc handed out the recorder.
func (r *Recorder) Spawns() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.spawns
}

// SpawnCommands returns the command lines the recorder was spawned with.
func (r *Recorder) SpawnCommands() []config.RecorderCommand {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.spawnCmds)
}

// Terminations returns how many times Terminate was called.
func (r *Recorder) Terminations() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.terminated
}

// Closed reports whether Close was called.
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.closed
}

// Write implements config.Channel. Each complete line is handled as a command.
func (r *Recorder) Write(p []byte) (int, error) {
	r.mu.Lock()

	if err := r.stateErr(); err != nil {
		r.mu.Unlock()

		return 0, err
	}

	for line := range strings.SplitSeq(strings.TrimRight(string(p), "\n"), "\n") {
		if line != "" {
			r.handleLocked(parseRequest(line))
		}
	}

	r.mu.Unlock()
	r.wake()

	return len(p), nil
}

func parseRequest(line string) Request {
	head, rest, found := strings.Cut(line, ":")
	if found {
		if serial, err := strconv.ParseUint(head, 10, 64); err == nil {
			return Request{Command: rest, Serial: serial, HasSerial: true}
		}
	}

	return Request{Command: line}
}

func (r *Recorder) handleLocked(req Request) {
	r.log = append(r.log, Entry{Command: req.Command, At: time.Now()})

	name := req.Command
	if h, ok := r.handlers[name]; ok {
		r.status = append(r.status, h(req)...)

		return
	}

	if base, _, ok := strings.Cut(name, ":"); ok {
		if h, ok := r.handlers[base]; ok {
			r.status = append(r.status, h(req)...)

			return
		}
	}

	r.status = append(r.status, req.Reply(r.defaultReplyLocked(req.Command)))
}

func (r *Recorder) defaultReplyLocked(command string) string {
	switch {
	case command == "APIVersion?":
		if r.apiVersion == 0 {
			return "ERR:Unknown command"
		}

		return "OK:" + strconv.Itoa(r.apiVersion)
	case strings.HasPrefix(command, "APIVersion:"):
		return "OK"
	case command == "Version?":
		return "OK:1.0"
	case command == "Description?":
		return "OK:" + r.description
	case command == "HasTuner?":
		return "OK:Yes"
	case command == "HasPictureAttributes?":
		return "OK:No"
	case command == "FlowControl?":
		if r.pollMode {
			return "OK:Poll"
		}

		return "OK:XON/XOFF"
	case strings.HasPrefix(command, "BlockSize:"):
		return "OK"
	case command == "IsOpen?":
		return "OK:Open"
	case command == "StartStreaming":
		r.streaming = true

		return "OK:Started"
	case command == "StopStreaming":
		r.streaming = false
		r.xon = false

		return "OK:Stopped"
	case command == "XON":
		r.xon = true

		return "OK"
	case command == "XOFF":
		r.xon = false

		return "OK"
	case command == "SendBytes":
		r.grants++

		return "OK"
	case command == "CloseRecorder":
		r.streaming = false

		return "OK:Terminating"
	}

	return "ERR:Unknown command"
}

func (r *Recorder) stateErr() error {
	if r.closed {
		return errors.ErrNotOpen
	}

	return r.err
}

// Err implements config.Channel.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.stateErr()
}

// ReadStatusLine implements config.Channel.
func (r *Recorder) ReadStatusLine(timeout time.Duration) (string, error) {
	deadline := time.Now().Add(timeout)

	for {
		r.mu.Lock()

		if len(r.status) > 0 {
			line := r.status[0]
			r.status = r.status[1:]
			r.mu.Unlock()

			return line, nil
		}

		err := r.stateErr()
		changed := r.changed
		r.mu.Unlock()

		if err != nil {
			return "", err
		}

		if !waitUntil(changed, deadline) {
			return "", nil
		}
	}
}

// flowingLocked reports whether data may be delivered now.
func (r *Recorder) flowingLocked() bool {
	if !r.streaming {
		return false
	}

	if r.pollMode {
		return r.grants > 0
	}

	return r.xon
}

// Read implements config.Channel.
func (r *Recorder) Read(p []byte, timeout time.Duration) (int, error) {
	deadline := time.Now().Add(timeout)

	for {
		r.mu.Lock()

		if err := r.stateErr(); err != nil {
			r.mu.Unlock()

			return 0, err
		}

		if r.flowingLocked() {
			if len(r.data) == 0 && r.generator != nil {
				r.data = append(r.data, r.generator()...)
			}

			if len(r.data) > 0 {
				n := copy(p, r.data)
				r.data = r.data[n:]

				if r.pollMode {
					r.grants--
				}

				r.mu.Unlock()

				return n, nil
			}
		}

		changed := r.changed
		r.mu.Unlock()

		if !waitUntil(changed, deadline) {
			return 0, nil
		}
	}
}

// waitUntil blocks until changed is closed or deadline passes. It reports
// whether time remains.
func waitUntil(changed <-chan struct{}, deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return false
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()

	select {
	case <-changed:
		return true
	case <-timer.C:
		return false
	}
}

// Terminate implements config.Channel.
func (r *Recorder) Terminate(time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.terminated++
	r.streaming = false

	return nil
}

// Close implements config.Channel.
func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	r.wake()

	return nil
}

// Reopen clears the closed flag so the recorder can be spawned again.
func (r *Recorder) Reopen() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = false
	r.status = nil
}

// String describes the fake's state for test failure messages.
func (r *Recorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return fmt.Sprintf("recorder(streaming=%t xon=%t grants=%d pending=%d status=%d)",
		r.streaming, r.xon, r.grants, len(r.data), len(r.status))
}
