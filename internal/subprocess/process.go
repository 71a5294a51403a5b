package subprocess

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wagiedev/external-recorder-go/internal/cli"
	"github.com/wagiedev/external-recorder-go/internal/config"
	"github.com/wagiedev/external-recorder-go/internal/errors"
)

const (
	// greetingTimeout bounds the status read performed right after start.
	greetingTimeout = 10 * time.Millisecond

	// transientBackoff is slept between retries of EAGAIN-class read errors.
	transientBackoff = 100 * time.Millisecond

	// statusReadSize is the size of a single read from the status pipe.
	statusReadSize = 4096

	// maxStatusBufferSize caps the pending status bytes kept without a newline.
	maxStatusBufferSize = 1024 * 1024

	// readyReadWait is the deadline used for a zero-timeout read once poll
	// reports the pipe readable. A deadline already in the past fails the
	// read before any syscall.
	readyReadWait = 5 * time.Millisecond
)

// SpawnOptions tunes a Process.
type SpawnOptions struct {
	// MaxReadErrors is the number of consecutive transient read failures
	// tolerated before the channel is errored.
	MaxReadErrors int

	// WriteTimeout bounds each write to the recorder's input.
	WriteTimeout time.Duration
}

// Process is a running recorder with its three pipes.
//
// Data is read from the child's stdout, control replies and notices from its
// stderr, and commands are written to its stdin.
type Process struct {
	log  *slog.Logger
	opts SpawnOptions
	cmd  *exec.Cmd
	pid  int

	stdin  *os.File
	stdout *os.File
	stderr *os.File

	readMu     sync.Mutex // Serializes data reads and the transient error count
	readErrCnt int

	statusMu  sync.Mutex // Protects the status line buffer
	statusBuf []byte

	writeMu sync.Mutex // Serializes writes to stdin

	errMu sync.Mutex
	err   error

	exited  chan struct{}
	waitErr error

	closeOnce sync.Once
}

// Compile-time verification that Process implements the Channel interface.
var _ config.Channel = (*Process)(nil)

// Spawner returns a config.SpawnFunc that starts recorders as subprocesses.
func Spawner(log *slog.Logger, opts SpawnOptions) config.SpawnFunc {
	return func(ctx context.Context, cmd config.RecorderCommand) (config.Channel, error) {
		p, err := Spawn(ctx, log, cmd, opts)
		if err != nil {
			return nil, err
		}

		return p, nil
	}
}

// Spawn validates the recorder executable, terminates any stale instance with
// the same command line and starts the recorder in its own process group.
//
// Returns SpawnError if the binary is unusable, a stale instance survives, or
// the process fails to start.
func Spawn(ctx context.Context, log *slog.Logger, rc config.RecorderCommand, opts SpawnOptions) (*Process, error) {
	log = log.With("component", "recorder_process")

	if opts.MaxReadErrors <= 0 {
		opts.MaxReadErrors = config.DefaultMaxReadErrors
	}

	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = config.DefaultWriteTimeout
	}

	path, err := cli.Resolve(rc.Path)
	if err != nil {
		return nil, err
	}

	if err := cli.ValidateExecutable(path); err != nil {
		log.Error("Recorder executable rejected", "path", path, "error", err)

		return nil, err
	}

	rc.Path = path

	if err := KillStale(ctx, log, rc); err != nil {
		return nil, err
	}

	var files []*os.File

	closeAll := func() {
		for _, f := range files {
			_ = f.Close()
		}
	}

	newPipe := func(name string) (*os.File, *os.File, error) {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, nil, &errors.SpawnError{Path: path, Reason: name + " pipe", Err: err}
		}

		files = append(files, r, w)

		return r, w, nil
	}

	stdinR, stdinW, err := newPipe("stdin")
	if err != nil {
		closeAll()

		return nil, err
	}

	stdoutR, stdoutW, err := newPipe("stdout")
	if err != nil {
		closeAll()

		return nil, err
	}

	stderrR, stderrW, err := newPipe("stderr")
	if err != nil {
		closeAll()

		return nil, err
	}

	// The child inherits only fds 0-2; every other descriptor Go opens is
	// close-on-exec.
	//nolint:gosec // G204: launching the configured recorder is the purpose of this package
	cmd := exec.Command(rc.Path, rc.Args...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	log.Info("Starting recorder", "command", rc.String())

	if err := cmd.Start(); err != nil {
		closeAll()
		log.Error("Failed to start recorder", "path", path, "error", err)

		return nil, &errors.SpawnError{Path: path, Reason: "start process", Err: err}
	}

	// Child ends belong to the recorder now.
	_ = stdinR.Close()
	_ = stdoutW.Close()
	_ = stderrW.Close()

	p := &Process{
		log:    log.With("pid", cmd.Process.Pid),
		opts:   opts,
		cmd:    cmd,
		pid:    cmd.Process.Pid,
		stdin:  stdinW,
		stdout: stdoutR,
		stderr: stderrR,
		exited: make(chan struct{}),
	}

	go p.wait()

	p.log.Info("Recorder started")

	// Buffer anything the recorder printed on startup.
	p.statusMu.Lock()
	_, _ = p.fillStatus(time.Now().Add(greetingTimeout))
	p.statusMu.Unlock()

	return p, nil
}

func (p *Process) wait() {
	err := p.cmd.Wait()

	p.errMu.Lock()
	p.waitErr = err
	p.errMu.Unlock()

	if err != nil {
		p.log.Debug("Recorder exited", "error", err)
	} else {
		p.log.Debug("Recorder exited cleanly")
	}

	close(p.exited)
}

// Pid returns the recorder's process id, which is also its process group id.
func (p *Process) Pid() int {
	return p.pid
}

// Exited reports whether the recorder has terminated and been reaped.
func (p *Process) Exited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// ExitError returns the result of waiting on the recorder once it exited.
func (p *Process) ExitError() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()

	return p.waitErr
}

// Err returns the sticky channel error.
func (p *Process) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()

	return p.err
}

func (p *Process) setErr(err error) error {
	p.errMu.Lock()
	defer p.errMu.Unlock()

	if p.err == nil {
		p.err = err
		p.log.Error("Recorder channel failed", "error", err)
	}

	return p.err
}

// Read reads stream data, waiting at most timeout. It returns 0 and a nil
// error when no data arrived in time.
//
// EAGAIN and EINTR are retried with a short backoff; after MaxReadErrors
// consecutive failures the channel is permanently errored. Any other error,
// end of file included, errors the channel immediately.
func (p *Process) Read(buf []byte, timeout time.Duration) (int, error) {
	if err := p.Err(); err != nil {
		return 0, err
	}

	if len(buf) == 0 {
		return 0, nil
	}

	p.readMu.Lock()
	defer p.readMu.Unlock()

	if timeout <= 0 {
		ready, err := readable(p.stdout)
		if err != nil {
			return 0, p.setErr(&errors.TransportError{Op: "read", Err: err})
		}

		if !ready {
			return 0, nil
		}

		timeout = readyReadWait
	}

	for {
		if err := p.stdout.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return 0, p.setErr(&errors.TransportError{Op: "read", Err: err})
		}

		n, err := p.stdout.Read(buf)
		if n > 0 {
			p.readErrCnt = 0

			return n, nil
		}

		switch {
		case err == nil:
			return 0, nil

		case stderrors.Is(err, os.ErrDeadlineExceeded):
			return 0, nil

		case stderrors.Is(err, unix.EAGAIN), stderrors.Is(err, unix.EINTR):
			p.readErrCnt++
			if p.readErrCnt > p.opts.MaxReadErrors {
				return 0, p.setErr(&errors.TransportError{
					Op:  fmt.Sprintf("read (%d consecutive failures)", p.readErrCnt),
					Err: err,
				})
			}

			p.log.Debug("Transient read failure, retrying", "error", err, "count", p.readErrCnt)
			time.Sleep(transientBackoff)

		default:
			return 0, p.setErr(&errors.TransportError{Op: "read", Err: err})
		}
	}
}

// ReadStatusLine returns one status line without its terminator, waiting at
// most timeout for one to complete. It returns "" when none is available.
func (p *Process) ReadStatusLine(timeout time.Duration) (string, error) {
	p.statusMu.Lock()
	defer p.statusMu.Unlock()

	if line, ok := p.popStatusLine(); ok {
		return line, nil
	}

	if err := p.Err(); err != nil {
		return "", err
	}

	if timeout <= 0 {
		ready, err := readable(p.stderr)
		if err != nil {
			return "", p.setErr(&errors.TransportError{Op: "status read", Err: err})
		}

		if !ready {
			return "", nil
		}

		timeout = readyReadWait
	}

	deadline := time.Now().Add(timeout)

	for {
		got, err := p.fillStatus(deadline)

		if line, ok := p.popStatusLine(); ok {
			return line, nil
		}

		if err != nil {
			return "", err
		}

		if !got || !time.Now().Before(deadline) {
			return "", nil
		}
	}
}

// fillStatus performs one read from the status pipe. It reports whether any
// bytes were appended. Deadline expiry is not an error.
func (p *Process) fillStatus(deadline time.Time) (bool, error) {
	if err := p.stderr.SetReadDeadline(deadline); err != nil {
		return false, p.setErr(&errors.TransportError{Op: "status read", Err: err})
	}

	var chunk [statusReadSize]byte

	n, err := p.stderr.Read(chunk[:])
	if n > 0 {
		if len(p.statusBuf)+n > maxStatusBufferSize {
			p.log.Warn("Status buffer overflow, discarding partial line", "size", len(p.statusBuf))
			p.statusBuf = p.statusBuf[:0]
		}

		p.statusBuf = append(p.statusBuf, chunk[:n]...)
	}

	switch {
	case err == nil,
		stderrors.Is(err, os.ErrDeadlineExceeded),
		stderrors.Is(err, unix.EAGAIN),
		stderrors.Is(err, unix.EINTR):
		return n > 0, nil
	default:
		// EOF means the recorder closed its stderr, usually by exiting.
		return n > 0, p.setErr(&errors.TransportError{Op: "status read", Err: err})
	}
}

// readable reports whether a read on f would return without blocking,
// including at end of file or on a pipe error.
func readable(f *os.File) (bool, error) {
	rc, err := f.SyscallConn()
	if err != nil {
		return false, err
	}

	var (
		ready   bool
		pollErr error
	)

	ctrlErr := rc.Control(func(fd uintptr) {
		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}

		for {
			n, err := unix.Poll(fds, 0)
			if stderrors.Is(err, unix.EINTR) {
				continue
			}

			pollErr = err
			ready = n > 0 && fds[0].Revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0

			return
		}
	})
	if ctrlErr != nil {
		return false, ctrlErr
	}

	return ready, pollErr
}

func (p *Process) popStatusLine() (string, bool) {
	idx := bytes.IndexByte(p.statusBuf, '\n')
	if idx < 0 {
		return "", false
	}

	line := strings.TrimRight(string(p.statusBuf[:idx]), "\r")
	p.statusBuf = p.statusBuf[idx+1:]

	return line, true
}

// Write sends raw bytes to the recorder's input. Short writes are logged; a
// failed write that transferred nothing errors the channel.
func (p *Process) Write(data []byte) (int, error) {
	if err := p.Err(); err != nil {
		return 0, err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	if err := p.stdin.SetWriteDeadline(time.Now().Add(p.opts.WriteTimeout)); err != nil {
		return 0, p.setErr(&errors.TransportError{Op: "write", Err: err})
	}

	n, err := p.stdin.Write(data)
	if err != nil {
		if n == 0 {
			return 0, p.setErr(&errors.TransportError{Op: "write", Err: err})
		}

		p.log.Warn("Short write to recorder", "written", n, "expected", len(data), "error", err)

		return n, &errors.TransportError{Op: "write", Err: err}
	}

	return n, nil
}

// Terminate sends SIGTERM to the recorder's process group, waits up to grace
// for it to exit, then sends SIGKILL.
func (p *Process) Terminate(grace time.Duration) error {
	if p.Exited() {
		return nil
	}

	p.log.Info("Terminating recorder", "grace", grace)

	if err := unix.Kill(-p.pid, unix.SIGTERM); err != nil && !stderrors.Is(err, unix.ESRCH) {
		p.log.Warn("Failed to send SIGTERM to process group", "error", err)
	}

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-p.exited:
		return nil
	case <-timer.C:
		p.log.Warn("Recorder ignored SIGTERM, sending SIGKILL", "grace", grace)
	}

	if err := unix.Kill(-p.pid, unix.SIGKILL); err != nil && !stderrors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill recorder process group %d: %w", p.pid, err)
	}

	select {
	case <-p.exited:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("recorder %d did not exit after SIGKILL", p.pid)
	}
}

// Close closes the parent ends of the pipes. It's safe to call Close
// multiple times.
func (p *Process) Close() error {
	var errs []error

	p.closeOnce.Do(func() {
		for _, f := range []*os.File{p.stdin, p.stdout, p.stderr} {
			if err := f.Close(); err != nil {
				errs = append(errs, err)
			}
		}

		p.setErrQuiet(errors.ErrNotOpen)
	})

	return stderrors.Join(errs...)
}

func (p *Process) setErrQuiet(err error) {
	p.errMu.Lock()
	defer p.errMu.Unlock()

	if p.err == nil {
		p.err = err
	}
}
