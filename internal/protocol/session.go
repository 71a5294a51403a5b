package protocol

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wagiedev/external-recorder-go/internal/config"
	"github.com/wagiedev/external-recorder-go/internal/errors"
)

const (
	// MaxAPIVersion is the newest wire version spoken.
	MaxAPIVersion = 2

	// NegotiateTimeout bounds each APIVersion? exchange.
	NegotiateTimeout = 10 * time.Second

	// noticeDrainLimit caps the lines consumed by one CheckNotices call.
	noticeDrainLimit = 32
)

var errSerialMismatch = stderrors.New("serial mismatch")

// Conn is the part of a recorder channel the session needs.
type Conn interface {
	Write(p []byte) (int, error)
	ReadStatusLine(timeout time.Duration) (string, error)
}

// Command is a single control request.
type Command struct {
	// Text is the command without framing, e.g. "HasTuner?".
	Text string

	// Timeout bounds the wait for a terminal reply per attempt.
	// Zero uses the session default.
	Timeout time.Duration

	// Retries is the number of attempts. Zero uses the session default.
	Retries int
}

// SessionOptions tunes command execution.
type SessionOptions struct {
	CommandTimeout   time.Duration
	CommandRetries   int
	IOErrorThreshold int
}

// Session executes control commands against a recorder, one at a time.
//
// The session owns the wire version, the v2 serial counter and the count of
// consecutive I/O errors. Once that count exceeds the threshold, or the
// channel fails, the session is fatal and every further command returns
// ErrHandlerFatal.
type Session struct {
	conn Conn
	opts SessionOptions

	mu       sync.Mutex // One in-flight command; protects the fields below
	log      *slog.Logger
	serial   uint64
	ioErrCnt int

	version atomic.Int32
	fatal   atomic.Bool
}

// NewSession creates a session speaking version 1 until Negotiate runs.
func NewSession(log *slog.Logger, conn Conn, opts SessionOptions) *Session {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = config.DefaultCommandTimeout
	}

	if opts.CommandRetries <= 0 {
		opts.CommandRetries = config.DefaultCommandRetries
	}

	if opts.IOErrorThreshold <= 0 {
		opts.IOErrorThreshold = config.DefaultIOErrorThreshold
	}

	s := &Session{
		log:  log.With("component", "protocol"),
		conn: conn,
		opts: opts,
	}
	s.version.Store(1)

	return s
}

// Version returns the wire version in use.
func (s *Session) Version() int {
	return int(s.version.Load())
}

// Fatal reports whether the session can no longer be used.
func (s *Session) Fatal() bool {
	return s.fatal.Load()
}

// SetLocation tags subsequent log records with the recorder's description.
func (s *Session) SetLocation(location string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.log = s.log.With("location", location)
}

// IOErrorCount returns the number of consecutive I/O errors.
func (s *Session) IOErrorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.ioErrCnt
}

// Serial returns the last serial assigned.
func (s *Session) Serial() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.serial
}

// Execute runs a command with the session's default timeout and retries.
func (s *Session) Execute(ctx context.Context, text string) (Response, error) {
	return s.ExecuteCommand(ctx, Command{Text: text})
}

// ExecuteCommand sends cmd and waits for its terminal reply.
//
// OK returns the response and a nil error. WARN and ERR return the response
// with a *CommandError. Timeouts, malformed replies and serial mismatches are
// retried up to the retry budget and counted as I/O errors. An error notice
// received while waiting fails the command with a *NoticeError.
func (s *Session) ExecuteCommand(ctx context.Context, cmd Command) (Response, error) {
	if cmd.Timeout <= 0 {
		cmd.Timeout = s.opts.CommandTimeout
	}

	if cmd.Retries <= 0 {
		cmd.Retries = s.opts.CommandRetries
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fatal.Load() {
		return Response{}, errors.ErrHandlerFatal
	}

	var lastErr error

	for attempt := range cmd.Retries {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}

		start := time.Now()

		resp, err := s.attempt(ctx, cmd)
		if err == nil {
			s.ioErrCnt = 0
			s.logReply(cmd.Text, resp, time.Since(start))

			return resp, replyError(cmd.Text, resp)
		}

		if !isIOError(err) {
			if _, ok := stderrors.AsType[*errors.TransportError](err); ok {
				return Response{}, s.markFatal(err)
			}

			return resp, err
		}

		lastErr = err
		s.ioErrCnt++

		s.log.Warn("Recorder command failed",
			"command", cmd.Text,
			"attempt", attempt+1,
			"io_errors", s.ioErrCnt,
			"error", err,
		)

		if s.ioErrCnt > s.opts.IOErrorThreshold {
			s.log.Error("Too many recorder I/O errors", "io_errors", s.ioErrCnt)

			return Response{}, s.markFatal(fmt.Errorf("too many I/O errors (%d): %w", s.ioErrCnt, err))
		}
	}

	return Response{}, lastErr
}

func (s *Session) markFatal(cause error) error {
	s.fatal.Store(true)

	return fmt.Errorf("%w: %w", errors.ErrHandlerFatal, cause)
}

func (s *Session) attempt(ctx context.Context, cmd Command) (Response, error) {
	version := s.Version()
	line := cmd.Text

	var pending uint64

	if version >= 2 {
		s.serial++
		pending = s.serial
		line = strconv.FormatUint(pending, 10) + ":" + cmd.Text
	} else {
		// Consume a reply the recorder was too slow to send last time.
		if stale, err := s.conn.ReadStatusLine(0); err != nil {
			return Response{}, err
		} else if stale != "" {
			s.log.Debug("Discarded stale status line", "line", stale)
		}
	}

	s.log.Debug("Sending recorder command", "command", line)

	if _, err := s.conn.Write([]byte(line + "\n")); err != nil {
		return Response{}, err
	}

	deadline := time.Now().Add(cmd.Timeout)

	for {
		if err := ctx.Err(); err != nil {
			return Response{}, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Response{}, &errors.ProtocolError{
				Command: cmd.Text,
				Reason:  fmt.Sprintf("no reply within %s", cmd.Timeout),
				Err:     errors.ErrResponseTimeout,
			}
		}

		raw, err := s.conn.ReadStatusLine(remaining)
		if err != nil {
			return Response{}, err
		}

		if raw == "" {
			continue
		}

		resp, err := Parse(version, raw)
		if err != nil {
			return Response{}, &errors.ProtocolError{
				Command:  cmd.Text,
				Reason:   "invalid reply",
				Response: raw,
				Err:      errors.ErrMalformedResponse,
			}
		}

		if version >= 2 {
			done, err := s.classifyV2(cmd.Text, pending, resp)
			if err != nil || done {
				return resp, err
			}

			continue
		}

		if resp.Kind == KindStatus {
			if resp.ErrorNotice() {
				s.log.Error("Recorder reported error", "notice", raw)

				return resp, &errors.NoticeError{Command: cmd.Text, Notice: resp.Payload}
			}

			s.log.Info("Ignoring status notice", "notice", raw)

			continue
		}

		return resp, nil
	}
}

// classifyV2 decides what a version 2 line means for the pending command.
func (s *Session) classifyV2(command string, pending uint64, resp Response) (bool, error) {
	switch {
	case !resp.HasSerial:
		s.log.Error("Recorder reply without serial", "command", command, "reply", resp.Raw)

		return true, &errors.ProtocolError{
			Command:  command,
			Reason:   "abnormal termination",
			Response: resp.Raw,
		}

	case resp.Serial > pending:
		return true, &errors.ProtocolError{
			Command:  command,
			Reason:   fmt.Sprintf("expected serial %d, received %d", pending, resp.Serial),
			Response: resp.Raw,
			Err:      errSerialMismatch,
		}

	case resp.Serial == pending:
		if !resp.Terminal() {
			return true, &errors.ProtocolError{
				Command:  command,
				Reason:   "status notice in place of reply",
				Response: resp.Raw,
				Err:      errors.ErrMalformedResponse,
			}
		}

		return true, nil
	}

	// Lower serials are out of band.
	if resp.ErrorNotice() {
		s.log.Warn("Recorder reported error", "notice", resp.Raw)

		return true, &errors.NoticeError{Command: command, Notice: resp.Payload}
	}

	s.log.Info("Out-of-band message", "message", resp.Raw)

	return false, nil
}

func (s *Session) logReply(command string, resp Response, took time.Duration) {
	level := slog.LevelInfo

	switch {
	case resp.Kind != KindOK:
		level = slog.LevelWarn
	case strings.HasPrefix(command, "SendBytes"):
		level = slog.LevelDebug
	}

	s.log.Log(context.Background(), level, "Recorder command completed",
		"command", command,
		"reply", resp.Kind.String(),
		"payload", resp.Payload,
		"took", took,
	)
}

func replyError(command string, resp Response) error {
	if resp.Kind == KindOK {
		return nil
	}

	return &errors.CommandError{Command: command, Kind: resp.Kind.String(), Payload: resp.Payload}
}

func isIOError(err error) bool {
	return stderrors.Is(err, errors.ErrResponseTimeout) ||
		stderrors.Is(err, errors.ErrMalformedResponse) ||
		stderrors.Is(err, errSerialMismatch)
}

// CheckNotices drains pending status lines without sending a command. It
// returns a *NoticeError for the first notice carrying an error.
func (s *Session) CheckNotices(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fatal.Load() {
		return errors.ErrHandlerFatal
	}

	version := s.Version()

	for range noticeDrainLimit {
		raw, err := s.conn.ReadStatusLine(timeout)
		if err != nil {
			if _, ok := stderrors.AsType[*errors.TransportError](err); ok {
				return s.markFatal(err)
			}

			return err
		}

		if raw == "" {
			return nil
		}

		// Later lines are only drained, never waited for.
		timeout = 0

		resp, err := Parse(version, raw)
		if err != nil {
			s.log.Warn("Unparseable status line", "line", raw)

			continue
		}

		if resp.ErrorNotice() || (resp.Kind == KindErr && !resp.HasSerial && version >= 2) {
			s.log.Error("Recorder reported error", "notice", raw)

			return &errors.NoticeError{Command: "status check", Notice: resp.Payload}
		}

		s.log.Debug("Status notice", "notice", raw)
	}

	return nil
}

// Negotiate settles the wire version. With force 1 or 2 that version is
// used as is, after confirming a version 2 recorder answers in version 2
// framing. Otherwise APIVersion? is asked in version 1 framing, then in
// version 2 framing, falling back to version 1 if neither works.
func (s *Session) Negotiate(ctx context.Context, force int) (int, error) {
	switch force {
	case 1:
		s.version.Store(1)

		return 1, nil

	case MaxAPIVersion:
		s.version.Store(MaxAPIVersion)

		v, err := s.queryVersion(ctx)
		if err != nil {
			return 0, fmt.Errorf("forced API version %d: %w", MaxAPIVersion, err)
		}

		return v, nil
	}

	for _, framing := range []int{1, MaxAPIVersion} {
		s.version.Store(int32(framing))

		v, err := s.queryVersion(ctx)
		if err == nil {
			return v, nil
		}

		if s.Fatal() || ctx.Err() != nil {
			return 0, err
		}

		s.log.Warn("API version query failed", "framing", framing, "error", err)
	}

	s.version.Store(1)
	s.log.Warn("Recorder did not report an API version, assuming 1")

	return 1, nil
}

func (s *Session) queryVersion(ctx context.Context) (int, error) {
	resp, err := s.ExecuteCommand(ctx, Command{Text: "APIVersion?", Timeout: NegotiateTimeout})
	if err != nil {
		return 0, err
	}

	n, convErr := strconv.Atoi(strings.TrimSpace(resp.Payload))
	if convErr != nil || n < 1 {
		s.log.Error("Bad reply to APIVersion?, expecting 1 or 2", "reply", resp.Raw)

		n = 1
	}

	n = min(n, MaxAPIVersion)
	s.version.Store(int32(n))

	if _, err := s.Execute(ctx, "APIVersion:"+strconv.Itoa(n)); err != nil {
		s.log.Warn("Recorder rejected API version", "version", n, "error", err)
	}

	s.log.Info("Negotiated API version", "version", n)

	return n, nil
}
