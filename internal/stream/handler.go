package stream

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/wagiedev/external-recorder-go/internal/cli"
	"github.com/wagiedev/external-recorder-go/internal/config"
	"github.com/wagiedev/external-recorder-go/internal/errors"
	"github.com/wagiedev/external-recorder-go/internal/protocol"
	"github.com/wagiedev/external-recorder-go/internal/subprocess"
)

const (
	// appCheckTimeout bounds Version?, the "application is responding" probe.
	appCheckTimeout = 10 * time.Second

	// startTimeout bounds StartStreaming.
	startTimeout = 10 * time.Second

	// stopTimeout bounds StopStreaming.
	stopTimeout = 6 * time.Second

	// purgeReads caps the reads used to drain the data pipe on stop.
	purgeReads = 64
)

// Config identifies the recorder a Handler drives.
type Config struct {
	// DeviceSpec is the recorder program followed by its arguments.
	DeviceSpec string

	// InputID is the caller-facing input number, used in logs.
	InputID int

	// MajorID identifies the device; it is passed to the recorder as --inputid.
	MajorID int

	// Options tunes the handler. Nil uses defaults.
	Options *config.Options
}

// Handler drives one external recorder: it spawns the program, negotiates the
// control protocol, runs the acquisition loop and fans stream data out to
// registered consumers.
type Handler struct {
	id      string
	log     *slog.Logger
	opts    *config.Options
	cfg     Config
	command config.RecorderCommand

	ioMu    sync.Mutex // Protects ch; held for every channel access
	ch      config.Channel
	session *protocol.Session

	caps        Capabilities
	description string

	startMu      sync.Mutex // Serializes start/stop transitions
	streamingCnt atomic.Int32
	xon          atomic.Bool // Inbound flow requested
	tsOpen       bool        // Accessed by the loop goroutine only

	streamMu  sync.Mutex // Protects the working and replay buffers
	buffer    []byte
	replay    bool
	replayBuf []byte

	listenersMu sync.RWMutex
	listeners   []Consumer

	state     atomic.Int32
	bytesRead atomic.Uint64
	delivered atomic.Uint64
	restarts  atomic.Uint64

	errMu    sync.RWMutex
	fatalErr error

	eg        *errgroup.Group
	loopCtx   context.Context
	cancel    context.CancelFunc
	stopping  atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// New spawns the recorder, negotiates the protocol, queries capabilities and
// starts the acquisition loop. On failure the recorder is torn down and the
// error is returned; no handler is produced.
func New(ctx context.Context, cfg Config) (*Handler, error) {
	opts := config.DefaultOptions()
	if cfg.Options != nil {
		copied := *cfg.Options
		opts = &copied
		opts.ApplyDefaults()
	}

	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	log := opts.Logger

	h := &Handler{
		id:   ulid.Make().String(),
		opts: opts,
		cfg:  cfg,
		done: make(chan struct{}),
	}

	h.log = log.With(
		"component", "stream_handler",
		"input_id", cfg.InputID,
		"major_id", cfg.MajorID,
		"handler_id", h.id,
	)

	command, err := cli.BuildCommand(cfg.DeviceSpec, cfg.MajorID, opts.ExtraArgs)
	if err != nil {
		return nil, &errors.SpawnError{Path: cfg.DeviceSpec, Reason: "invalid device spec", Err: err}
	}

	h.command = command
	h.log.Info("Opening external recorder", "command", command.String())

	if err := h.open(ctx); err != nil {
		h.setState(StateError)
		h.closeApp(false)

		return nil, err
	}

	h.loopCtx, h.cancel = context.WithCancel(context.Background())
	h.eg, _ = errgroup.WithContext(h.loopCtx)

	h.eg.Go(func() error {
		return h.run(h.loopCtx)
	})

	return h, nil
}

func (h *Handler) open(ctx context.Context) error {
	spawn := h.opts.Spawner
	if spawn == nil {
		spawn = subprocess.Spawner(h.opts.Logger, subprocess.SpawnOptions{
			MaxReadErrors: h.opts.MaxReadErrors,
			WriteTimeout:  h.opts.WriteTimeout,
		})
	}

	ch, err := spawn(ctx, h.command)
	if err != nil {
		h.log.Error("Failed to start external recorder", "error", err)

		return err
	}

	h.ioMu.Lock()
	h.ch = ch
	h.ioMu.Unlock()

	h.setState(StateNegotiating)

	h.session = protocol.NewSession(h.log, lockedConn{h: h}, protocol.SessionOptions{
		CommandTimeout:   h.opts.CommandTimeout,
		CommandRetries:   h.opts.CommandRetries,
		IOErrorThreshold: h.opts.IOErrorThreshold,
	})

	if _, err := h.session.Negotiate(ctx, h.opts.ForceAPIVersion); err != nil {
		return fmt.Errorf("negotiate API version: %w", err)
	}

	if err := h.checkApp(ctx); err != nil {
		h.log.Error("Application is not responding", "error", err)

		return err
	}

	h.updateDescription(ctx)

	if err := h.queryCapabilities(ctx); err != nil {
		return err
	}

	h.setState(StateIdle)

	return nil
}

// checkApp verifies the recorder answers Version?.
func (h *Handler) checkApp(ctx context.Context) error {
	if _, err := h.session.ExecuteCommand(ctx, protocol.Command{Text: "Version?", Timeout: appCheckTimeout}); err != nil {
		return fmt.Errorf("application is not responding: %w", err)
	}

	return nil
}

func (h *Handler) updateDescription(ctx context.Context) {
	if h.session.Version() < 2 {
		return
	}

	resp, err := h.session.Execute(ctx, "Description?")
	if err != nil || strings.TrimSpace(resp.Payload) == "" {
		return
	}

	h.description = strings.TrimSpace(resp.Payload)
	h.log = h.log.With("location", h.description)
	h.session.SetLocation(h.description)
}

func (h *Handler) queryCapabilities(ctx context.Context) error {
	resp, err := h.session.Execute(ctx, "HasTuner?")
	if err != nil {
		h.log.Error("Bad response to HasTuner?", "error", err)

		return fmt.Errorf("query HasTuner?: %w", err)
	}

	h.caps.HasTuner = resp.Yes()

	resp, err = h.session.Execute(ctx, "HasPictureAttributes?")
	if err != nil {
		h.log.Error("Bad response to HasPictureAttributes?", "error", err)

		return fmt.Errorf("query HasPictureAttributes?: %w", err)
	}

	h.caps.HasPictureAttributes = resp.Yes()

	resp, err = h.session.Execute(ctx, "FlowControl?")
	if err == nil && strings.HasPrefix(resp.Payload, "Poll") {
		h.caps.FlowControl = FlowPoll
	}

	if h.session.Fatal() {
		return errors.ErrHandlerFatal
	}

	h.log.Info("Recorder opened",
		"api_version", h.session.Version(),
		"tuner", h.caps.HasTuner,
		"picture_attributes", h.caps.HasPictureAttributes,
		"flow_control", h.caps.FlowControl.String(),
	)

	// Tell the recorder how much is read at once.
	if _, err := h.session.Execute(ctx, fmt.Sprintf("BlockSize:%d", h.opts.ChunkSize)); err != nil {
		h.log.Debug("BlockSize not accepted", "error", err)
	}

	return nil
}

// lockedConn gives the protocol session access to the channel under ioMu.
type lockedConn struct {
	h *Handler
}

func (c lockedConn) Write(p []byte) (int, error) {
	c.h.ioMu.Lock()
	defer c.h.ioMu.Unlock()

	if c.h.ch == nil {
		return 0, errors.ErrNotOpen
	}

	return c.h.ch.Write(p)
}

func (c lockedConn) ReadStatusLine(timeout time.Duration) (string, error) {
	c.h.ioMu.Lock()
	defer c.h.ioMu.Unlock()

	if c.h.ch == nil {
		return "", errors.ErrNotOpen
	}

	return c.h.ch.ReadStatusLine(timeout)
}

// readData reads stream data from the channel under ioMu.
func (h *Handler) readData(p []byte, timeout time.Duration) (int, error) {
	h.ioMu.Lock()
	defer h.ioMu.Unlock()

	if h.ch == nil {
		return 0, errors.ErrNotOpen
	}

	return h.ch.Read(p, timeout)
}

// ID returns the handler's unique id.
func (h *Handler) ID() string {
	return h.id
}

// MajorID returns the device id the handler was created for.
func (h *Handler) MajorID() int {
	return h.cfg.MajorID
}

// DeviceSpec returns the recorder command line the handler was created with.
func (h *Handler) DeviceSpec() string {
	return h.cfg.DeviceSpec
}

// Command returns the command line the recorder was spawned with.
func (h *Handler) Command() config.RecorderCommand {
	return h.command
}

// APIVersion returns the negotiated protocol version.
func (h *Handler) APIVersion() int {
	return h.session.Version()
}

// Capabilities returns the features the recorder reported.
func (h *Handler) Capabilities() Capabilities {
	return h.caps
}

// Description returns the recorder's self-description, if it gave one.
func (h *Handler) Description() string {
	return h.description
}

// State returns the current lifecycle state.
func (h *Handler) State() State {
	return State(h.state.Load())
}

func (h *Handler) setState(s State) {
	for {
		cur := State(h.state.Load())
		if cur == StateError || cur == StateClosed {
			return
		}

		if h.state.CompareAndSwap(int32(cur), int32(s)) {
			if cur != s {
				h.log.Debug("State changed", "from", cur.String(), "to", s.String())
			}

			return
		}
	}
}

// StreamingCount returns the number of active StartStreaming calls.
func (h *Handler) StreamingCount() int {
	return int(h.streamingCnt.Load())
}

// Err returns the error that made the handler fatal, if any.
func (h *Handler) Err() error {
	h.errMu.RLock()
	defer h.errMu.RUnlock()

	return h.fatalErr
}

// Done returns a channel that is closed when the acquisition loop exits.
func (h *Handler) Done() <-chan struct{} {
	return h.done
}

// fail marks the handler permanently errored. The first error wins.
func (h *Handler) fail(err error) {
	h.errMu.Lock()

	if h.fatalErr == nil {
		if !stderrors.Is(err, errors.ErrHandlerFatal) {
			err = fmt.Errorf("%w: %w", errors.ErrHandlerFatal, err)
		}

		h.fatalErr = err
		h.log.Error("Stream handler failed", "error", err)
	}

	h.errMu.Unlock()

	h.setState(StateError)
}

func (h *Handler) fatal() bool {
	return h.Err() != nil || h.session.Fatal()
}

// Stats returns a snapshot of the handler's counters.
func (h *Handler) Stats() Stats {
	h.streamMu.Lock()
	buffered := len(h.buffer)
	replayBuffered := len(h.replayBuf)
	h.streamMu.Unlock()

	h.listenersMu.RLock()
	listeners := len(h.listeners)
	h.listenersMu.RUnlock()

	return Stats{
		HandlerID:      h.id,
		State:          h.State(),
		APIVersion:     h.session.Version(),
		Streaming:      h.StreamingCount(),
		Listeners:      listeners,
		BytesRead:      h.bytesRead.Load(),
		BytesDelivered: h.delivered.Load(),
		Restarts:       h.restarts.Load(),
		Buffered:       buffered,
		ReplayBuffered: replayBuffered,
	}
}

// Close stops the acquisition loop and shuts the recorder down: CloseRecorder
// is sent and, without an OK, the recorder is terminated. It's safe to call
// Close multiple times.
func (h *Handler) Close() error {
	h.closeOnce.Do(func() {
		h.log.Info("Closing stream handler")

		h.stopping.Store(true)
		h.cancel()

		if err := h.eg.Wait(); err != nil {
			h.log.Debug("Acquisition loop returned error", "error", err)
		}

		h.closeApp(!h.fatal())
		h.state.Store(int32(StateClosed))
		h.log.Debug("Stream handler closed")
	})

	return nil
}

// closeApp releases the recorder. When graceful, CloseRecorder is tried first.
func (h *Handler) closeApp(graceful bool) {
	h.ioMu.Lock()
	ch := h.ch
	h.ioMu.Unlock()

	if ch == nil {
		return
	}

	closed := false

	if graceful && h.session != nil && !h.session.Fatal() && ch.Err() == nil {
		ctx, cancel := context.WithTimeout(context.Background(), h.opts.CloseTimeout+time.Second)
		resp, err := h.session.ExecuteCommand(ctx, protocol.Command{
			Text:    "CloseRecorder",
			Timeout: h.opts.CloseTimeout,
			Retries: 1,
		})

		cancel()

		closed = err == nil && resp.Kind == protocol.KindOK
		if !closed {
			h.log.Info("CloseRecorder failed, sending kill", "error", err)
		}
	}

	if !closed {
		if err := ch.Terminate(h.opts.TerminateGrace); err != nil {
			h.log.Error("Unable to terminate recorder", "error", err)
		}
	}

	h.ioMu.Lock()
	h.ch = nil
	h.ioMu.Unlock()

	if err := ch.Close(); err != nil {
		h.log.Debug("Closing recorder pipes failed", "error", err)
	}
}
