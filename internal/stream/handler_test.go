package stream

import (
	"bytes"
	"context"
	stderrors "errors"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wagiedev/external-recorder-go/internal/config"
	"github.com/wagiedev/external-recorder-go/internal/errors"
	"github.com/wagiedev/external-recorder-go/internal/recordertest"
)

const (
	testChunk   = config.TSPacketSize * 4
	testTimeout = 3 * time.Second
	testTick    = 5 * time.Millisecond
)

func testOptions(rec *recordertest.Recorder) *config.Options {
	return &config.Options{
		Logger:              slog.New(slog.DiscardHandler),
		Spawner:             rec.SpawnFunc(),
		ChunkSize:           testChunk,
		HighWaterChunks:     2,
		ReplayChunks:        2,
		ReadTimeout:         5 * time.Millisecond,
		StatusCheckInterval: 20 * time.Millisecond,
		StallWindow:         time.Minute,
		RestartCooldown:     10 * time.Millisecond,
		RestartBackoff:      time.Minute,
		CommandTimeout:      200 * time.Millisecond,
		CloseTimeout:        200 * time.Millisecond,
		TerminateGrace:      10 * time.Millisecond,
		IdlePoll:            time.Millisecond,
	}
}

func newTestHandler(t *testing.T, rec *recordertest.Recorder, opts *config.Options) *Handler {
	t.Helper()

	if opts == nil {
		opts = testOptions(rec)
	}

	h, err := New(context.Background(), Config{
		DeviceSpec: "/usr/bin/fake-recorder --channel 5",
		InputID:    1,
		MajorID:    7,
		Options:    opts,
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = h.Close() })

	return h
}

// collector consumes whole packets and keeps any partial packet pending.
type collector struct {
	mu    sync.Mutex
	data  []byte
	calls int
	held  atomic.Bool
}

func (c *collector) ProcessData(p []byte) int {
	if c.held.Load() {
		return len(p)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.calls++
	whole := len(p) - len(p)%config.TSPacketSize
	c.data = append(c.data, p[:whole]...)

	return len(p) - whole
}

func (c *collector) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	return slices.Clone(c.data)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.data)
}

// sequence returns n bytes counting up from zero.
func sequence(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i)
	}

	return b
}

func indexOf(cmds []string, cmd string, from int) int {
	for i := from; i < len(cmds); i++ {
		if cmds[i] == cmd {
			return i
		}
	}

	return -1
}

func TestNew_NegotiatesAndQueriesCapabilities(t *testing.T) {
	rec := recordertest.New(recordertest.WithDescription("tuner A"))
	h := newTestHandler(t, rec, nil)

	require.Equal(t, 2, h.APIVersion())
	require.Equal(t, "tuner A", h.Description())
	require.Equal(t, Capabilities{HasTuner: true, FlowControl: FlowXONXOFF}, h.Capabilities())
	require.Equal(t, StateIdle, h.State())
	require.NotEmpty(t, h.ID())
	require.Equal(t, 7, h.MajorID())

	cmds := rec.SpawnCommands()
	require.Len(t, cmds, 1)
	require.Equal(t, "/usr/bin/fake-recorder", cmds[0].Path)
	require.Equal(t, []string{"--channel", "5", "--quiet", "--inputid", "7"}, cmds[0].Args)

	require.Equal(t, 1, rec.Count("Version?"))
	require.Equal(t, 1, rec.Count("BlockSize:752"))

	require.NoError(t, h.Close())
	require.NoError(t, h.Close())

	require.Equal(t, StateClosed, h.State())
	require.Equal(t, 1, rec.Count("CloseRecorder"))
	require.Equal(t, 0, rec.Terminations())
	require.True(t, rec.Closed())
}

func TestNew_PollMode(t *testing.T) {
	rec := recordertest.New(recordertest.WithPollMode(), recordertest.WithAPIVersion(1))
	h := newTestHandler(t, rec, nil)

	require.Equal(t, 1, h.APIVersion())
	require.Equal(t, FlowPoll, h.Capabilities().FlowControl)
	require.Empty(t, h.Description())
	require.Equal(t, 0, rec.Count("Description?"))
}

func TestNew_FailsWhenApplicationDoesNotRespond(t *testing.T) {
	rec := recordertest.New()
	rec.Handle("Version?", func(req recordertest.Request) []string {
		return []string{req.Reply("ERR:broken")}
	})

	opts := testOptions(rec)

	_, err := New(context.Background(), Config{DeviceSpec: "/usr/bin/fake-recorder", MajorID: 1, Options: opts})
	require.Error(t, err)

	ce, ok := stderrors.AsType[*errors.CommandError](err)
	require.True(t, ok, "got %v", err)
	require.Equal(t, "Version?", ce.Command)

	require.Equal(t, 1, rec.Terminations())
	require.True(t, rec.Closed())
	require.Equal(t, 0, rec.Count("HasTuner?"))
}

func TestNew_RejectsEmptyDeviceSpec(t *testing.T) {
	rec := recordertest.New()

	_, err := New(context.Background(), Config{DeviceSpec: "  ", Options: testOptions(rec)})

	_, ok := stderrors.AsType[*errors.SpawnError](err)
	require.True(t, ok, "got %v", err)
	require.Equal(t, 0, rec.Spawns())
}

func TestStartStreaming_RefCounted(t *testing.T) {
	ctx := context.Background()
	rec := recordertest.New()
	h := newTestHandler(t, rec, nil)

	require.NoError(t, h.StartStreaming(ctx))
	require.NoError(t, h.StartStreaming(ctx))
	require.Equal(t, 2, h.StreamingCount())
	require.Equal(t, 1, rec.Count("StartStreaming"))
	require.Equal(t, StateStreaming, h.State())

	require.NoError(t, h.StopStreaming(ctx))
	require.Equal(t, 0, rec.Count("StopStreaming"))
	require.Equal(t, 1, h.StreamingCount())

	require.NoError(t, h.StopStreaming(ctx))
	require.Equal(t, 1, rec.Count("StopStreaming"))
	require.Equal(t, StateIdle, h.State())

	require.NoError(t, h.StopStreaming(ctx))
	require.Equal(t, 1, rec.Count("StopStreaming"))
}

func TestStartStreaming_WarningDoesNotCount(t *testing.T) {
	rec := recordertest.New()
	rec.Handle("StartStreaming", func(req recordertest.Request) []string {
		return []string{req.Reply("WARN:no signal")}
	})

	h := newTestHandler(t, rec, nil)

	err := h.StartStreaming(context.Background())

	ce, ok := stderrors.AsType[*errors.CommandError](err)
	require.True(t, ok, "got %v", err)
	require.True(t, ce.IsWarning())
	require.Equal(t, 0, h.StreamingCount())
	require.Equal(t, StateIdle, h.State())
	require.NoError(t, h.Err())
}

func TestStartStreaming_ErrorIsFatal(t *testing.T) {
	rec := recordertest.New()
	rec.Handle("StartStreaming", func(req recordertest.Request) []string {
		return []string{req.Reply("ERR:tuner gone")}
	})

	h := newTestHandler(t, rec, nil)

	err := h.StartStreaming(context.Background())
	require.ErrorIs(t, err, errors.ErrHandlerFatal)
	require.Equal(t, StateError, h.State())
	require.ErrorIs(t, h.StartStreaming(context.Background()), errors.ErrHandlerFatal)

	require.Eventually(t, func() bool { return rec.Terminations() > 0 }, testTimeout, testTick)
}

func TestStopStreaming_ErrorIsFatal(t *testing.T) {
	ctx := context.Background()
	rec := recordertest.New()
	rec.Handle("StopStreaming", func(req recordertest.Request) []string {
		return []string{req.Reply("ERR:tuner gone")}
	})

	h := newTestHandler(t, rec, nil)

	require.NoError(t, h.StartStreaming(ctx))

	err := h.StopStreaming(ctx)

	ce, ok := stderrors.AsType[*errors.CommandError](err)
	require.True(t, ok, "got %v", err)
	require.False(t, ce.IsWarning())
	require.ErrorIs(t, h.Err(), errors.ErrHandlerFatal)
	require.Equal(t, StateError, h.State())
	require.ErrorIs(t, h.StartStreaming(ctx), errors.ErrHandlerFatal)

	require.Eventually(t, func() bool { return rec.Terminations() > 0 }, testTimeout, testTick)
}

func TestStopStreaming_WarningIsNotFatal(t *testing.T) {
	ctx := context.Background()
	rec := recordertest.New()
	rec.Handle("StopStreaming", func(req recordertest.Request) []string {
		return []string{req.Reply("WARN:already stopped")}
	})

	h := newTestHandler(t, rec, nil)

	require.NoError(t, h.StartStreaming(ctx))
	require.Error(t, h.StopStreaming(ctx))
	require.NoError(t, h.Err())
	require.Equal(t, StateIdle, h.State())
	require.Equal(t, 0, h.StreamingCount())
}

func TestRestart_StopErrorIsFatal(t *testing.T) {
	rec := recordertest.New()
	rec.Handle("StopStreaming", func(req recordertest.Request) []string {
		return []string{req.Reply("ERR:tuner gone")}
	})

	h := newTestHandler(t, rec, nil)

	require.NoError(t, h.StartStreaming(context.Background()))
	require.Eventually(t, func() bool { return rec.Count("XON") > 0 }, testTimeout, testTick)

	rec.PushStatus("0:STATUS:ERR:lost lock")

	require.Eventually(t, func() bool { return h.State() == StateError }, testTimeout, testTick)
	require.ErrorIs(t, h.Err(), errors.ErrHandlerFatal)
	require.Equal(t, 1, rec.Count("StartStreaming"))

	select {
	case <-h.Done():
	case <-time.After(testTimeout):
		t.Fatal("acquisition loop did not exit")
	}
}

func TestStopStreaming_PausesBeforeStopping(t *testing.T) {
	ctx := context.Background()
	rec := recordertest.New(recordertest.WithGenerator(func() []byte {
		return recordertest.Packets(1, 0x47)
	}))

	h := newTestHandler(t, rec, nil)
	c := &collector{}

	require.NoError(t, h.RegisterConsumer(ctx, c))
	require.Eventually(t, func() bool { return c.len() > 0 }, testTimeout, testTick)

	require.NoError(t, h.UnregisterConsumer(ctx, c))

	cmds := rec.Commands()
	stop := indexOf(cmds, "StopStreaming", 0)
	require.Positive(t, stop)
	require.Equal(t, "XOFF", cmds[stop-1])
	require.Equal(t, 0, h.Stats().Listeners)
	require.Eventually(t, func() bool { return h.Stats().Buffered == 0 }, testTimeout, testTick)
}

func TestDispatch_DeliversInOrder(t *testing.T) {
	rec := recordertest.New()
	h := newTestHandler(t, rec, nil)
	c := &collector{}

	payload := sequence(config.TSPacketSize * 20)
	rec.Feed(payload)

	require.NoError(t, h.RegisterConsumer(context.Background(), c))
	require.Eventually(t, func() bool { return c.len() == len(payload) }, testTimeout, testTick)
	require.Equal(t, payload, c.bytes())

	stats := h.Stats()
	require.Equal(t, uint64(len(payload)), stats.BytesRead)
	require.Equal(t, uint64(len(payload)), stats.BytesDelivered)
	require.Equal(t, 1, stats.Listeners)
	require.Equal(t, StateStreaming, stats.State)
}

func TestDispatch_PartialPacketIsPresentedAgain(t *testing.T) {
	rec := recordertest.New()
	h := newTestHandler(t, rec, nil)
	c := &collector{}

	payload := sequence(config.TSPacketSize * 3)

	require.NoError(t, h.RegisterConsumer(context.Background(), c))

	rec.Feed(payload[:config.TSPacketSize+100])
	require.Eventually(t, func() bool { return c.len() == config.TSPacketSize }, testTimeout, testTick)
	require.Eventually(t, func() bool { return h.Stats().Buffered == 100 }, testTimeout, testTick)

	rec.Feed(payload[config.TSPacketSize+100:])
	require.Eventually(t, func() bool { return c.len() == len(payload) }, testTimeout, testTick)
	require.Equal(t, payload, c.bytes())
}

func TestDispatch_SlowestConsumerSetsRemainder(t *testing.T) {
	rec := recordertest.New()
	h := newTestHandler(t, rec, nil)
	fast := &collector{}
	slow := &collector{}
	slow.held.Store(true)

	h.AddListener(fast)
	h.AddListener(slow)
	h.AddListener(slow)
	require.Equal(t, 2, h.Stats().Listeners)

	rec.Feed(recordertest.Packets(2, 1))
	require.NoError(t, h.StartStreaming(context.Background()))

	require.Eventually(t, func() bool { return h.Stats().Buffered == 2*config.TSPacketSize }, testTimeout, testTick)
	require.Equal(t, uint64(0), h.Stats().BytesDelivered)

	slow.held.Store(false)
	require.Eventually(t, func() bool { return slow.len() == 2*config.TSPacketSize }, testTimeout, testTick)

	require.True(t, h.RemoveListener(slow))
	require.False(t, h.RemoveListener(slow))
}

func TestFlowControl_XOFFWhenConsumersFallBehind(t *testing.T) {
	rec := recordertest.New()
	h := newTestHandler(t, rec, nil)
	c := &collector{}
	c.held.Store(true)

	payload := sequence(testChunk * 8)
	rec.Feed(payload)

	require.NoError(t, h.RegisterConsumer(context.Background(), c))
	require.Eventually(t, func() bool { return rec.Count("XOFF") > 0 }, testTimeout, testTick)
	require.Greater(t, h.Stats().Buffered, testChunk*2)

	c.held.Store(false)
	require.Eventually(t, func() bool { return c.len() == len(payload) }, testTimeout, testTick)
	require.Equal(t, payload, c.bytes())

	cmds := rec.Commands()
	xoff := indexOf(cmds, "XOFF", 0)
	require.Positive(t, indexOf(cmds, "XON", xoff), "no XON after XOFF in %v", cmds)
}

func TestFlowControl_PollModeNeverSendsXOFF(t *testing.T) {
	rec := recordertest.New(recordertest.WithPollMode())
	h := newTestHandler(t, rec, nil)
	c := &collector{}
	c.held.Store(true)

	payload := sequence(testChunk * 8)
	rec.Feed(payload)

	require.NoError(t, h.RegisterConsumer(context.Background(), c))
	require.Eventually(t, func() bool { return h.Stats().Buffered > testChunk*2 }, testTimeout, testTick)

	c.held.Store(false)
	require.Eventually(t, func() bool { return c.len() == len(payload) }, testTimeout, testTick)
	require.Equal(t, payload, c.bytes())

	require.Positive(t, rec.Count("SendBytes"))
	require.Equal(t, 0, rec.Count("XOFF"))
	require.Equal(t, 0, rec.Count("XON"))
}

func TestStall_RestartsExactlyOnce(t *testing.T) {
	rec := recordertest.New()
	opts := testOptions(rec)
	opts.StallWindow = 100 * time.Millisecond
	opts.RestartCooldown = 50 * time.Millisecond

	h := newTestHandler(t, rec, opts)

	require.NoError(t, h.StartStreaming(context.Background()))
	require.Eventually(t, func() bool { return rec.Count("StartStreaming") == 2 }, testTimeout, testTick)

	// A second stall waits out the backoff instead of restarting again.
	time.Sleep(300 * time.Millisecond)

	require.Equal(t, 1, rec.Count("StopStreaming"))
	require.Equal(t, 2, rec.Count("StartStreaming"))
	require.Equal(t, uint64(1), h.Stats().Restarts)
	require.Equal(t, 1, h.StreamingCount())
	require.NoError(t, h.Err())

	var stopAt, startAt time.Time

	for _, e := range rec.Log() {
		switch e.Command {
		case "StopStreaming":
			stopAt = e.At
		case "StartStreaming":
			startAt = e.At
		}
	}

	require.GreaterOrEqual(t, startAt.Sub(stopAt), opts.RestartCooldown)
}

func TestStall_HeldBufferInPollModeDoesNotRestart(t *testing.T) {
	rec := recordertest.New(
		recordertest.WithPollMode(),
		recordertest.WithGenerator(func() []byte { return recordertest.Packets(4, 0x47) }),
	)

	opts := testOptions(rec)
	opts.StallWindow = 50 * time.Millisecond

	h := newTestHandler(t, rec, opts)

	c := &collector{}
	c.held.Store(true)

	require.NoError(t, h.RegisterConsumer(context.Background(), c))
	require.Eventually(t, func() bool {
		return h.Stats().Buffered >= opts.HighWaterMark()+opts.ChunkSize
	}, testTimeout, testTick)

	time.Sleep(200 * time.Millisecond)

	require.Equal(t, 0, rec.Count("StopStreaming"))
	require.Equal(t, uint64(0), h.Stats().Restarts)
	require.NoError(t, h.Err())
}

func TestStall_DataKeepsStreamAlive(t *testing.T) {
	rec := recordertest.New(recordertest.WithGenerator(func() []byte {
		time.Sleep(time.Millisecond)

		return recordertest.Packets(1, 0x47)
	}))

	opts := testOptions(rec)
	opts.StallWindow = 50 * time.Millisecond

	h := newTestHandler(t, rec, opts)

	require.NoError(t, h.RegisterConsumer(context.Background(), &collector{}))

	time.Sleep(200 * time.Millisecond)

	require.Equal(t, 0, rec.Count("StopStreaming"))
	require.Equal(t, uint64(0), h.Stats().Restarts)
}

func TestStatusNotice_ErrorRestartsStream(t *testing.T) {
	rec := recordertest.New()
	h := newTestHandler(t, rec, nil)

	require.NoError(t, h.StartStreaming(context.Background()))
	require.Eventually(t, func() bool { return rec.Count("XON") > 0 }, testTimeout, testTick)

	rec.PushStatus("0:STATUS:ERR:lost lock")

	require.Eventually(t, func() bool { return rec.Count("StartStreaming") == 2 }, testTimeout, testTick)
	require.Equal(t, 1, rec.Count("StopStreaming"))
	require.NoError(t, h.Err())
}

func TestLoop_WaitsForOpenSource(t *testing.T) {
	rec := recordertest.New(recordertest.WithGenerator(func() []byte {
		return recordertest.Packets(1, 0x47)
	}))

	var open atomic.Bool

	rec.Handle("IsOpen?", func(req recordertest.Request) []string {
		if open.Load() {
			return []string{req.Reply("OK:Open")}
		}

		return []string{req.Reply("WARN:Not Open yet")}
	})

	h := newTestHandler(t, rec, nil)
	c := &collector{}

	require.NoError(t, h.RegisterConsumer(context.Background(), c))
	require.Eventually(t, func() bool { return rec.Count("IsOpen?") > 2 }, testTimeout, testTick)

	time.Sleep(50 * time.Millisecond)

	require.Equal(t, 0, rec.Count("XON"))
	require.Zero(t, c.len())
	require.Zero(t, h.Stats().BytesRead)

	open.Store(true)

	require.Eventually(t, func() bool { return c.len() > 0 }, testTimeout, testTick)

	cmds := rec.Commands()
	xon := slices.Index(cmds, "XON")
	require.Positive(t, xon)
	require.Equal(t, "IsOpen?", cmds[xon-1])
	require.NoError(t, h.Err())
}

func TestLoop_PlainOKOpensSourceOnce(t *testing.T) {
	rec := recordertest.New(recordertest.WithGenerator(func() []byte {
		return recordertest.Packets(1, 0x47)
	}))
	rec.Handle("IsOpen?", func(req recordertest.Request) []string {
		return []string{req.Reply("OK")}
	})

	h := newTestHandler(t, rec, nil)
	c := &collector{}

	require.NoError(t, h.RegisterConsumer(context.Background(), c))
	require.Eventually(t, func() bool { return c.len() > 0 }, testTimeout, testTick)

	time.Sleep(50 * time.Millisecond)

	require.Equal(t, 1, rec.Count("IsOpen?"))
}

func TestLoop_ReadinessErrorIsFatal(t *testing.T) {
	rec := recordertest.New()
	rec.Handle("XON", func(req recordertest.Request) []string {
		return []string{req.Reply("ERR:not ready")}
	})

	h := newTestHandler(t, rec, nil)

	require.NoError(t, h.StartStreaming(context.Background()))
	require.Eventually(t, func() bool { return h.State() == StateError }, testTimeout, testTick)
	require.ErrorIs(t, h.Err(), errors.ErrHandlerFatal)

	select {
	case <-h.Done():
	case <-time.After(testTimeout):
		t.Fatal("acquisition loop did not exit")
	}

	require.Positive(t, rec.Terminations())
	require.Equal(t, 1, rec.Count("XON"))
}

func TestLoop_TransportFailureIsFatal(t *testing.T) {
	rec := recordertest.New()
	h := newTestHandler(t, rec, nil)

	require.NoError(t, h.StartStreaming(context.Background()))
	require.Eventually(t, func() bool { return rec.Count("XON") > 0 }, testTimeout, testTick)

	rec.Fail(&errors.TransportError{Op: "read", Err: io.ErrUnexpectedEOF})

	require.Eventually(t, func() bool { return h.State() == StateError }, testTimeout, testTick)
	require.ErrorIs(t, h.Err(), errors.ErrHandlerFatal)

	require.NoError(t, h.Close())
	require.Equal(t, StateClosed, h.State())
	require.Equal(t, 0, rec.Count("CloseRecorder"))
}

func TestReplay_EmptyBeforeData(t *testing.T) {
	rec := recordertest.New()
	h := newTestHandler(t, rec, nil)

	require.Equal(t, 0, h.Replay(context.Background()))

	h.SetReplay(true)
	require.True(t, h.ReplayEnabled())
	require.Equal(t, 0, h.Replay(context.Background()))
	require.False(t, h.ReplayEnabled())
}

func TestReplay_CapsAndTruncatesOldest(t *testing.T) {
	ctx := context.Background()
	rec := recordertest.New()
	h := newTestHandler(t, rec, nil)
	early := &collector{}

	var payload []byte
	for i := range 12 {
		payload = append(payload, recordertest.Packets(1, byte(i))...)
	}

	h.SetReplay(true)
	require.NoError(t, h.RegisterConsumer(ctx, early))

	rec.Feed(payload)
	require.Eventually(t, func() bool { return early.len() == len(payload) }, testTimeout, testTick)

	limit := testChunk * 2
	require.Equal(t, limit, h.Stats().ReplayBuffered)

	late := &collector{}
	h.AddListener(late)

	require.Equal(t, limit, h.Replay(ctx))
	require.Equal(t, payload[len(payload)-limit:], late.bytes())
	require.True(t, bytes.HasSuffix(early.bytes(), payload[len(payload)-limit:]))
	require.Equal(t, len(payload)+limit, early.len())

	require.False(t, h.ReplayEnabled())
	require.Equal(t, 0, h.Stats().ReplayBuffered)
	require.Equal(t, 0, h.Replay(ctx))
}

func TestAppendReplay(t *testing.T) {
	h := &Handler{opts: &config.Options{ChunkSize: 4, ReplayChunks: 2}}

	h.appendReplayLocked([]byte("abcdef"))
	require.Equal(t, []byte("abcdef"), h.replayBuf)

	h.appendReplayLocked([]byte("ghij"))
	require.Equal(t, []byte("cdefghij"), h.replayBuf)

	h.appendReplayLocked([]byte("0123456789"))
	require.Equal(t, []byte("23456789"), h.replayBuf)
}

func TestStateString(t *testing.T) {
	require.Equal(t, "streaming", StateStreaming.String())
	require.Equal(t, "State(42)", State(42).String())
	require.Equal(t, "poll", FlowPoll.String())
	require.Equal(t, "xon/xoff", FlowXONXOFF.String())
}

func TestClose_RejectsFurtherStreaming(t *testing.T) {
	rec := recordertest.New()
	h := newTestHandler(t, rec, nil)

	require.NoError(t, h.Close())
	require.ErrorIs(t, h.StartStreaming(context.Background()), errors.ErrClosed)

	select {
	case <-h.Done():
	default:
		t.Fatal("acquisition loop still running after Close")
	}
}
