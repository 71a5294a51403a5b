package extrec_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	extrec "github.com/wagiedev/external-recorder-go"
	"github.com/wagiedev/external-recorder-go/internal/recordertest"
)

const recorderSpec = "/usr/bin/fake-recorder --channel 5"

type sink struct {
	mu   sync.Mutex
	data []byte
}

func (s *sink) ProcessData(p []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(p) - len(p)%extrec.TSPacketSize
	s.data = append(s.data, p[:n]...)

	return len(p) - n
}

func (s *sink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.data)
}

func testOptions(rec *recordertest.Recorder) []extrec.Option {
	return []extrec.Option{
		extrec.WithLogger(extrec.NopLogger()),
		extrec.WithSpawner(rec.SpawnFunc()),
		extrec.WithChunkSize(extrec.TSPacketSize * 4),
		extrec.WithReadTimeout(5 * time.Millisecond),
		extrec.WithCommandTimeout(200 * time.Millisecond),
		extrec.WithCloseTimeout(200 * time.Millisecond),
		extrec.WithTerminateGrace(10 * time.Millisecond),
	}
}

func TestRegistry_SpawnsOnceAndTearsDownOnce(t *testing.T) {
	ctx := context.Background()
	rec := recordertest.New()
	reg := extrec.NewRegistry(testOptions(rec)...)

	t.Cleanup(func() { _ = reg.Close() })

	a, err := reg.Acquire(ctx, recorderSpec, "caller-a", 3)
	require.NoError(t, err)

	b, err := reg.Acquire(ctx, recorderSpec, "caller-b", 3)
	require.NoError(t, err)

	require.Same(t, a, b)
	require.Equal(t, 1, rec.Spawns())
	require.Equal(t, extrec.StateIdle, a.State())

	snap := reg.Snapshot()
	require.Len(t, snap, 1)
	require.Equal(t, 2, snap[0].Refs)
	require.Equal(t, recorderSpec, snap[0].DeviceSpec)

	handler := a

	reg.Release(&a, "caller-a")
	require.Nil(t, a)
	require.Equal(t, 0, rec.Count("CloseRecorder"))

	reg.Release(&b, "caller-b")
	require.Nil(t, b)
	require.Equal(t, 1, rec.Count("CloseRecorder"))
	require.Equal(t, extrec.StateClosed, handler.State())
	require.Empty(t, reg.Snapshot())

	_, err = reg.Get(3)
	require.ErrorIs(t, err, extrec.ErrUnknownHandler)
}

func TestRegistry_StreamsToConsumers(t *testing.T) {
	ctx := context.Background()
	rec := recordertest.New()
	rec.Feed(recordertest.Packets(16, 0x47))

	reg := extrec.NewRegistry(testOptions(rec)...)
	t.Cleanup(func() { _ = reg.Close() })

	h, err := reg.Acquire(ctx, recorderSpec, "caller", 1)
	require.NoError(t, err)

	s := &sink{}
	require.NoError(t, h.RegisterConsumer(ctx, s))
	require.Eventually(t, func() bool { return s.len() == 16*extrec.TSPacketSize }, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, h.UnregisterConsumer(ctx, s))
	reg.Release(&h, "caller")
	require.Equal(t, 1, rec.Count("StopStreaming"))
}

func TestRegistry_DeviceLock(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first := extrec.NewRegistry(append(testOptions(recordertest.New()), extrec.WithLockDir(dir))...)
	second := extrec.NewRegistry(append(testOptions(recordertest.New()), extrec.WithLockDir(dir))...)

	h, err := first.Acquire(ctx, recorderSpec, "x", 2)
	require.NoError(t, err)

	_, err = second.Acquire(ctx, recorderSpec, "y", 2)
	require.ErrorIs(t, err, extrec.ErrDeviceBusy)

	first.Release(&h, "x")

	h, err = second.Acquire(ctx, recorderSpec, "y", 2)
	require.NoError(t, err)
	second.Release(&h, "y")
}

func TestRegistry_SpawnFailureIsReported(t *testing.T) {
	reg := extrec.NewRegistry(extrec.WithLogger(extrec.NopLogger()))

	_, err := reg.Acquire(context.Background(), "/nonexistent/recorder", "x", 1)

	spawnErr, ok := errors.AsType[*extrec.SpawnError](err)
	require.True(t, ok, "got %v", err)
	require.Equal(t, "/nonexistent/recorder", spawnErr.Path)
	require.Empty(t, reg.Snapshot())
}

func TestOpen_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := extrec.Open(ctx, recorderSpec, 1, 1)
	require.ErrorIs(t, err, context.Canceled)
}

func TestWithHandler(t *testing.T) {
	rec := recordertest.New(recordertest.WithPollMode())

	var caps extrec.Capabilities

	err := extrec.WithHandler(context.Background(), recorderSpec, 4, func(h *extrec.Handler) error {
		caps = h.Capabilities()

		return nil
	}, testOptions(rec)...)
	require.NoError(t, err)
	require.Equal(t, extrec.FlowPoll, caps.FlowControl)
	require.Equal(t, 1, rec.Count("CloseRecorder"))
}

func TestWithHandler_CallbackError(t *testing.T) {
	rec := recordertest.New()
	sentinel := errors.New("boom")

	err := extrec.WithHandler(context.Background(), recorderSpec, 4, func(*extrec.Handler) error {
		return sentinel
	}, testOptions(rec)...)
	require.ErrorIs(t, err, sentinel)
	require.True(t, rec.Closed())
}
