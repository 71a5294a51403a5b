package errors

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSpawnError(t *testing.T) {
	err := &SpawnError{Path: "/opt/rec", Reason: "not executable"}

	require.Equal(t, "spawn /opt/rec: not executable", err.Error())
	require.NoError(t, err.Unwrap())
	require.True(t, err.IsRecorderError())
}

func TestSpawnError_WithUnderlyingError(t *testing.T) {
	root := errors.New("fork failed")
	err := &SpawnError{Path: "/opt/rec", Reason: "start process", Err: root}

	require.Equal(t, "spawn /opt/rec: start process: fork failed", err.Error())
	require.ErrorIs(t, err, root)
}

func TestProtocolError(t *testing.T) {
	err := &ProtocolError{
		Command:  "HasTuner?",
		Reason:   "malformed reply",
		Response: "7",
		Err:      ErrMalformedResponse,
	}

	require.Equal(t, `protocol error on "HasTuner?": malformed reply (received "7"): malformed response`, err.Error())
	require.ErrorIs(t, err, ErrMalformedResponse)
	require.True(t, err.IsRecorderError())
}

func TestCommandError(t *testing.T) {
	warn := &CommandError{Command: "StartStreaming", Kind: "WARN", Payload: "no signal"}
	require.Equal(t, "StartStreaming: recorder replied WARN: no signal", warn.Error())
	require.True(t, warn.IsWarning())

	fail := &CommandError{Command: "XON", Kind: "ERR"}
	require.Equal(t, "XON: recorder replied ERR", fail.Error())
	require.False(t, fail.IsWarning())
}

func TestNoticeError(t *testing.T) {
	err := &NoticeError{Command: "Foo", Notice: "ERR:bad"}

	require.Equal(t, "Foo: out-of-band error: ERR:bad", err.Error())
	require.True(t, err.IsRecorderError())
}

func TestTransportError(t *testing.T) {
	root := errors.New("broken pipe")
	err := &TransportError{Op: "write", Err: root}

	require.Equal(t, "recorder pipe write failed: broken pipe", err.Error())
	require.ErrorIs(t, err, root)

	asRecorder, ok := errors.AsType[RecorderError](error(err))
	require.True(t, ok)
	require.True(t, asRecorder.IsRecorderError())
}

func TestStallError(t *testing.T) {
	err := &StallError{Window: 50 * time.Second}

	require.Equal(t, "no data for 50s", err.Error())
}
