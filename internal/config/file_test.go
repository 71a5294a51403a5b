package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	return path
}

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.toml")

	cfg, resolved, exists, err := Load(path)
	require.NoError(t, err)
	require.False(t, exists)
	require.Equal(t, path, resolved)
	require.Equal(t, DefaultChunkSize, cfg.Stream.ChunkSize)
	require.Equal(t, "auto", cfg.Logging.Format)
	require.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_OverridesAndOptions(t *testing.T) {
	path := writeConfig(t, `
[recorder]
device = "/opt/rec --conf x.conf"
input_id = 3
extra_args = ["--loglevel", "debug"]

[stream]
chunk_size = 1880
high_water_chunks = 2
stall_window = "5s"
status_check_interval = "0s"

[protocol]
api_version = 2
command_timeout = "250ms"

[logging]
format = " JSON "
level = "DEBUG"
`)

	cfg, _, exists, err := Load(path)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, "/opt/rec --conf x.conf", cfg.Recorder.Device)
	require.Equal(t, 3, cfg.Recorder.InputID)
	require.Equal(t, "json", cfg.Logging.Format)
	require.Equal(t, "debug", cfg.Logging.Level)

	opts := cfg.Options()
	require.Equal(t, 1880, opts.ChunkSize)
	require.Equal(t, 2*1880, opts.HighWaterMark())
	require.Equal(t, 5*time.Second, opts.StallWindow)
	require.Equal(t, time.Duration(0), opts.StatusCheckInterval)
	require.Equal(t, 250*time.Millisecond, opts.CommandTimeout)
	require.Equal(t, DefaultRestartBackoff, opts.RestartBackoff)
	require.Equal(t, 2, opts.ForceAPIVersion)
	require.Equal(t, []string{"--loglevel", "debug"}, opts.ExtraArgs)
	require.Empty(t, opts.LockDir)
}

func TestLoad_LockDirExpanded(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, "[lock]\nenabled = true\ndir = \""+dir+"/./locks\"\n")

	cfg, _, _, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "locks"), cfg.Lock.Dir)
	require.Equal(t, filepath.Join(dir, "locks"), cfg.Options().LockDir)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "chunk not packet aligned", body: "[stream]\nchunk_size = 1000\n"},
		{name: "bad duration", body: "[stream]\nstall_window = \"soon\"\n"},
		{name: "negative duration", body: "[protocol]\nclose_timeout = \"-1s\"\n"},
		{name: "api version", body: "[protocol]\napi_version = 3\n"},
		{name: "log format", body: "[logging]\nformat = \"xml\"\n"},
		{name: "unknown key", body: "[stream]\nturbo = true\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, _, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
		})
	}
}

func TestLoad_DirectoryRejected(t *testing.T) {
	_, _, _, err := Load(t.TempDir())
	require.ErrorContains(t, err, "is a directory")
}

func TestCreateSample_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	require.NoError(t, CreateSample(path))

	cfg, _, exists, err := Load(path)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, 1, cfg.Recorder.InputID)
	require.Equal(t, DefaultChunkSize, cfg.Stream.ChunkSize)
	require.Equal(t, SampleConfig(), mustRead(t, path))
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := ExpandPath("~/rec/config.toml")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(home, "rec", "config.toml"), got)

	got, err = ExpandPath("")
	require.NoError(t, err)
	require.Empty(t, got)
}

func mustRead(t *testing.T, path string) string {
	t.Helper()

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	return string(data)
}
