package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Recorder contains the recorder program settings.
type Recorder struct {
	Device    string   `toml:"device"`
	InputID   int      `toml:"input_id"`
	ExtraArgs []string `toml:"extra_args"`
}

// Stream contains acquisition loop settings.
type Stream struct {
	ChunkSize           int    `toml:"chunk_size"`
	HighWaterChunks     int    `toml:"high_water_chunks"`
	ReplayChunks        int    `toml:"replay_chunks"`
	ReadTimeout         string `toml:"read_timeout"`
	StatusCheckInterval string `toml:"status_check_interval"`
	StallWindow         string `toml:"stall_window"`
	RestartCooldown     string `toml:"restart_cooldown"`
	RestartBackoff      string `toml:"restart_backoff"`
}

// Protocol contains control protocol settings.
type Protocol struct {
	APIVersion       int    `toml:"api_version"`
	CommandTimeout   string `toml:"command_timeout"`
	CommandRetries   int    `toml:"command_retries"`
	IOErrorThreshold int    `toml:"io_error_threshold"`
	CloseTimeout     string `toml:"close_timeout"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Lock contains cross-process device lock settings.
type Lock struct {
	Enabled bool   `toml:"enabled"`
	Dir     string `toml:"dir"`
}

// File is the on-disk configuration used by the extrec command.
//
// Durations are written as Go duration strings ("100ms", "50s").
type File struct {
	Recorder Recorder `toml:"recorder"`
	Stream   Stream   `toml:"stream"`
	Protocol Protocol `toml:"protocol"`
	Logging  Logging  `toml:"logging"`
	Lock     Lock     `toml:"lock"`
}

// DefaultFile returns a File populated with default values.
func DefaultFile() File {
	return File{
		Recorder: Recorder{InputID: 1},
		Stream: Stream{
			ChunkSize:           DefaultChunkSize,
			HighWaterChunks:     DefaultHighWaterChunks,
			ReplayChunks:        DefaultReplayChunks,
			ReadTimeout:         DefaultReadTimeout.String(),
			StatusCheckInterval: DefaultStatusCheckInterval.String(),
			StallWindow:         DefaultStallWindow.String(),
			RestartCooldown:     DefaultRestartCooldown.String(),
			RestartBackoff:      DefaultRestartBackoff.String(),
		},
		Protocol: Protocol{
			CommandTimeout:   DefaultCommandTimeout.String(),
			CommandRetries:   DefaultCommandRetries,
			IOErrorThreshold: DefaultIOErrorThreshold,
			CloseTimeout:     DefaultCloseTimeout.String(),
		},
		Logging: Logging{
			Format: "auto",
			Level:  "info",
		},
		Lock: Lock{
			Dir: defaultLockDir(),
		},
	}
}

// DefaultPath returns the absolute path to the default configuration file location.
func DefaultPath() (string, error) {
	return ExpandPath("~/.config/extrec/config.toml")
}

// Load parses, normalizes and validates a configuration file. A missing file
// yields the defaults. The resolved path and whether it existed are returned
// alongside the config.
func Load(path string) (*File, string, bool, error) {
	cfg := DefaultFile()

	resolved, exists, err := resolvePath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolved)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		if err := toml.NewDecoder(file).DisallowUnknownFields().Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolved, exists, nil
}

func resolvePath(path string) (string, bool, error) {
	if strings.TrimSpace(path) == "" {
		var err error

		path, err = DefaultPath()
		if err != nil {
			return "", false, err
		}
	}

	expanded, err := ExpandPath(path)
	if err != nil {
		return "", false, err
	}

	info, err := os.Stat(expanded)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return expanded, false, nil
		}

		return "", false, fmt.Errorf("stat config: %w", err)
	}

	if info.IsDir() {
		return "", false, fmt.Errorf("config path %q is a directory", expanded)
	}

	return expanded, true, nil
}

func (f *File) normalize() error {
	f.Recorder.Device = strings.TrimSpace(f.Recorder.Device)
	f.Logging.Format = strings.ToLower(strings.TrimSpace(f.Logging.Format))
	f.Logging.Level = strings.ToLower(strings.TrimSpace(f.Logging.Level))

	if f.Logging.Format == "" {
		f.Logging.Format = "auto"
	}

	if f.Logging.Level == "" {
		f.Logging.Level = "info"
	}

	if f.Lock.Enabled {
		if strings.TrimSpace(f.Lock.Dir) == "" {
			f.Lock.Dir = defaultLockDir()
		}

		dir, err := ExpandPath(f.Lock.Dir)
		if err != nil {
			return fmt.Errorf("lock.dir: %w", err)
		}

		f.Lock.Dir = dir
	}

	return nil
}

// Validate ensures the configuration is usable.
func (f *File) Validate() error {
	if f.Stream.ChunkSize < 0 || f.Stream.ChunkSize%TSPacketSize != 0 {
		return fmt.Errorf("stream.chunk_size must be a positive multiple of %d", TSPacketSize)
	}

	if f.Stream.HighWaterChunks < 0 {
		return errors.New("stream.high_water_chunks must not be negative")
	}

	if f.Stream.ReplayChunks < 0 {
		return errors.New("stream.replay_chunks must not be negative")
	}

	switch f.Protocol.APIVersion {
	case 0, 1, 2:
	default:
		return fmt.Errorf("protocol.api_version must be 0 (negotiate), 1 or 2, got %d", f.Protocol.APIVersion)
	}

	if f.Protocol.CommandRetries < 0 {
		return errors.New("protocol.command_retries must not be negative")
	}

	if f.Protocol.IOErrorThreshold < 0 {
		return errors.New("protocol.io_error_threshold must not be negative")
	}

	switch f.Logging.Format {
	case "auto", "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", f.Logging.Format)
	}

	durations := map[string]string{
		"stream.read_timeout":          f.Stream.ReadTimeout,
		"stream.status_check_interval": f.Stream.StatusCheckInterval,
		"stream.stall_window":          f.Stream.StallWindow,
		"stream.restart_cooldown":      f.Stream.RestartCooldown,
		"stream.restart_backoff":       f.Stream.RestartBackoff,
		"protocol.command_timeout":     f.Protocol.CommandTimeout,
		"protocol.close_timeout":       f.Protocol.CloseTimeout,
	}
	for key, value := range durations {
		if _, err := parseDuration(value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	return nil
}

// Options converts the file settings into handler Options. Durations have
// already been validated, so parse failures fall back to defaults.
func (f *File) Options() *Options {
	o := &Options{
		ChunkSize:        f.Stream.ChunkSize,
		HighWaterChunks:  f.Stream.HighWaterChunks,
		ReplayChunks:     f.Stream.ReplayChunks,
		CommandRetries:   f.Protocol.CommandRetries,
		IOErrorThreshold: f.Protocol.IOErrorThreshold,
		ForceAPIVersion:  f.Protocol.APIVersion,
		ExtraArgs:        append([]string(nil), f.Recorder.ExtraArgs...),

		StatusCheckInterval: DefaultStatusCheckInterval,
		RestartBackoff:      DefaultRestartBackoff,
	}

	setDuration(&o.ReadTimeout, f.Stream.ReadTimeout)
	setDuration(&o.StatusCheckInterval, f.Stream.StatusCheckInterval)
	setDuration(&o.StallWindow, f.Stream.StallWindow)
	setDuration(&o.RestartCooldown, f.Stream.RestartCooldown)
	setDuration(&o.RestartBackoff, f.Stream.RestartBackoff)
	setDuration(&o.CommandTimeout, f.Protocol.CommandTimeout)
	setDuration(&o.CloseTimeout, f.Protocol.CloseTimeout)

	if f.Lock.Enabled {
		o.LockDir = f.Lock.Dir
	}

	o.ApplyDefaults()

	return o
}

func setDuration(dst *time.Duration, value string) {
	if d, err := parseDuration(value); err == nil && strings.TrimSpace(value) != "" {
		*dst = d
	}
}

func parseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, err
	}

	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", value)
	}

	return d, nil
}

// SampleConfig returns the embedded sample configuration.
func SampleConfig() string {
	return sampleConfig
}

// CreateSample writes the sample configuration file to path.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}

	return nil
}

// ExpandPath expands a leading tilde and returns an absolute, cleaned path.
func ExpandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}

	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}

		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && pathValue[1] == '/' {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}

	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}

	return absolute, nil
}

func defaultLockDir() string {
	if base, ok := os.LookupEnv("XDG_RUNTIME_DIR"); ok && strings.TrimSpace(base) != "" {
		return filepath.Join(base, "extrec")
	}

	return filepath.Join(os.TempDir(), "extrec")
}
