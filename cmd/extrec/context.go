package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	extrec "github.com/wagiedev/external-recorder-go"
	"github.com/wagiedev/external-recorder-go/internal/config"
	"github.com/wagiedev/external-recorder-go/internal/logging"
)

type globalFlags struct {
	config    string
	logLevel  string
	logFormat string
}

type commandContext struct {
	flags *globalFlags

	configOnce sync.Once
	config     *config.File
	configPath string
	configSeen bool
	configErr  error
}

func newCommandContext(flags *globalFlags) *commandContext {
	return &commandContext{flags: flags}
}

func (c *commandContext) ensureConfig() (*config.File, error) {
	c.configOnce.Do(func() {
		cfg, path, exists, err := config.Load(strings.TrimSpace(c.flags.config))
		if err != nil {
			c.configErr = err

			return
		}

		c.config = cfg
		c.configPath = path
		c.configSeen = exists
	})

	return c.config, c.configErr
}

// logger builds the CLI logger. Flags take precedence over the file.
func (c *commandContext) logger(w io.Writer) (*slog.Logger, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}

	level := cfg.Logging.Level
	if c.flags.logLevel != "" {
		level = c.flags.logLevel
	}

	format := cfg.Logging.Format
	if c.flags.logFormat != "" {
		format = c.flags.logFormat
	}

	log, err := logging.New(logging.Options{Level: level, Format: format, Writer: w})
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}

	return log, nil
}

// recorderOptions returns the handler options from the config file plus log.
func (c *commandContext) recorderOptions(log *slog.Logger) ([]extrec.Option, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return nil, err
	}

	return []extrec.Option{
		extrec.WithOptions(cfg.Options()),
		extrec.WithLogger(log),
	}, nil
}

// recorderTarget resolves the device spec and input id from flags or config.
func (c *commandContext) recorderTarget(device string, inputID int) (string, int, error) {
	cfg, err := c.ensureConfig()
	if err != nil {
		return "", 0, err
	}

	if strings.TrimSpace(device) == "" {
		device = cfg.Recorder.Device
	}

	if inputID <= 0 {
		inputID = cfg.Recorder.InputID
	}

	if strings.TrimSpace(device) == "" {
		return "", 0, fmt.Errorf("no recorder device: pass --device or set recorder.device in the config")
	}

	if inputID <= 0 {
		return "", 0, fmt.Errorf("input id must be positive, got %d", inputID)
	}

	return device, inputID, nil
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}

	return false
}

func yesNo(value bool) string {
	if value {
		return "yes"
	}

	return "no"
}
