package cli

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/wagiedev/external-recorder-go/internal/config"
)

const (
	flagQuiet      = "--quiet"
	flagQuietShort = "-q"
	flagInputID    = "--inputid"
)

// BuildCommand splits deviceSpec into the recorder program and its arguments
// and appends the arguments every recorder receives.
//
// extraArgs are placed after the device spec arguments and before the quiet
// and input id flags.
func BuildCommand(deviceSpec string, majorID int, extraArgs []string) (config.RecorderCommand, error) {
	fields := strings.Fields(deviceSpec)
	if len(fields) == 0 {
		return config.RecorderCommand{}, fmt.Errorf("empty device spec")
	}

	args := make([]string, 0, len(fields)+len(extraArgs)+3)
	args = append(args, fields[1:]...)

	for _, extra := range extraArgs {
		args = append(args, strings.Fields(extra)...)
	}

	// Pass one and only one quiet flag.
	if !slices.Contains(args, flagQuiet) && !slices.Contains(args, flagQuietShort) {
		args = append(args, flagQuiet)
	}

	args = append(args, flagInputID, strconv.Itoa(majorID))

	return config.RecorderCommand{Path: fields[0], Args: args}, nil
}
