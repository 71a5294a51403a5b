package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"strings"

	"golang.org/x/sys/unix"

	recerrors "github.com/wagiedev/external-recorder-go/internal/errors"
)

// Resolve returns the path of the recorder program. A name without a path
// separator is looked up in PATH.
func Resolve(program string) (string, error) {
	if program == "" {
		return "", &recerrors.SpawnError{Path: program, Reason: "no recorder program given"}
	}

	if strings.ContainsRune(program, os.PathSeparator) {
		return program, nil
	}

	path, err := exec.LookPath(program)
	if err != nil {
		return "", &recerrors.SpawnError{Path: program, Reason: "not found in PATH", Err: err}
	}

	return path, nil
}

// ValidateExecutable checks that path names a regular file that the current
// user may read and execute.
func ValidateExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &recerrors.SpawnError{Path: path, Reason: "does not exist", Err: err}
		}

		return &recerrors.SpawnError{Path: path, Reason: "stat failed", Err: err}
	}

	if !info.Mode().IsRegular() {
		return &recerrors.SpawnError{Path: path, Reason: fmt.Sprintf("not a regular file (%s)", info.Mode().Type())}
	}

	if err := unix.Access(path, unix.R_OK); err != nil {
		return &recerrors.SpawnError{Path: path, Reason: "not readable", Err: err}
	}

	if err := unix.Access(path, unix.X_OK); err != nil {
		return &recerrors.SpawnError{Path: path, Reason: "not executable", Err: err}
	}

	return nil
}
