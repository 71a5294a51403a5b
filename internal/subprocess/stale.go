package subprocess

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/wagiedev/external-recorder-go/internal/config"
	"github.com/wagiedev/external-recorder-go/internal/errors"
)

const (
	// staleKillAttempts is the number of TERM/KILL rounds tried per spawn.
	staleKillAttempts = 2

	// staleKillWait is slept after each signal before re-checking.
	staleKillWait = 50 * time.Millisecond
)

// procRoot is the procfs mount scanned for stale recorders.
var procRoot = "/proc"

// FindInstances returns the pids of processes whose command line is exactly
// the given recorder command. The calling process is never included.
func FindInstances(rc config.RecorderCommand) []int {
	entries, err := os.ReadDir(procRoot)
	if err != nil {
		return nil
	}

	want := append([]string{rc.Path}, rc.Args...)
	self := os.Getpid()

	var pids []int

	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self {
			continue
		}

		raw, err := os.ReadFile(filepath.Join(procRoot, entry.Name(), "cmdline"))
		if err != nil || len(raw) == 0 {
			continue
		}

		argv := bytes.Split(bytes.TrimSuffix(raw, []byte{0}), []byte{0})
		if slices.EqualFunc(argv, want, func(a []byte, b string) bool { return string(a) == b }) {
			pids = append(pids, pid)
		}
	}

	return pids
}

// KillStale terminates any running process with the recorder's exact command
// line. Each round sends SIGTERM, waits briefly, then sends SIGKILL to the
// survivors. Returns SpawnError if an instance outlives every round.
func KillStale(ctx context.Context, log *slog.Logger, rc config.RecorderCommand) error {
	for attempt := range staleKillAttempts {
		pids := FindInstances(rc)
		if len(pids) == 0 {
			return nil
		}

		log.Warn("Found stale recorder instance", "command", rc.String(), "pids", pids, "attempt", attempt+1)

		signalAll(log, pids, unix.SIGTERM)

		if err := sleepCtx(ctx, staleKillWait); err != nil {
			return err
		}

		pids = FindInstances(rc)
		if len(pids) == 0 {
			return nil
		}

		signalAll(log, pids, unix.SIGKILL)

		if err := sleepCtx(ctx, staleKillWait); err != nil {
			return err
		}
	}

	if pids := FindInstances(rc); len(pids) > 0 {
		log.Error("Stale recorder instance could not be terminated", "command", rc.String(), "pids", pids)

		return &errors.SpawnError{
			Path:   rc.Path,
			Reason: "prior instance with identical command line could not be terminated",
		}
	}

	return nil
}

func signalAll(log *slog.Logger, pids []int, sig unix.Signal) {
	for _, pid := range pids {
		if err := unix.Kill(pid, sig); err != nil && err != unix.ESRCH {
			log.Warn("Failed to signal stale recorder", "pid", pid, "signal", sig.String(), "error", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
