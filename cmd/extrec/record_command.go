package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	extrec "github.com/wagiedev/external-recorder-go"
)

const progressInterval = 10 * time.Second

func newRecordCommand(ctx *commandContext) *cobra.Command {
	var (
		device   string
		inputID  int
		output   string
		duration time.Duration
		replay   bool
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Stream a recorder's output into a file",
		Long: `Record spawns the recorder, starts streaming and writes whole transport
stream packets to the output until the duration elapses or the process is
interrupted. With --replay, SIGUSR1 writes the replay buffer out again.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			device, inputID, err := ctx.recorderTarget(device, inputID)
			if err != nil {
				return err
			}

			log, err := ctx.logger(cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			opts, err := ctx.recorderOptions(log)
			if err != nil {
				return err
			}

			out, closeOut, err := openOutput(output, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer closeOut()

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if duration > 0 {
				var cancel context.CancelFunc

				runCtx, cancel = context.WithTimeout(runCtx, duration)
				defer cancel()
			}

			written, err := record(runCtx, log, recordRequest{
				device:  device,
				inputID: inputID,
				replay:  replay,
				out:     out,
				opts:    opts,
			})

			log.Info("Recording finished", "bytes", written, "output", outputName(output))

			if name := outputName(output); name != "stdout" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Recorded %s to %s\n", formatBytes(written), name)
			}

			return err
		},
	}

	cmd.Flags().StringVarP(&device, "device", "d", "", "Recorder program and arguments")
	cmd.Flags().IntVarP(&inputID, "input-id", "i", 0, "Input id passed to the recorder")
	cmd.Flags().StringVarP(&output, "output", "o", "-", "Output file, - for stdout")
	cmd.Flags().DurationVar(&duration, "duration", 0, "Stop after this long (0 records until interrupted)")
	cmd.Flags().BoolVar(&replay, "replay", false, "Keep a replay buffer; SIGUSR1 writes it again")

	return cmd
}

type recordRequest struct {
	device  string
	inputID int
	replay  bool
	out     io.Writer
	opts    []extrec.Option
}

// record streams until ctx ends or the handler fails. It returns the number
// of bytes written.
func record(ctx context.Context, log *slog.Logger, req recordRequest) (int64, error) {
	reg := extrec.NewRegistry(req.opts...)
	defer reg.Close()

	caller := "record-" + ulid.Make().String()

	h, err := reg.Acquire(ctx, req.device, caller, req.inputID)
	if err != nil {
		return 0, fmt.Errorf("open recorder: %w", err)
	}
	defer reg.Release(&h, caller)

	h.SetReplay(req.replay)

	sink := newPacketSink(req.out)

	if err := h.RegisterConsumer(ctx, sink); err != nil {
		return 0, fmt.Errorf("start streaming: %w", err)
	}

	replays := make(chan os.Signal, 1)
	if req.replay {
		signal.Notify(replays, syscall.SIGUSR1)
		defer signal.Stop(replays)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case <-h.Done():
			return h.Err()
		}
	})

	g.Go(func() error {
		ticker := time.NewTicker(progressInterval)
		defer ticker.Stop()

		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				stats := h.Stats()
				log.Info("Recording",
					"state", stats.State.String(),
					"bytes_read", stats.BytesRead,
					"bytes_written", sink.Written(),
					"restarts", stats.Restarts,
				)
			case <-replays:
				n := h.Replay(gctx)
				log.Info("Replayed buffer", "bytes", n)
				h.SetReplay(true)
			}
		}
	})

	runErr := g.Wait()

	if err := h.UnregisterConsumer(context.Background(), sink); err != nil {
		log.Warn("Stopping stream failed", "error", err)
	}

	if err := sink.Flush(); err != nil && runErr == nil {
		runErr = fmt.Errorf("write output: %w", err)
	}

	return sink.Written(), runErr
}

// packetSink writes whole transport stream packets to w.
type packetSink struct {
	mu      sync.Mutex
	w       *bufio.Writer
	written int64
	err     error
}

func newPacketSink(w io.Writer) *packetSink {
	return &packetSink{w: bufio.NewWriterSize(w, extrec.TSPacketSize*512)}
}

// ProcessData implements extrec.Consumer.
func (s *packetSink) ProcessData(p []byte) int {
	n := len(p) - len(p)%extrec.TSPacketSize

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err == nil {
		var wrote int

		wrote, s.err = s.w.Write(p[:n])
		s.written += int64(wrote)
	}

	return len(p) - n
}

func (s *packetSink) Written() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.written
}

func (s *packetSink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err != nil {
		return s.err
	}

	return s.w.Flush()
}

func openOutput(path string, stdout io.Writer) (io.Writer, func(), error) {
	path = strings.TrimSpace(path)
	if path == "" || path == "-" {
		return stdout, func() {}, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("create output: %w", err)
	}

	return f, func() { _ = f.Close() }, nil
}

func outputName(path string) string {
	if path == "" || path == "-" {
		return "stdout"
	}

	return path
}
