package stream

import (
	"context"
	stderrors "errors"
	"fmt"
	"slices"
	"time"

	"github.com/wagiedev/external-recorder-go/internal/errors"
	"github.com/wagiedev/external-recorder-go/internal/protocol"
)

// StartStreaming asks the recorder to begin producing data. Calls are
// reference counted; only the first one sends StartStreaming.
//
// A WARN reply is returned as a *CommandError with IsWarning set and leaves
// the count unchanged. Any other failure makes the handler fatal.
func (h *Handler) StartStreaming(ctx context.Context) error {
	if h.State() == StateClosed {
		return errors.ErrClosed
	}

	if h.fatal() {
		return h.fatalOrDefault()
	}

	h.startMu.Lock()
	defer h.startMu.Unlock()

	if h.streamingCnt.Load() > 0 {
		n := h.streamingCnt.Add(1)
		h.log.Debug("Already streaming", "streaming_count", n)

		return nil
	}

	if err := h.sendStart(ctx); err != nil {
		if ce, ok := stderrors.AsType[*errors.CommandError](err); ok && ce.IsWarning() {
			h.log.Warn("StartStreaming returned warning", "payload", ce.Payload)

			return err
		}

		h.fail(fmt.Errorf("start streaming: %w", err))

		return h.Err()
	}

	h.streamingCnt.Add(1)
	h.setState(StateStreaming)

	return nil
}

func (h *Handler) sendStart(ctx context.Context) error {
	resp, err := h.session.ExecuteCommand(ctx, protocol.Command{Text: "StartStreaming", Timeout: startTimeout})
	if err != nil {
		return err
	}

	h.log.Info("Streaming started", "reply", resp.Payload)

	return nil
}

// StopStreaming releases one StartStreaming. When the count reaches zero the
// recorder is paused, told to stop and its data pipe is purged.
func (h *Handler) StopStreaming(ctx context.Context) error {
	h.startMu.Lock()
	defer h.startMu.Unlock()

	cnt := h.streamingCnt.Load()
	if cnt == 0 {
		h.log.Debug("Not streaming")

		return nil
	}

	if cnt > 1 {
		n := h.streamingCnt.Add(-1)
		h.log.Debug("Still streaming", "streaming_count", n)

		return nil
	}

	h.streamingCnt.Store(0)

	err := h.sendStop(ctx)

	h.setState(StateIdle)

	return err
}

func (h *Handler) sendStop(ctx context.Context) error {
	if h.fatal() {
		return h.fatalOrDefault()
	}

	if h.xon.Load() && h.caps.FlowControl != FlowPoll {
		if _, err := h.session.Execute(ctx, "XOFF"); err != nil {
			h.log.Warn("XOFF failed before stop", "error", err)
		}
	}

	h.xon.Store(false)

	if _, err := h.session.ExecuteCommand(ctx, protocol.Command{Text: "StopStreaming", Timeout: stopTimeout}); err != nil {
		ce, isCmd := stderrors.AsType[*errors.CommandError](err)
		if isCmd && ce.IsWarning() {
			h.log.Warn("StopStreaming returned warning", "payload", ce.Payload)

			return fmt.Errorf("stop streaming: %w", err)
		}

		h.log.Error("StopStreaming failed", "error", err)

		// A failed stop leaves the recorder in an unknown state.
		if isCmd || ctx.Err() == nil {
			h.fail(fmt.Errorf("stop streaming: %w", err))
		}

		return fmt.Errorf("stop streaming: %w", err)
	}

	h.purge()

	h.log.Info("Streaming stopped")

	return nil
}

// purge discards anything left on the data pipe and in the working buffer.
func (h *Handler) purge() {
	scratch := make([]byte, h.opts.ChunkSize)

	discarded := 0

	for range purgeReads {
		n, err := h.readData(scratch, time.Millisecond)
		if n <= 0 || err != nil {
			break
		}

		discarded += n
	}

	h.streamMu.Lock()
	discarded += len(h.buffer)
	h.buffer = h.buffer[:0]
	h.streamMu.Unlock()

	if discarded > 0 {
		h.log.Debug("Purged stream data", "bytes", discarded)
	}
}

func (h *Handler) fatalOrDefault() error {
	if err := h.Err(); err != nil {
		return err
	}

	return errors.ErrHandlerFatal
}

// AddListener registers a consumer. Adding the same consumer twice has no
// effect.
func (h *Handler) AddListener(c Consumer) {
	if c == nil {
		return
	}

	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()

	if slices.Contains(h.listeners, c) {
		return
	}

	h.listeners = append(h.listeners, c)
	h.log.Debug("Listener added", "listeners", len(h.listeners))
}

// RemoveListener unregisters a consumer. It reports whether it was present.
func (h *Handler) RemoveListener(c Consumer) bool {
	h.listenersMu.Lock()
	defer h.listenersMu.Unlock()

	i := slices.Index(h.listeners, c)
	if i < 0 {
		return false
	}

	h.listeners = slices.Delete(h.listeners, i, i+1)
	h.log.Debug("Listener removed", "listeners", len(h.listeners))

	return true
}

// RegisterConsumer adds c as a listener and starts streaming.
func (h *Handler) RegisterConsumer(ctx context.Context, c Consumer) error {
	h.AddListener(c)

	if err := h.StartStreaming(ctx); err != nil {
		h.RemoveListener(c)

		return err
	}

	return nil
}

// UnregisterConsumer stops streaming for c and removes it as a listener.
func (h *Handler) UnregisterConsumer(ctx context.Context, c Consumer) error {
	if !h.RemoveListener(c) {
		return nil
	}

	return h.StopStreaming(ctx)
}
