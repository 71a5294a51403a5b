package stream

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/wagiedev/external-recorder-go/internal/errors"
)

// loopState is owned by the acquisition goroutine.
type loopState struct {
	streaming        bool
	restartRequested bool
	restartCnt       int
	lastData         time.Time
	lastStatus       time.Time
}

// run is the acquisition loop. It paces the recorder, reads stream data,
// dispatches it to listeners and restarts the stream when it stalls.
func (h *Handler) run(ctx context.Context) error {
	defer close(h.done)

	h.log.Debug("Acquisition loop started")
	defer h.log.Debug("Acquisition loop finished")

	scratch := make([]byte, h.opts.ChunkSize)

	var ls loopState

	for {
		if ctx.Err() != nil || h.stopping.Load() {
			return nil
		}

		if h.fatal() {
			h.abort(errors.ErrHandlerFatal)

			return nil
		}

		if h.streamingCnt.Load() == 0 {
			ls.streaming = false
			ls.restartRequested = false

			if !h.sleep(ctx, h.opts.IdlePoll) {
				return nil
			}

			continue
		}

		if !ls.streaming {
			now := time.Now()
			ls = loopState{streaming: true, lastData: now, lastStatus: now, restartCnt: ls.restartCnt}
		}

		if !h.tsOpen && !h.checkOpen(ctx) {
			ls.lastData = time.Now()

			if !h.sleep(ctx, h.opts.IdlePoll) {
				return nil
			}

			continue
		}

		if ls.restartRequested {
			if !h.handleRestart(ctx, &ls) {
				return nil
			}

			continue
		}

		if err := h.requestData(ctx); err != nil {
			if h.fatal() {
				continue
			}

			ls.restartRequested = true

			continue
		}

		read := false

		if h.xon.Load() {
			h.checkStatus(ctx, &ls)
			h.applyBackPressure(ctx, &ls)

			n, err := h.readChunk(scratch)
			if err != nil {
				h.abort(err)

				return nil
			}

			switch {
			case n > 0:
				read = true
				ls.lastData = time.Now()
				ls.restartCnt = 0
			case h.buffered() >= h.opts.HighWaterMark()+h.opts.ChunkSize:
				// Consumers are behind; no read was issued.
				ls.lastData = time.Now()
			case time.Since(ls.lastData) >= h.opts.StallWindow:
				stall := &errors.StallError{Window: h.opts.StallWindow}
				h.log.Warn("Stream stalled, restarting", "error", stall)

				ls.restartRequested = true
				ls.lastData = time.Now()
			}
		} else {
			// Paused: nothing is expected until the buffer drains.
			ls.lastData = time.Now()
		}

		if !h.dispatch() && !read {
			if !h.sleep(ctx, h.opts.IdlePoll) {
				return nil
			}
		}
	}
}

// checkOpen asks the recorder whether its stream source is open. Any OK
// reply counts. Nothing is requested or read until it does.
func (h *Handler) checkOpen(ctx context.Context) bool {
	if _, err := h.session.Execute(ctx, "IsOpen?"); err != nil {
		h.log.Debug("Recorder stream source not open yet", "error", err)

		return false
	}

	h.tsOpen = true
	h.log.Info("Recorder stream source is open")

	return true
}

// requestData sends the readiness command: SendBytes in poll mode, XON
// otherwise when paused. Nothing is sent while the buffer is over the high
// water mark. ERR replies are fatal.
func (h *Handler) requestData(ctx context.Context) error {
	poll := h.caps.FlowControl == FlowPoll
	if h.xon.Load() && !poll {
		return nil
	}

	if h.buffered() > h.opts.HighWaterMark() {
		return nil
	}

	// A start or stop in progress owns the stream commands.
	if !h.startMu.TryLock() {
		return nil
	}
	defer h.startMu.Unlock()

	if h.streamingCnt.Load() == 0 {
		return nil
	}

	text := "XON"
	if poll {
		text = "SendBytes"
	}

	if _, err := h.session.Execute(ctx, text); err != nil {
		if ce, ok := stderrors.AsType[*errors.CommandError](err); ok && !ce.IsWarning() {
			h.fail(fmt.Errorf("recorder refused %s: %w", text, err))

			return err
		}

		h.log.Warn("Readiness command failed, restarting stream", "command", text, "error", err)

		return err
	}

	h.xon.Store(true)

	return nil
}

func (h *Handler) checkStatus(ctx context.Context, ls *loopState) {
	if time.Since(ls.lastStatus) < h.opts.StatusCheckInterval {
		return
	}

	ls.lastStatus = time.Now()

	if ctx.Err() != nil {
		return
	}

	if err := h.session.CheckNotices(0); err != nil {
		if h.fatal() {
			return
		}

		h.log.Warn("Status check failed, restarting stream", "error", err)

		ls.restartRequested = true
	}
}

// applyBackPressure pauses inbound flow when consumers fall behind.
func (h *Handler) applyBackPressure(ctx context.Context, ls *loopState) {
	if h.caps.FlowControl == FlowPoll {
		return
	}

	if h.buffered() <= h.opts.HighWaterMark() {
		return
	}

	if _, err := h.session.Execute(ctx, "XOFF"); err != nil {
		h.log.Warn("XOFF failed", "error", err)

		if !h.fatal() {
			ls.restartRequested = true
		}

		return
	}

	h.log.Debug("Paused inbound flow", "buffered", h.buffered())
	h.xon.Store(false)
}

// readChunk reads at most up to the next chunk boundary of the working
// buffer. No read is issued once a chunk past the high water mark is held.
func (h *Handler) readChunk(scratch []byte) (int, error) {
	buffered := h.buffered()
	if buffered >= h.opts.HighWaterMark()+h.opts.ChunkSize {
		return 0, nil
	}

	size := h.opts.ChunkSize - buffered%h.opts.ChunkSize

	n, err := h.readData(scratch[:size], h.opts.ReadTimeout)
	if err != nil {
		return 0, err
	}

	if n <= 0 {
		return 0, nil
	}

	h.streamMu.Lock()
	h.buffer = append(h.buffer, scratch[:n]...)
	h.streamMu.Unlock()

	h.bytesRead.Add(uint64(n))

	return n, nil
}

func (h *Handler) buffered() int {
	h.streamMu.Lock()
	defer h.streamMu.Unlock()

	return len(h.buffer)
}

// handleRestart restarts the stream, backing off when the previous restart
// produced no data. It returns false when the loop should exit.
func (h *Handler) handleRestart(ctx context.Context, ls *loopState) bool {
	if ls.restartCnt > 0 && h.opts.RestartBackoff > 0 {
		h.log.Info("Previous restart produced no data, backing off", "backoff", h.opts.RestartBackoff)

		if !h.sleep(ctx, h.opts.RestartBackoff) {
			return false
		}
	}

	ls.restartRequested = false
	ls.restartCnt++

	if err := h.restartStream(ctx); err != nil {
		if ce, ok := stderrors.AsType[*errors.CommandError](err); ok && ce.IsWarning() {
			h.log.Warn("Restart returned warning", "payload", ce.Payload)
		} else if !stderrors.Is(err, context.Canceled) {
			h.abort(fmt.Errorf("restart stream: %w", err))

			return false
		}
	}

	now := time.Now()
	ls.lastData = now
	ls.lastStatus = now

	return true
}

// restartStream stops the recorder's stream and starts it again after the
// cooldown, leaving the streaming count untouched.
func (h *Handler) restartStream(ctx context.Context) error {
	h.startMu.Lock()
	defer h.startMu.Unlock()

	if h.streamingCnt.Load() == 0 {
		return nil
	}

	h.restarts.Add(1)
	h.setState(StateRestarting)
	h.log.Info("Restarting stream")

	if err := h.sendStop(ctx); err != nil && h.fatal() {
		return err
	}

	if !h.sleep(ctx, h.opts.RestartCooldown) {
		return context.Canceled
	}

	h.tsOpen = false

	if err := h.sendStart(ctx); err != nil {
		return err
	}

	h.setState(StateStreaming)

	return nil
}

// dispatch hands the working buffer to every listener. It reports whether
// anything was delivered.
func (h *Handler) dispatch() bool {
	h.streamMu.Lock()
	defer h.streamMu.Unlock()

	size := len(h.buffer)
	if size < h.opts.MinDispatchSize {
		return false
	}

	h.listenersMu.RLock()

	listeners := len(h.listeners)
	remainder := 0

	for _, c := range h.listeners {
		r := c.ProcessData(h.buffer)
		remainder = max(remainder, min(max(r, 0), size))
	}

	h.listenersMu.RUnlock()

	consumed := size - remainder
	if consumed == 0 {
		return false
	}

	if h.replay {
		h.appendReplayLocked(h.buffer[:consumed])
	}

	h.buffer = h.buffer[:copy(h.buffer, h.buffer[consumed:])]

	if listeners > 0 {
		h.delivered.Add(uint64(consumed))
	}

	return true
}

// abort tears the recorder down after an unrecoverable failure.
func (h *Handler) abort(err error) {
	h.fail(err)

	h.ioMu.Lock()
	ch := h.ch
	h.ioMu.Unlock()

	if ch != nil {
		if terr := ch.Terminate(h.opts.TerminateGrace); terr != nil {
			h.log.Debug("Terminate after failure", "error", terr)
		}
	}
}

// sleep waits for d or until the handler is closed. It returns false when
// the loop should exit.
func (h *Handler) sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
