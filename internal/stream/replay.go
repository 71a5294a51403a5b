package stream

import "context"

// SetReplay enables or disables replay buffering. Disabling drops anything
// already buffered.
func (h *Handler) SetReplay(enabled bool) {
	h.streamMu.Lock()
	defer h.streamMu.Unlock()

	h.replay = enabled
	if !enabled {
		h.replayBuf = h.replayBuf[:0]
	}
}

// ReplayEnabled reports whether replay buffering is active.
func (h *Handler) ReplayEnabled() bool {
	h.streamMu.Lock()
	defer h.streamMu.Unlock()

	return h.replay
}

// appendReplayLocked adds delivered bytes to the replay buffer, dropping the
// oldest bytes beyond the cap. streamMu must be held.
func (h *Handler) appendReplayLocked(p []byte) {
	limit := h.opts.ReplayCap()
	if len(p) >= limit {
		h.replayBuf = append(h.replayBuf[:0], p[len(p)-limit:]...)

		return
	}

	h.replayBuf = append(h.replayBuf, p...)

	if over := len(h.replayBuf) - limit; over > 0 {
		h.replayBuf = h.replayBuf[:copy(h.replayBuf, h.replayBuf[over:])]
	}
}

// Replay redelivers the replay buffer to every listener, then clears it and
// turns replay off. Inbound flow is paused for the duration when the recorder
// supports it. Live dispatch never interleaves with a replay.
//
// Returns the number of bytes redelivered.
func (h *Handler) Replay(ctx context.Context) int {
	if !h.ReplayEnabled() {
		return 0
	}

	pause := h.caps.FlowControl != FlowPoll && !h.fatal()
	if pause {
		if _, err := h.session.Execute(ctx, "XOFF"); err != nil {
			h.log.Warn("XOFF before replay failed", "error", err)
		} else {
			h.xon.Store(false)
		}
	}

	h.streamMu.Lock()
	h.listenersMu.Lock()

	n := len(h.replayBuf)
	if n > 0 {
		for _, c := range h.listeners {
			c.ProcessData(h.replayBuf)
		}
	}

	h.replayBuf = h.replayBuf[:0]
	h.replay = false

	h.listenersMu.Unlock()
	h.streamMu.Unlock()

	h.log.Info("Replayed buffered stream data", "bytes", n)

	if pause && !h.fatal() && h.streamingCnt.Load() > 0 {
		if _, err := h.session.Execute(ctx, "XON"); err != nil {
			h.log.Warn("XON after replay failed", "error", err)
		} else {
			h.xon.Store(true)
		}
	}

	return n
}
