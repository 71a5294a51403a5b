package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

const consoleTimeFormat = "2006-01-02 15:04:05.000"

// consoleHandler writes one line per record:
//
//	2026-01-02 15:04:05.000 INFO  [stream_handler] Streaming started reply=Started
type consoleHandler struct {
	mu        *sync.Mutex
	writer    io.Writer
	level     *slog.LevelVar
	attrs     []slog.Attr
	groups    []string
	addSource bool
}

func newConsoleHandler(w io.Writer, lvl *slog.LevelVar, addSource bool) *consoleHandler {
	return &consoleHandler{mu: &sync.Mutex{}, writer: w, level: lvl, addSource: addSource}
}

func (h *consoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *consoleHandler) Handle(_ context.Context, record slog.Record) error {
	ts := record.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	var (
		component string
		fields    []slog.Attr
	)

	collect := func(prefix []string, a slog.Attr) {
		flatten(&fields, prefix, a)
	}

	for _, a := range h.attrs {
		collect(nil, a)
	}

	record.Attrs(func(a slog.Attr) bool {
		collect(h.groups, a)

		return true
	})

	var buf bytes.Buffer

	buf.WriteString(ts.Format(consoleTimeFormat))
	buf.WriteByte(' ')
	fmt.Fprintf(&buf, "%-5s", record.Level.String())

	rest := fields[:0:0]

	for _, f := range fields {
		if f.Key == FieldComponent && component == "" {
			component = f.Value.String()

			continue
		}

		rest = append(rest, f)
	}

	if component != "" {
		buf.WriteString(" [")
		buf.WriteString(component)
		buf.WriteByte(']')
	}

	buf.WriteByte(' ')
	buf.WriteString(strings.TrimSpace(record.Message))

	for _, f := range rest {
		buf.WriteByte(' ')
		buf.WriteString(f.Key)
		buf.WriteByte('=')
		buf.WriteString(formatValue(f.Value))
	}

	if h.addSource && record.PC != 0 {
		if src := record.Source(); src != nil {
			buf.WriteString(" source=")
			buf.WriteString(filepath.Base(src.File))
			buf.WriteByte(':')
			buf.WriteString(strconv.Itoa(src.Line))
		}
	}

	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := h.writer.Write(buf.Bytes())

	return err
}

func (h *consoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(clone.attrs[:len(clone.attrs):len(clone.attrs)], prefixAttrs(h.groups, attrs)...)

	return &clone
}

func (h *consoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	clone := *h
	clone.groups = append(clone.groups[:len(clone.groups):len(clone.groups)], name)

	return &clone
}

// prefixAttrs qualifies attrs added under open groups so they print with
// their full dotted key.
func prefixAttrs(groups []string, attrs []slog.Attr) []slog.Attr {
	if len(groups) == 0 {
		return attrs
	}

	out := make([]slog.Attr, 0, len(attrs))
	for _, a := range attrs {
		var flat []slog.Attr
		flatten(&flat, groups, a)
		out = append(out, flat...)
	}

	return out
}

func flatten(dst *[]slog.Attr, prefix []string, a slog.Attr) {
	a.Value = a.Value.Resolve()

	if a.Equal(slog.Attr{}) {
		return
	}

	if a.Value.Kind() == slog.KindGroup {
		next := prefix
		if a.Key != "" {
			next = append(prefix[:len(prefix):len(prefix)], a.Key)
		}

		for _, ga := range a.Value.Group() {
			flatten(dst, next, ga)
		}

		return
	}

	if len(prefix) > 0 {
		a.Key = strings.Join(prefix, ".") + "." + a.Key
	}

	*dst = append(*dst, a)
}

func formatValue(v slog.Value) string {
	var s string

	switch v.Kind() {
	case slog.KindDuration:
		s = v.Duration().String()
	case slog.KindTime:
		s = v.Time().Format(time.RFC3339)
	default:
		s = v.String()
	}

	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}

	return s
}
