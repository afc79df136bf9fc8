// Package logging configures the process-wide slog handler and implements
// the temporary log-spec stack driven by notify_config events.
package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// Handle owns the mutable log level. Spec push/pop is a stack, so the
// mutations are serialized by a mutex.
type Handle struct {
	mu    sync.Mutex
	level *slog.LevelVar
	stack []slog.Level
}

// Init installs a text handler on stdout as the slog default and returns a
// Handle for later level changes. noANSI disables the level coloring.
func Init(level string, noANSI bool) (*Handle, error) {
	parsed, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	levelVar := new(slog.LevelVar)
	levelVar.Set(parsed)
	slog.SetDefault(slog.New(newHandler(os.Stdout, levelVar, noANSI)))

	return &Handle{level: levelVar}, nil
}

func newHandler(w io.Writer, level slog.Leveler, noANSI bool) slog.Handler {
	if noANSI {
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return newANSIHandler(w, level)
}

// ansiHandler colors each log line by its level. The inner text handler
// renders into a shared buffer; the escape codes wrap the rendered line so
// they never pass through the handler's value quoting.
type ansiHandler struct {
	mu    *sync.Mutex
	buf   *bytes.Buffer
	out   io.Writer
	inner slog.Handler
}

func newANSIHandler(w io.Writer, level slog.Leveler) *ansiHandler {
	buf := new(bytes.Buffer)
	return &ansiHandler{
		mu:    new(sync.Mutex),
		buf:   buf,
		out:   w,
		inner: slog.NewTextHandler(buf, &slog.HandlerOptions{Level: level}),
	}
}

func (h *ansiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ansiHandler) Handle(ctx context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf.Reset()
	if err := h.inner.Handle(ctx, r); err != nil {
		return err
	}
	line := bytes.TrimRight(h.buf.Bytes(), "\n")
	_, err := fmt.Fprintf(h.out, "\x1b[%sm%s\x1b[0m\n", levelColor(r.Level), line)
	return err
}

func (h *ansiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithAttrs(attrs)
	return &clone
}

func (h *ansiHandler) WithGroup(name string) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithGroup(name)
	return &clone
}

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "31" // red
	case level >= slog.LevelWarn:
		return "33" // yellow
	case level >= slog.LevelInfo:
		return "32" // green
	default:
		return "36" // cyan
	}
}

// ParseLevel maps the textual log levels accepted on the CLI and in
// notify_config log_spec payloads to slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return slog.LevelDebug - 4, nil
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// PushSpec applies a temporary level spec on top of the current level.
func (h *Handle) PushSpec(spec string) error {
	parsed, err := ParseLevel(spec)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.stack = append(h.stack, h.level.Level())
	h.level.Set(parsed)
	return nil
}

// PopSpec restores the level that was active before the last PushSpec.
// Popping an empty stack is a no-op.
func (h *Handle) PopSpec() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n := len(h.stack); n > 0 {
		h.level.Set(h.stack[n-1])
		h.stack = h.stack[:n-1]
	}
}

// Level reports the currently active level.
func (h *Handle) Level() slog.Level {
	return h.level.Level()
}
