// Package logging configures the process-wide slog handler.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"go.opentelemetry.io/contrib/bridges/otelslog"
)

const envMode = "MAILUR_LOG"

// New builds the root logger. Output is JSON unless stderr is a terminal
// or MAILUR_LOG=console forces the tint handler. When OTLP export is
// configured the otelslog bridge fans records out to the log provider as
// well.
func New(service string) *slog.Logger {
	return NewWithWriter(service, os.Stderr)
}

// NewWithWriter is New with an explicit destination, for tests.
func NewWithWriter(service string, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	if strings.EqualFold(os.Getenv("MAILUR_DEBUG"), "true") {
		level = slog.LevelDebug
	}

	var h slog.Handler
	if consoleMode(w) {
		h = tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})
	} else {
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	}

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		h = fanout{h, otelslog.NewHandler(service)}
	}

	return slog.New(h)
}

// WithComponent returns a child logger tagged with the component name.
func WithComponent(log *slog.Logger, name string) *slog.Logger {
	return log.With(slog.String("component", name))
}

func consoleMode(w io.Writer) bool {
	switch strings.ToLower(os.Getenv(envMode)) {
	case "console":
		return true
	case "json":
		return false
	}
	f, ok := w.(*os.File)
	return ok && isatty.IsTerminal(f.Fd())
}

// fanout forwards every record to both handlers. Enabled checks only the
// primary handler so the bridge inherits its level.
type fanout struct {
	primary slog.Handler
	bridge  slog.Handler
}

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	return f.primary.Enabled(ctx, level)
}

func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	if err := f.primary.Handle(ctx, r.Clone()); err != nil {
		return err
	}
	return f.bridge.Handle(ctx, r)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return fanout{f.primary.WithAttrs(attrs), f.bridge.WithAttrs(attrs)}
}

func (f fanout) WithGroup(name string) slog.Handler {
	return fanout{f.primary.WithGroup(name), f.bridge.WithGroup(name)}
}
