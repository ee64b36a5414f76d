// Package logging builds the process-wide slog logger and prints run summaries.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Options struct {
	// Verbose lowers the terminal level to debug.
	Verbose bool
	// Quiet raises the terminal level to warn.
	Quiet bool
	// File, when set, receives every record at debug level with rotation.
	File string
	// Out defaults to os.Stderr.
	Out *os.File
}

// Setup builds a logger from opts. The returned closer flushes the log file.
func Setup(opts Options) (*slog.Logger, io.Closer, error) {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}

	level := slog.LevelInfo
	switch {
	case opts.Verbose:
		level = slog.LevelDebug
	case opts.Quiet:
		level = slog.LevelWarn
	}

	handlers := []slog.Handler{
		tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
			NoColor:    !isatty.IsTerminal(out.Fd()),
		}),
	}

	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
		handlers = append(handlers, slog.NewTextHandler(rotator, &slog.HandlerOptions{Level: slog.LevelDebug}))
		closer = rotator
	}

	return slog.New(NewMultiHandler(handlers...)), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// MultiHandler forwards records to every handler that accepts their level.
type MultiHandler struct {
	handlers []slog.Handler
}

func NewMultiHandler(handlers ...slog.Handler) *MultiHandler {
	return &MultiHandler{handlers: handlers}
}

func (h *MultiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *MultiHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if e := handler.Handle(ctx, r.Clone()); e != nil {
				err = e
			}
		}
	}
	return err
}

func (h *MultiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return NewMultiHandler(handlers...)
}

func (h *MultiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return NewMultiHandler(handlers...)
}

// Summary is what PrintSummary reports about a run.
type Summary struct {
	Outcome         string
	Uploaded        int
	Downloaded      int
	DeletedLocal    int
	DeletedRemote   int
	Unchanged       int
	Skipped         int
	Failed          int
	BytesUploaded   int64
	BytesDownloaded int64
	Duration        time.Duration
}

// PrintSummary prints a summary of the sync run. In quiet mode a clean run prints
// nothing.
func PrintSummary(w io.Writer, s Summary, quiet bool) {
	if quiet && s.Failed == 0 && s.Outcome == "succeeded" {
		return
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "=== Summary ===")
	fmt.Fprintf(w, "Outcome: %s\n", s.Outcome)
	fmt.Fprintf(w, "Uploaded: %d files (%s)\n", s.Uploaded, humanize.Bytes(uint64(s.BytesUploaded)))
	fmt.Fprintf(w, "Downloaded: %d files (%s)\n", s.Downloaded, humanize.Bytes(uint64(s.BytesDownloaded)))
	fmt.Fprintf(w, "Deleted: %d local, %d remote\n", s.DeletedLocal, s.DeletedRemote)
	fmt.Fprintf(w, "Unchanged: %d\n", s.Unchanged)
	if s.Skipped > 0 {
		fmt.Fprintf(w, "Skipped: %d\n", s.Skipped)
	}
	if s.Failed > 0 {
		fmt.Fprintf(w, "Errors: %d\n", s.Failed)
	}
	fmt.Fprintf(w, "Duration: %s\n", s.Duration.Round(time.Millisecond))
}
