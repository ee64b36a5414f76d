// Package logger receives run progress from the syncer.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Event is a run-level progress notification.
type Event struct {
	Phase   string `json:"phase"`
	Percent int    `json:"percent"`
	Text    string `json:"text"`
}

type Logger interface {
	PhaseStart(phase string, totalItems int)
	ItemProcessed(phase string, item string, action string)
	PhaseComplete(phase string, processedItems int)
	Progress(ev Event)
}

// SlogLogger logs everything through slog.
type SlogLogger struct {
	Logger *slog.Logger
}

func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{Logger: l}
}

func (l *SlogLogger) PhaseStart(phase string, totalItems int) {
	l.Logger.Info("phase start", "phase", phase, "items", totalItems)
}

func (l *SlogLogger) ItemProcessed(phase string, item string, action string) {
	if action == "skip" {
		l.Logger.Debug(action, "phase", phase, "key", item)
		return
	}
	l.Logger.Info(action, "phase", phase, "key", item)
}

func (l *SlogLogger) PhaseComplete(phase string, processedItems int) {
	l.Logger.Info("phase complete", "phase", phase, "processed", processedItems)
}

func (l *SlogLogger) Progress(ev Event) {
	l.Logger.Debug("progress", "phase", ev.Phase, "percent", ev.Percent, "text", ev.Text)
}

type NullLogger struct{}

func (l *NullLogger) PhaseStart(phase string, totalItems int) {}

func (l *NullLogger) ItemProcessed(phase string, item string, action string) {}

func (l *NullLogger) PhaseComplete(phase string, processedItems int) {}

func (l *NullLogger) Progress(ev Event) {}

// QuietLogger prints one line per item that changed something.
type QuietLogger struct {
	mu  sync.Mutex
	out io.Writer
}

func NewQuietLogger(out io.Writer) *QuietLogger {
	return &QuietLogger{out: out}
}

func (l *QuietLogger) PhaseStart(phase string, totalItems int) {}

func (l *QuietLogger) ItemProcessed(phase string, item string, action string) {
	if action == "skip" {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s: %s\n", action, item)
}

func (l *QuietLogger) PhaseComplete(phase string, processedItems int) {}

func (l *QuietLogger) Progress(ev Event) {}

// Recorder keeps every event. It is meant for tests and for callers that render
// progress themselves.
type Recorder struct {
	mu     sync.Mutex
	Events []Event
	Items  []string
}

func (r *Recorder) PhaseStart(phase string, totalItems int) {}

func (r *Recorder) ItemProcessed(phase string, item string, action string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Items = append(r.Items, action+": "+item)
}

func (r *Recorder) PhaseComplete(phase string, processedItems int) {}

func (r *Recorder) Progress(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Events = append(r.Events, ev)
}

// Snapshot returns a copy of the recorded events.
func (r *Recorder) Snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.Events...)
}
