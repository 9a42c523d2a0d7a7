// SPDX-License-Identifier: GPL-3.0-or-later

package nettest

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Logger receives log lines, serialized event notifications, and
// progress updates emitted while a test runs.
//
// By using an abstraction we allow for unit testing and alternative
// implementations. Implementations must tolerate being invoked from
// the worker context executing the pipeline, possibly concurrently
// from multiple test instances sharing the same Logger.
//
// This package uses three log levels:
//   - Warn for recoverable anomalies (failed lookups replaced by
//     sentinels, panicking callbacks)
//   - Info for lifecycle events (stage transitions, report writes)
//   - Debug for configuration dumps and per-stage details
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)

	// Event receives a serialized JSON object describing an event that
	// occurred while running the test. Different nettests emit
	// different kinds of events (e.g., NDT emits "download-speed"
	// events during the download phase).
	Event(serializedJSON string)

	// Progress receives the fraction of the test completed so far,
	// in [0, 1], together with a human-readable label.
	Progress(fraction float64, label string)

	// Destroy notifies the logger that no further invocation will
	// occur. The pipeline never calls this; it exists for embedders
	// that tie the logger lifetime to some external resource.
	Destroy()
}

// DefaultLogger returns the default [Logger] to use.
//
// The default is a no-op logger that discards all output. This follows
// the library convention of not writing to stdout/stderr unless
// explicitly configured.
//
// Use [NewSlogLogger] for emitting logs through [*slog.Logger].
func DefaultLogger() Logger {
	return discardLogger{}
}

// discardLogger is a no-op [Logger] that discards everything.
type discardLogger struct{}

var _ Logger = discardLogger{}

// Debug implements [Logger].
func (discardLogger) Debug(msg string, args ...any) {
	// nothing
}

// Info implements [Logger].
func (discardLogger) Info(msg string, args ...any) {
	// nothing
}

// Warn implements [Logger].
func (discardLogger) Warn(msg string, args ...any) {
	// nothing
}

// Event implements [Logger].
func (discardLogger) Event(serializedJSON string) {
	// nothing
}

// Progress implements [Logger].
func (discardLogger) Progress(fraction float64, label string) {
	// nothing
}

// Destroy implements [Logger].
func (discardLogger) Destroy() {
	// nothing
}

// NewSlogLogger adapts a [*slog.Logger] to the [Logger] interface.
//
// Events are emitted at [slog.LevelInfo] with message "event" and the
// serialized JSON in the "json" attribute. Progress updates are
// emitted at [slog.LevelInfo] with message "progress".
func NewSlogLogger(logger *slog.Logger) Logger {
	return &slogLogger{logger}
}

type slogLogger struct {
	logger *slog.Logger
}

var _ Logger = &slogLogger{}

// Debug implements [Logger].
func (sl *slogLogger) Debug(msg string, args ...any) {
	sl.logger.Debug(msg, args...)
}

// Info implements [Logger].
func (sl *slogLogger) Info(msg string, args ...any) {
	sl.logger.Info(msg, args...)
}

// Warn implements [Logger].
func (sl *slogLogger) Warn(msg string, args ...any) {
	sl.logger.Warn(msg, args...)
}

// Event implements [Logger].
func (sl *slogLogger) Event(serializedJSON string) {
	sl.logger.Info("event", slog.String("json", serializedJSON))
}

// Progress implements [Logger].
func (sl *slogLogger) Progress(fraction float64, label string) {
	sl.logger.Info("progress",
		slog.Float64("fraction", fraction),
		slog.String("label", label),
	)
}

// Destroy implements [Logger].
func (sl *slogLogger) Destroy() {
	// nothing
}

// teeWarnLogger wraps a [Logger] and additionally writes each warning
// line to the given writer. The pipeline uses it to honour the error
// filepath configured via [*Test.SetErrorFilepath].
type teeWarnLogger struct {
	Logger
	mu sync.Mutex
	w  io.Writer
}

// Warn implements [Logger].
func (tl *teeWarnLogger) Warn(msg string, args ...any) {
	tl.mu.Lock()
	fmt.Fprintf(tl.w, "%s %v\n", msg, args)
	tl.mu.Unlock()
	tl.Logger.Warn(msg, args...)
}
