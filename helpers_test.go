// SPDX-License-Identifier: GPL-3.0-or-later

package nettest

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/bassosimone/slogstub"
)

// writeFile creates a file with the given contents.
func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0600)
}

// newCapturingLogger returns a logger that captures all log records
// into the returned slice. The caller can inspect the slice after
// exercising the code under test to verify which events were emitted.
func newCapturingLogger() (*slog.Logger, *[]slog.Record) {
	var records []slog.Record
	handler := &slogstub.FuncHandler{
		EnabledFunc: func(ctx context.Context, level slog.Level) bool {
			return true
		},
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			records = append(records, record)
			return nil
		},
	}
	return slog.New(handler), &records
}

// recordedProgress is one progress update seen by a [*recordingLogger].
type recordedProgress struct {
	fraction float64
	label    string
}

// recordingLogger is a [Logger] that records everything it receives,
// for asserting on the pipeline's observability output. Safe for
// concurrent use.
type recordingLogger struct {
	mu       sync.Mutex
	debugs   []string
	infos    []string
	warns    []string
	events   []string
	progress []recordedProgress
}

var _ Logger = &recordingLogger{}

// Debug implements [Logger].
func (rl *recordingLogger) Debug(msg string, args ...any) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.debugs = append(rl.debugs, msg)
}

// Info implements [Logger].
func (rl *recordingLogger) Info(msg string, args ...any) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.infos = append(rl.infos, msg)
}

// Warn implements [Logger].
func (rl *recordingLogger) Warn(msg string, args ...any) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.warns = append(rl.warns, msg)
}

// Event implements [Logger].
func (rl *recordingLogger) Event(serializedJSON string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.events = append(rl.events, serializedJSON)
}

// Progress implements [Logger].
func (rl *recordingLogger) Progress(fraction float64, label string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.progress = append(rl.progress, recordedProgress{fraction, label})
}

// Destroy implements [Logger].
func (rl *recordingLogger) Destroy() {
	// nothing
}

// Warns returns a copy of the recorded warning messages.
func (rl *recordingLogger) Warns() []string {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return append([]string{}, rl.warns...)
}

// Infos returns a copy of the recorded info messages.
func (rl *recordingLogger) Infos() []string {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return append([]string{}, rl.infos...)
}

// Events returns a copy of the recorded events.
func (rl *recordingLogger) Events() []string {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return append([]string{}, rl.events...)
}
