// SPDX-License-Identifier: GPL-3.0-or-later

package nettest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The default logger discards everything without crashing.
func TestDefaultLogger(t *testing.T) {
	logger := DefaultLogger()
	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Event(`{"key":"value"}`)
	logger.Progress(0.5, "halfway")
	logger.Destroy()
}

// The slog adapter forwards lines, events, and progress updates.
func TestSlogLogger(t *testing.T) {
	slogger, records := newCapturingLogger()
	logger := NewSlogLogger(slogger)

	logger.Debug("antani")
	logger.Info("mascetti")
	logger.Warn("melandri")
	logger.Event(`{"key":"status.measurement_start"}`)
	logger.Progress(0.25, "looking up probe IP")
	logger.Destroy()

	require.Len(t, *records, 5)
	assert.Equal(t, "antani", (*records)[0].Message)
	assert.Equal(t, "mascetti", (*records)[1].Message)
	assert.Equal(t, "melandri", (*records)[2].Message)
	assert.Equal(t, "event", (*records)[3].Message)
	assert.Equal(t, "progress", (*records)[4].Message)
}

// teeWarnLogger writes warnings to the writer and forwards them.
func TestTeeWarnLogger(t *testing.T) {
	inner := &recordingLogger{}
	var sb strings.Builder
	logger := &teeWarnLogger{Logger: inner, w: &sb}

	logger.Info("not teed")
	logger.Warn("ipLookupFailed", "failure", "generic_timeout_error")

	assert.Contains(t, sb.String(), "ipLookupFailed")
	assert.NotContains(t, sb.String(), "not teed")
	assert.Equal(t, []string{"ipLookupFailed"}, inner.Warns())
	assert.Equal(t, []string{"not teed"}, inner.Infos())
}
