// SPDX-License-Identifier: GPL-3.0-or-later

package nettest

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"
)

// ReportDataFormatVersion is the version of the OONI data format
// produced by this package.
const ReportDataFormatVersion = "0.2.0"

// dateTimeFormat is the timestamp layout used by the OONI data format.
const dateTimeFormat = "2006-01-02 15:04:05"

// ReportEntry is one measurement result record. Field names follow
// the OONI report schema, which existing consumers depend upon.
type ReportEntry struct {
	// DataFormatVersion is [ReportDataFormatVersion].
	DataFormatVersion string `json:"data_format_version"`

	// ID uniquely identifies this measurement.
	ID string `json:"id"`

	// Input is the measured input, empty for tests without input.
	Input string `json:"input"`

	// MeasurementStartTime is when this measurement started.
	MeasurementStartTime string `json:"measurement_start_time"`

	// ProbeASN is the probe autonomous system number, possibly the
	// [DefaultProbeASN] sentinel.
	ProbeASN string `json:"probe_asn"`

	// ProbeCC is the probe country code, possibly the
	// [DefaultProbeCC] sentinel.
	ProbeCC string `json:"probe_cc"`

	// ProbeIP is the probe IP, possibly the [LoopbackIP] sentinel.
	ProbeIP string `json:"probe_ip"`

	// ReportID identifies the report this entry belongs to.
	ReportID string `json:"report_id"`

	// SoftwareName is the name of the embedding application.
	SoftwareName string `json:"software_name"`

	// SoftwareVersion is the version of the embedding application.
	SoftwareVersion string `json:"software_version"`

	// TestKeys is the nettest-specific measurement payload.
	TestKeys map[string]any `json:"test_keys"`

	// TestName is the nettest name.
	TestName string `json:"test_name"`

	// TestRuntime is the measurement duration in seconds.
	TestRuntime float64 `json:"test_runtime"`

	// TestStartTime is when the whole test run started.
	TestStartTime string `json:"test_start_time"`

	// TestVersion is the nettest version.
	TestVersion string `json:"test_version"`
}

// serialize returns the JSON serialization of the entry.
func (e *ReportEntry) serialize() string {
	// The entry contains no value that could fail to serialize except
	// TestKeys, whose values nettests are required to keep JSON-safe.
	data := runtimex.PanicOnError1(json.Marshal(e))
	return string(data)
}

// newReportID generates a unique report identifier combining the
// report creation time and a time-ordered UUID.
func newReportID(now time.Time) string {
	return fmt.Sprintf(
		"%s_%s",
		now.UTC().Format("20060102T150405Z"),
		runtimex.PanicOnError1(uuid.NewV7()).String(),
	)
}

// newMeasurementID generates a unique measurement identifier.
func newMeasurementID() string {
	return runtimex.PanicOnError1(uuid.NewV7()).String()
}

// reportFileName generates the default output file name combining the
// nettest name and the test start time.
func reportFileName(testName string, now time.Time) string {
	return fmt.Sprintf("report-%s-%s.njson", testName, now.UTC().Format("20060102T150405Z"))
}

// reportFile owns the output report file for the duration of the
// pipeline. The zero value is a disabled report file whose methods
// do nothing, used when file reporting is disabled or the open
// failed softly.
type reportFile struct {
	fp *os.File
}

// openReportFile opens (creating or truncating) the report file at
// the given path.
func openReportFile(path string) (*reportFile, error) {
	fp, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &reportFile{fp: fp}, nil
}

// WriteEntry appends the serialization of entry followed by a
// newline. It does nothing when the report file is disabled.
func (rf *reportFile) WriteEntry(entry *ReportEntry) error {
	if rf.fp == nil {
		return nil
	}
	_, err := rf.fp.WriteString(entry.serialize() + "\n")
	return err
}

// Close releases the underlying file. Safe to call on every exit
// path, including when the report file is disabled.
func (rf *reportFile) Close() error {
	if rf.fp == nil {
		return nil
	}
	return rf.fp.Close()
}
