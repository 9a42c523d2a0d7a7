// SPDX-License-Identifier: GPL-3.0-or-later

package nettest

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newEchoBackedConfig returns a Config whose IP lookup is served by a
// stub echo service always returning the given address.
func newEchoBackedConfig(t *testing.T, probeIP string) *Config {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<Response><Ip>` + probeIP + `</Ip></Response>`))
	}))
	t.Cleanup(server.Close)
	cfg := NewConfig()
	cfg.IPLookupServices = []IPLookupService{
		{URL: server.URL, Parse: parseUbuntuGeoIP},
	}
	return cfg
}

// A minimal hermetic run executes only the local stages and the
// measurement step, produces one report entry with sentinel probe
// identity, and fires the callbacks in the documented order.
func TestPipelineHermeticRun(t *testing.T) {
	var calls []string
	var entries []string

	measurer := NettestFunc(
		func(ctx context.Context, sess *Session, input string) (map[string]any, Failure) {
			calls = append(calls, "measure")
			assert.Equal(t, LoopbackIP, sess.ProbeIP)
			assert.Equal(t, DefaultProbeASN, sess.ProbeASN)
			assert.Equal(t, DefaultProbeCC, sess.ProbeCC)
			return map[string]any{"connection": "success"}, Failure{}
		})

	logger := &recordingLogger{}
	test := NewTest(NewConfig(), Telegram, measurer).
		SetOption(OptionNoBouncer, "true").
		SetOption(OptionNoIPLookup, "true").
		SetOption(OptionNoResolverLookup, "true").
		SetOption(OptionNoFileReport, "true").
		AddInput("antani").
		SetLogger(logger).
		OnBegin(func() { calls = append(calls, "on_begin") }).
		OnEntry(func(entry string) {
			calls = append(calls, "on_entry")
			entries = append(entries, entry)
		}).
		OnEnd(func() { calls = append(calls, "on_end") }).
		OnDestroy(func() { calls = append(calls, "on_destroy") })

	failure := test.Run(context.Background())

	assert.False(t, failure.IsFailure())
	assert.Equal(t, []string{
		"on_begin", "measure", "on_entry", "on_end", "on_destroy",
	}, calls)

	require.Len(t, entries, 1)
	var entry ReportEntry
	require.NoError(t, json.Unmarshal([]byte(entries[0]), &entry))
	assert.Equal(t, LoopbackIP, entry.ProbeIP)
	assert.Equal(t, DefaultProbeASN, entry.ProbeASN)
	assert.Equal(t, DefaultProbeCC, entry.ProbeCC)
	assert.Equal(t, "antani", entry.Input)
	assert.Equal(t, "telegram", entry.TestName)
	assert.Equal(t, ReportDataFormatVersion, entry.DataFormatVersion)
	assert.Equal(t, "success", entry.TestKeys["connection"])
	assert.NotEqual(t, "", entry.ReportID)
	assert.NotEqual(t, "", entry.ID)

	// Measurement start/done events were emitted.
	events := logger.Events()
	require.Len(t, events, 2)
	assert.Contains(t, events[0], "status.measurement_start")
	assert.Contains(t, events[1], "status.measurement_done")
}

// An unreachable bouncer fails the whole test: later lookups and the
// measurement never execute, while on_end and on_destroy still fire.
func TestPipelineBouncerHardFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close() // the URL now refuses connections

	exchanger := &funcExchanger{
		exchange: func(query *dns.Msg, serverAddr string) (*dns.Msg, error) {
			return newWhoamiResponse(query, "10.20.30.40"), nil
		},
	}
	cfg := NewConfig()
	cfg.DNSExchanger = exchanger

	var measured, entryFired, ended, destroyed bool
	measurer := NettestFunc(
		func(ctx context.Context, sess *Session, input string) (map[string]any, Failure) {
			measured = true
			return nil, Failure{}
		})

	test := NewTest(cfg, Telegram, measurer).
		SetOption(OptionBouncerBaseURL, server.URL).
		SetOption(OptionNoIPLookup, "true").
		SetOption(OptionNoFileReport, "true").
		OnEntry(func(string) { entryFired = true }).
		OnEnd(func() { ended = true }).
		OnDestroy(func() { destroyed = true })

	failure := test.Run(context.Background())

	require.True(t, failure.IsFailure())
	assert.False(t, measured)
	assert.False(t, entryFired)
	assert.True(t, ended)
	assert.True(t, destroyed)
	// The resolver lookup stage never executed.
	assert.Empty(t, exchanger.Servers())
}

// The bouncer's choices flow into the measurement session unless
// explicitly overridden.
func TestPipelineBouncerAndOverrides(t *testing.T) {
	bouncer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(bouncerResponse{
			NetTests: []bouncerNettestResponse{{
				Name:      "web_connectivity",
				Collector: "https://collector.example.com",
				TestHelpers: map[string]string{
					"web-connectivity": "https://helper.example.com",
				},
			}},
		})
	}))
	defer bouncer.Close()

	tests := []struct {
		// name describes what this test case verifies.
		name string

		// options are extra options to set.
		options map[string]string

		// wantCollector is the collector the session should carry.
		wantCollector string

		// wantHelper is the helper the session should carry.
		wantHelper string
	}{
		{
			name:          "bouncer choices",
			options:       nil,
			wantCollector: "https://collector.example.com",
			wantHelper:    "https://helper.example.com",
		},

		{
			name: "explicit collector override",
			options: map[string]string{
				OptionCollectorBaseURL: "https://collector.override.example.com",
			},
			wantCollector: "https://collector.override.example.com",
			wantHelper:    "https://helper.example.com",
		},

		{
			name: "explicit helper override",
			options: map[string]string{
				"web_connectivity/helper": "https://helper.override.example.com",
			},
			wantCollector: "https://collector.example.com",
			wantHelper:    "https://helper.override.example.com",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sessions []*Session
			measurer := NettestFunc(
				func(ctx context.Context, sess *Session, input string) (map[string]any, Failure) {
					sessions = append(sessions, sess)
					return nil, Failure{}
				})

			test := NewTest(NewConfig(), WebConnectivity, measurer).
				SetOption(OptionBouncerBaseURL, bouncer.URL).
				SetOption(OptionNoIPLookup, "true").
				SetOption(OptionNoResolverLookup, "true").
				SetOption(OptionNoFileReport, "true").
				AddInput("https://example.com/")
			for key, value := range tt.options {
				test.SetOption(key, value)
			}

			failure := test.Run(context.Background())
			assert.False(t, failure.IsFailure())
			require.Len(t, sessions, 1)
			assert.Equal(t, tt.wantCollector, sessions[0].Collector)
			assert.Equal(t, tt.wantHelper, sessions[0].TestHelper)
		})
	}
}

// Whatever the IP lookup discovered, the committed probe IP is the
// loopback sentinel unless the caller opted into saving it.
func TestPipelineProbeIPRedaction(t *testing.T) {
	tests := []struct {
		// name describes what this test case verifies.
		name string

		// saveProbeIP is the save_probe_ip option value, empty for
		// the unset default.
		saveProbeIP string

		// wantProbeIP is the expected committed probe IP.
		wantProbeIP string
	}{
		{
			name:        "default redacts",
			saveProbeIP: "",
			wantProbeIP: LoopbackIP,
		},

		{
			name:        "explicit false redacts",
			saveProbeIP: "false",
			wantProbeIP: LoopbackIP,
		},

		{
			name:        "explicit true saves",
			saveProbeIP: "true",
			wantProbeIP: "93.184.216.34",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var entries []string
			test := NewTest(newEchoBackedConfig(t, "93.184.216.34"), Telegram, noopNettest).
				SetOption(OptionNoBouncer, "true").
				SetOption(OptionNoResolverLookup, "true").
				SetOption(OptionNoFileReport, "true").
				OnEntry(func(entry string) { entries = append(entries, entry) })
			if tt.saveProbeIP != "" {
				test.SetOption(OptionSaveProbeIP, tt.saveProbeIP)
			}

			failure := test.Run(context.Background())
			assert.False(t, failure.IsFailure())
			require.Len(t, entries, 1)
			var entry ReportEntry
			require.NoError(t, json.Unmarshal([]byte(entries[0]), &entry))
			assert.Equal(t, tt.wantProbeIP, entry.ProbeIP)
		})
	}
}

// Whatever the GeoIP lookups discovered, the committed ASN and
// country are their sentinels when the caller opted out of saving
// them.
func TestPipelineProbeASNAndCCRedaction(t *testing.T) {
	tests := []struct {
		// name describes what this test case verifies.
		name string

		// saveProbeASN is the save_probe_asn option value, empty for
		// the unset default.
		saveProbeASN string

		// saveProbeCC is the save_probe_cc option value, empty for
		// the unset default.
		saveProbeCC string

		// wantProbeASN is the expected committed probe ASN.
		wantProbeASN string

		// wantProbeCC is the expected committed probe country.
		wantProbeCC string
	}{
		{
			name:         "default saves both",
			saveProbeASN: "",
			saveProbeCC:  "",
			wantProbeASN: "AS30722",
			wantProbeCC:  "IT",
		},

		{
			name:         "redact ASN only",
			saveProbeASN: "false",
			saveProbeCC:  "",
			wantProbeASN: DefaultProbeASN,
			wantProbeCC:  "IT",
		},

		{
			name:         "redact country only",
			saveProbeASN: "",
			saveProbeCC:  "false",
			wantProbeASN: "AS30722",
			wantProbeCC:  DefaultProbeCC,
		},

		{
			name:         "redact both",
			saveProbeASN: "false",
			saveProbeCC:  "false",
			wantProbeASN: DefaultProbeASN,
			wantProbeCC:  DefaultProbeCC,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newEchoBackedConfig(t, "93.184.216.34")
			cfg.GeoIPResolver = &funcGeoIPResolver{
				country: func(dbPath string, ip net.IP) (string, error) {
					return "IT", nil
				},
				asn: func(dbPath string, ip net.IP) (uint, error) {
					return 30722, nil
				},
			}

			var entries []string
			test := NewTest(cfg, Telegram, noopNettest).
				SetOption(OptionNoBouncer, "true").
				SetOption(OptionNoResolverLookup, "true").
				SetOption(OptionNoFileReport, "true").
				SetOption(OptionGeoIPCountryPath, "country.mmdb").
				SetOption(OptionGeoIPASNPath, "asn.mmdb").
				OnEntry(func(entry string) { entries = append(entries, entry) })
			if tt.saveProbeASN != "" {
				test.SetOption(OptionSaveProbeASN, tt.saveProbeASN)
			}
			if tt.saveProbeCC != "" {
				test.SetOption(OptionSaveProbeCC, tt.saveProbeCC)
			}

			failure := test.Run(context.Background())
			assert.False(t, failure.IsFailure())
			require.Len(t, entries, 1)
			var entry ReportEntry
			require.NoError(t, json.Unmarshal([]byte(entries[0]), &entry))
			assert.Equal(t, tt.wantProbeASN, entry.ProbeASN)
			assert.Equal(t, tt.wantProbeCC, entry.ProbeCC)
		})
	}
}

// A failing IP lookup leaves the loopback address and does not fail
// the test unless the caller demanded strict behavior.
func TestPipelineIPLookupFailurePolicy(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	server.Close() // the URL now refuses connections

	newBrokenConfig := func() *Config {
		cfg := NewConfig()
		cfg.IPLookupServices = []IPLookupService{
			{URL: server.URL, Parse: parseUbuntuGeoIP},
		}
		return cfg
	}

	t.Run("soft by default", func(t *testing.T) {
		var entries []string
		test := NewTest(newBrokenConfig(), Telegram, noopNettest).
			SetOption(OptionNoBouncer, "true").
			SetOption(OptionNoResolverLookup, "true").
			SetOption(OptionNoFileReport, "true").
			SetOption(OptionSaveProbeIP, "true").
			OnEntry(func(entry string) { entries = append(entries, entry) })

		failure := test.Run(context.Background())
		assert.False(t, failure.IsFailure())
		require.Len(t, entries, 1)
		var entry ReportEntry
		require.NoError(t, json.Unmarshal([]byte(entries[0]), &entry))
		assert.Equal(t, LoopbackIP, entry.ProbeIP)
	})

	t.Run("hard on request", func(t *testing.T) {
		var destroyed bool
		test := NewTest(newBrokenConfig(), Telegram, noopNettest).
			SetOption(OptionNoBouncer, "true").
			SetOption(OptionFailIfIPLookupFails, "true").
			SetOption(OptionNoResolverLookup, "true").
			SetOption(OptionNoFileReport, "true").
			OnDestroy(func() { destroyed = true })

		failure := test.Run(context.Background())
		assert.True(t, failure.IsFailure())
		assert.True(t, destroyed)
	})
}

// An invalid GeoIP database path degrades the country and the ASN to
// their sentinels without failing the test.
func TestPipelineGeoIPSoftFailure(t *testing.T) {
	var entries []string
	missing := filepath.Join(t.TempDir(), "missing.mmdb")
	test := NewTest(newEchoBackedConfig(t, "93.184.216.34"), Telegram, noopNettest).
		SetOption(OptionNoBouncer, "true").
		SetOption(OptionNoResolverLookup, "true").
		SetOption(OptionNoFileReport, "true").
		SetOption(OptionGeoIPCountryPath, missing).
		SetOption(OptionGeoIPASNPath, missing).
		OnEntry(func(entry string) { entries = append(entries, entry) })

	failure := test.Run(context.Background())
	assert.False(t, failure.IsFailure())
	require.Len(t, entries, 1)
	var entry ReportEntry
	require.NoError(t, json.Unmarshal([]byte(entries[0]), &entry))
	assert.Equal(t, DefaultProbeCC, entry.ProbeCC)
	assert.Equal(t, DefaultProbeASN, entry.ProbeASN)
}

// A successful resolver lookup is recorded into the test keys.
func TestPipelineResolverLookup(t *testing.T) {
	exchanger := &funcExchanger{
		exchange: func(query *dns.Msg, serverAddr string) (*dns.Msg, error) {
			return newWhoamiResponse(query, "10.20.30.40"), nil
		},
	}
	cfg := NewConfig()
	cfg.DNSExchanger = exchanger
	cfg.ResolvConf = func() (*dns.ClientConfig, error) {
		return &dns.ClientConfig{Servers: []string{"8.8.8.8"}, Port: "53"}, nil
	}

	var entries []string
	test := NewTest(cfg, Telegram, noopNettest).
		SetOption(OptionNoBouncer, "true").
		SetOption(OptionNoIPLookup, "true").
		SetOption(OptionNoFileReport, "true").
		OnEntry(func(entry string) { entries = append(entries, entry) })

	failure := test.Run(context.Background())
	assert.False(t, failure.IsFailure())
	require.Len(t, entries, 1)
	var entry ReportEntry
	require.NoError(t, json.Unmarshal([]byte(entries[0]), &entry))
	assert.Equal(t, "10.20.30.40", entry.TestKeys["client_resolver"])
}

// The report file receives one serialized entry per measured input.
func TestPipelineFileReport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.njson")
	test := NewTest(NewConfig(), WebConnectivity, noopNettest).
		SetOption(OptionNoBouncer, "true").
		SetOption(OptionNoIPLookup, "true").
		SetOption(OptionNoResolverLookup, "true").
		AddInput("https://example.com/").
		AddInput("https://example.org/").
		SetOutputFilepath(path)

	failure := test.Run(context.Background())
	assert.False(t, failure.IsFailure())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	var first, second ReportEntry
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "https://example.com/", first.Input)
	assert.Equal(t, "https://example.org/", second.Input)
	assert.Equal(t, first.ReportID, second.ReportID)
}

// Opening the report file in a missing directory is fatal only when
// the caller demanded strict behavior.
func TestPipelineFileReportOpenFailurePolicy(t *testing.T) {
	badPath := filepath.Join(t.TempDir(), "missing", "report.njson")

	t.Run("soft by default", func(t *testing.T) {
		test := NewTest(NewConfig(), Telegram, noopNettest).
			SetOption(OptionNoBouncer, "true").
			SetOption(OptionNoIPLookup, "true").
			SetOption(OptionNoResolverLookup, "true").
			SetOutputFilepath(badPath)
		failure := test.Run(context.Background())
		assert.False(t, failure.IsFailure())
	})

	t.Run("hard on request", func(t *testing.T) {
		var measured bool
		measurer := NettestFunc(
			func(ctx context.Context, sess *Session, input string) (map[string]any, Failure) {
				measured = true
				return nil, Failure{}
			})
		test := NewTest(NewConfig(), Telegram, measurer).
			SetOption(OptionNoBouncer, "true").
			SetOption(OptionNoIPLookup, "true").
			SetOption(OptionNoResolverLookup, "true").
			SetOption(OptionFailIfOpenFileReportFails, "true").
			SetOutputFilepath(badPath)
		failure := test.Run(context.Background())
		assert.True(t, failure.IsFailure())
		assert.False(t, measured)
	})
}

// Inputs come from both AddInput and the configured input files.
func TestPipelineInputFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inputs.txt")
	require.NoError(t, writeFile(path, "https://example.org/\n\nhttps://example.net/\n"))

	var inputs []string
	measurer := NettestFunc(
		func(ctx context.Context, sess *Session, input string) (map[string]any, Failure) {
			inputs = append(inputs, input)
			return nil, Failure{}
		})

	test := hermeticOptions(NewTest(NewConfig(), WebConnectivity, measurer)).
		AddInput("https://example.com/").
		AddInputFilepath(path)

	failure := test.Run(context.Background())
	assert.False(t, failure.IsFailure())
	assert.Equal(t, []string{
		"https://example.com/",
		"https://example.org/",
		"https://example.net/",
	}, inputs)
}

// A nettest requiring input cannot run without any.
func TestPipelineMissingRequiredInput(t *testing.T) {
	var measured, ended, destroyed bool
	measurer := NettestFunc(
		func(ctx context.Context, sess *Session, input string) (map[string]any, Failure) {
			measured = true
			return nil, Failure{}
		})

	test := hermeticOptions(NewTest(NewConfig(), WebConnectivity, measurer)).
		OnEnd(func() { ended = true }).
		OnDestroy(func() { destroyed = true })

	failure := test.Run(context.Background())
	require.True(t, failure.IsFailure())
	assert.Equal(t, FailureMissingRequiredInput, failure.Reason())
	assert.False(t, measured)
	assert.True(t, ended)
	assert.True(t, destroyed)
}

// A per-input measurement failure is recorded into the entry without
// failing the pipeline.
func TestPipelineMeasurementFailureIsRecorded(t *testing.T) {
	measurer := NettestFunc(
		func(ctx context.Context, sess *Session, input string) (map[string]any, Failure) {
			return nil, NewFailure(FailureGenericTimeout)
		})

	var entries []string
	test := hermeticOptions(NewTest(NewConfig(), Telegram, measurer)).
		OnEntry(func(entry string) { entries = append(entries, entry) })

	failure := test.Run(context.Background())
	assert.False(t, failure.IsFailure())
	require.Len(t, entries, 1)
	var entry ReportEntry
	require.NoError(t, json.Unmarshal([]byte(entries[0]), &entry))
	assert.Equal(t, FailureGenericTimeout, entry.TestKeys["failure"])
}

// A panicking callback is contained at the pipeline boundary: the
// pipeline completes and the panic is logged.
func TestPipelineCallbackPanicContained(t *testing.T) {
	logger := &recordingLogger{}
	var ended bool

	test := hermeticOptions(NewTest(NewConfig(), Telegram, noopNettest)).
		SetLogger(logger).
		OnBegin(func() { panic("antani") }).
		OnEnd(func() { ended = true })

	failure := test.Run(context.Background())
	assert.False(t, failure.IsFailure())
	assert.True(t, ended)
	assert.Contains(t, logger.Warns(), "callbackPanic")
}

// A positive max_runtime bounds the measurement with a deadline.
func TestPipelineMaxRuntime(t *testing.T) {
	var hadDeadline bool
	measurer := NettestFunc(
		func(ctx context.Context, sess *Session, input string) (map[string]any, Failure) {
			_, hadDeadline = ctx.Deadline()
			return nil, Failure{}
		})

	test := hermeticOptions(NewTest(NewConfig(), Telegram, measurer)).
		SetOption(OptionMaxRuntime, "30")

	failure := test.Run(context.Background())
	assert.False(t, failure.IsFailure())
	assert.True(t, hadDeadline)
}

// Warnings emitted during the run are teed to the error file.
func TestPipelineErrorFilepath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "errors.log")
	missing := filepath.Join(t.TempDir(), "missing.mmdb")

	test := hermeticOptions(NewTest(NewConfig(), Telegram, noopNettest)).
		SetOption(OptionGeoIPCountryPath, missing).
		SetErrorFilepath(path)

	failure := test.Run(context.Background())
	assert.False(t, failure.IsFailure())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "geoipCountryFailed")
}

// Distinct test instances run concurrently without sharing state.
func TestPipelineConcurrentInstances(t *testing.T) {
	logger := &recordingLogger{} // shared on purpose
	results := make(chan Failure, 2)
	for i := 0; i < 2; i++ {
		test := hermeticOptions(NewTest(NewConfig(), Telegram, noopNettest)).
			SetLogger(logger)
		test.Start(context.Background(), func(failure Failure) {
			results <- failure
		})
	}
	for i := 0; i < 2; i++ {
		failure := <-results
		assert.False(t, failure.IsFailure())
	}
}
