// SPDX-License-Identifier: GPL-3.0-or-later

package nettest

import (
	"fmt"
	"strconv"
)

// Option names understood by the test execution pipeline. Nettest
// variants may additionally recognize their own options (most notably
// the per-variant test-helper option, e.g. "web_connectivity/helper").
//
// Renaming one of these constants bumps the API; changing the
// corresponding string bumps the wire/stored format.
const (
	// OptionBouncerBaseURL is the base URL of the OONI bouncer used to
	// discover the collector and the test helpers.
	OptionBouncerBaseURL = "bouncer_base_url"

	// OptionCollectorBaseURL, when explicitly set, overrides the
	// collector chosen by the bouncer.
	OptionCollectorBaseURL = "collector_base_url"

	// OptionNoBouncer skips the bouncer lookup altogether.
	OptionNoBouncer = "no_bouncer"

	// OptionNoIPLookup skips discovering the probe IP.
	OptionNoIPLookup = "no_ip_lookup"

	// OptionFailIfIPLookupFails makes a failed probe-IP discovery fatal
	// rather than falling back to 127.0.0.1.
	OptionFailIfIPLookupFails = "fail_if_ip_lookup_fails"

	// OptionGeoIPCountryPath is the path of the GeoIP country database.
	// When unset, the country lookup is skipped.
	OptionGeoIPCountryPath = "geoip_country_path"

	// OptionGeoIPASNPath is the path of the GeoIP ASN database. When
	// unset, the ASN lookup is skipped.
	OptionGeoIPASNPath = "geoip_asn_path"

	// OptionSaveProbeIP includes the real probe IP into the report
	// rather than redacting it to 127.0.0.1.
	OptionSaveProbeIP = "save_probe_ip"

	// OptionSaveProbeASN includes the probe ASN into the report. Unlike
	// the other save options, this defaults to true.
	OptionSaveProbeASN = "save_probe_asn"

	// OptionSaveProbeCC includes the probe country code into the
	// report. Defaults to true.
	OptionSaveProbeCC = "save_probe_cc"

	// OptionNoResolverLookup skips discovering the resolver IP.
	OptionNoResolverLookup = "no_resolver_lookup"

	// OptionFailIfResolverLookupFails makes a failed resolver-IP
	// discovery fatal.
	OptionFailIfResolverLookupFails = "fail_if_resolver_lookup_fails"

	// OptionNoFileReport disables writing the report file.
	OptionNoFileReport = "no_file_report"

	// OptionFailIfOpenFileReportFails makes a failure to open the
	// report file fatal.
	OptionFailIfOpenFileReportFails = "fail_if_open_file_report_fails"

	// OptionDNSNameserver indicates the nameserver to use for resolver
	// discovery. Depending on the DNS engine in use it may not be
	// possible to honour this option.
	OptionDNSNameserver = "dns/nameserver"

	// OptionDNSEngine selects the DNS engine. If the requested engine
	// is not available, DNS queries fail.
	OptionDNSEngine = "dns/engine"

	// OptionSoftwareName is the name of the application recorded into
	// report entries.
	OptionSoftwareName = "software_name"

	// OptionSoftwareVersion is the version of the application recorded
	// into report entries.
	OptionSoftwareVersion = "software_version"

	// OptionMaxRuntime bounds the measurement phase, in seconds. Zero
	// or negative means no bound. The setup stages are never bounded.
	OptionMaxRuntime = "max_runtime"
)

// Compiled-in option defaults. There is no environment- or file-based
// override layer: a key is either explicitly set or takes its default.
const (
	defaultBouncerBaseURL  = "https://bouncer.ooni.io"
	defaultSoftwareName    = "measurement-kit"
	defaultSoftwareVersion = "0.1.0"
)

// optionKind describes the value type expected for a known option key.
type optionKind int

const (
	optionKindString = optionKind(iota)
	optionKindBool
	optionKindNumeric
)

// knownOptions maps each pipeline option to its expected kind, so that
// a malformed value is rejected when set rather than when the pipeline
// runs. Keys not listed here belong to nettest variants and are passed
// through as opaque strings.
var knownOptions = map[string]optionKind{
	OptionBouncerBaseURL:            optionKindString,
	OptionCollectorBaseURL:          optionKindString,
	OptionNoBouncer:                 optionKindBool,
	OptionNoIPLookup:                optionKindBool,
	OptionFailIfIPLookupFails:       optionKindBool,
	OptionGeoIPCountryPath:          optionKindString,
	OptionGeoIPASNPath:              optionKindString,
	OptionSaveProbeIP:               optionKindBool,
	OptionSaveProbeASN:              optionKindBool,
	OptionSaveProbeCC:               optionKindBool,
	OptionNoResolverLookup:          optionKindBool,
	OptionFailIfResolverLookupFails: optionKindBool,
	OptionNoFileReport:              optionKindBool,
	OptionFailIfOpenFileReportFails: optionKindBool,
	OptionDNSNameserver:             optionKindString,
	OptionDNSEngine:                 optionKindString,
	OptionSoftwareName:              optionKindString,
	OptionSoftwareVersion:           optionKindString,
	OptionMaxRuntime:                optionKindNumeric,
}

// Options is a registry of string options controlling the pipeline.
// Keys are unique and the last write wins. A nil Options behaves like
// an empty registry on read.
//
// Options is mutable while the owning [*Test] is being configured and
// is moved into the execution context once the test starts; it must
// not be mutated concurrently.
type Options map[string]string

// checkOption validates value against the kind expected for key.
// Unknown keys are accepted as opaque strings.
func checkOption(key, value string) error {
	switch knownOptions[key] {
	case optionKindBool:
		if value != "true" && value != "false" {
			return fmt.Errorf("option %s: invalid boolean value %q (want \"true\" or \"false\")", key, value)
		}
	case optionKindNumeric:
		if _, err := strconv.ParseFloat(value, 64); err != nil {
			return fmt.Errorf("option %s: invalid numeric value %q", key, value)
		}
	}
	return nil
}

// Set stores the given key and value, validating the value for known
// keys. The previous value, if any, is overwritten.
func (opts Options) Set(key, value string) error {
	if err := checkOption(key, value); err != nil {
		return err
	}
	opts[key] = value
	return nil
}

// Get returns the value explicitly set for key, along with whether the
// key was explicitly set at all.
func (opts Options) Get(key string) (string, bool) {
	value, found := opts[key]
	return value, found
}

// GetString returns the value set for key or fallback.
func (opts Options) GetString(key, fallback string) string {
	if value, found := opts[key]; found {
		return value
	}
	return fallback
}

// GetBool returns the boolean value set for key or fallback. Values
// that were stored through [Options.Set] have already been validated;
// this method treats any non-"true" residue as false.
func (opts Options) GetBool(key string, fallback bool) bool {
	if value, found := opts[key]; found {
		return value == "true"
	}
	return fallback
}

// GetFloat64 returns the numeric value set for key or fallback.
func (opts Options) GetFloat64(key string, fallback float64) float64 {
	if value, found := opts[key]; found {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return fallback
}

// clone returns a copy of the registry that does not share storage
// with the original.
func (opts Options) clone() Options {
	out := make(Options, len(opts))
	for key, value := range opts {
		out[key] = value
	}
	return out
}
