// SPDX-License-Identifier: GPL-3.0-or-later

// Package nettest implements an engine for running network
// measurement tests ("nettests") through a shared orchestration
// pipeline: it discovers the collector and the test helpers through a
// bouncer, enriches the result with the probe's network identity, and
// persists structured report entries.
//
// # Running a test
//
// Create a [*Test] with [NewTest], giving it one of the known
// [Variant] values and a [Nettest] implementing the measurement
// logic. Configure it through the fluent setters, then invoke either
// [*Test.Run], which blocks until the test is complete, or
// [*Test.Start], which hands the test off to a background goroutine
// and invokes a callback when done:
//
//	failure := nettest.NewTest(nettest.NewConfig(), nettest.WebConnectivity, measurer).
//		SetOption(nettest.OptionGeoIPCountryPath, "country.mmdb").
//		AddInput("https://example.com/").
//		SetLogger(nettest.NewSlogLogger(slog.Default())).
//		Run(context.Background())
//
// A Test can be started at most once: starting it moves the whole
// configuration into the execution context, and a second start
// reports [FailureTestAlreadyStarted] without running anything.
//
// # Test sequence
//
// Every test runs through the same ordered sequence before and after
// its measurement logic executes:
//
//  1. The configured options are logged at debug severity.
//
//  2. The test start time is recorded and the on-begin callback fires.
//
//  3. Unless [OptionNoBouncer] is set, the bouncer at
//     [OptionBouncerBaseURL] is queried for the collector and the test
//     helpers. Failing to contact the bouncer fails the whole test.
//
//  4. An explicitly set [OptionCollectorBaseURL] overrides the
//     collector chosen by the bouncer.
//
//  5. An explicitly set per-nettest helper option (e.g.
//     "web_connectivity/helper") overrides the helper chosen by the
//     bouncer.
//
//  6. Unless [OptionNoIPLookup] is set, external IP-echo services are
//     queried to discover the probe IP. On failure the probe IP is
//     127.0.0.1, and the test fails only when
//     [OptionFailIfIPLookupFails] is set.
//
//  7. If [OptionGeoIPCountryPath] is set, the probe IP is mapped to
//     the probe country; on failure the country is "ZZ".
//
//  8. If [OptionGeoIPASNPath] is set, the probe IP is mapped to the
//     probe ASN; on failure the ASN is "AS0".
//
//  9. Unless [OptionSaveProbeIP] is set, the probe IP is replaced
//     with 127.0.0.1.
//
//  10. If [OptionSaveProbeASN] is set to false, the probe ASN is
//     replaced with "AS0".
//
//  11. If [OptionSaveProbeCC] is set to false, the probe country is
//     replaced with "ZZ".
//
//  12. The possibly-redacted probe IP, ASN, and country are committed
//     to the report.
//
//  13. Unless [OptionNoResolverLookup] is set, the resolver IP is
//     discovered through the engine selected by [OptionDNSEngine] and
//     [OptionDNSNameserver]. The test fails only when
//     [OptionFailIfResolverLookupFails] is set.
//
//  14. Unless [OptionNoFileReport] is set, the report file is opened,
//     either at the configured output filepath or under a generated
//     name. The test fails only when
//     [OptionFailIfOpenFileReportFails] is set.
//
// Then the nettest's measurement logic runs once per configured input
// (or exactly once for nettests without input); each measurement
// produces one report entry, written to the report file and passed to
// the on-entry callback. Finally the on-end and on-destroy callbacks
// fire, in this order, on every path.
//
// # Failures
//
// Every stage outcome is a [Failure] value rather than a Go error.
// When a stage exhausts multiple alternatives (several IP-echo
// services, several nameservers), the per-alternative failures are
// aggregated with [MakeComposite].
//
// # Observability
//
// All pipeline operations report structured log events, progress
// updates, and JSON-serialized event notifications through [Logger].
// By default logging is disabled; use [NewSlogLogger] to route
// everything through a [*slog.Logger]. Span events (*Start/*Done
// pairs) share a common set of fields: t (timestamp) and, on
// completion, t0 (start time), err, and errClass.
package nettest
