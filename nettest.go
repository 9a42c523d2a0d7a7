// SPDX-License-Identifier: GPL-3.0-or-later

package nettest

import "context"

// Session is the view of the pipeline state that a [Nettest] receives
// when measuring. All probe identity fields are already redacted
// according to the configured policy.
type Session struct {
	// Collector is the collector address, either chosen by the
	// bouncer or explicitly configured. Possibly empty.
	Collector string

	// Logger is the [Logger] to use for lines, events, and progress.
	Logger Logger

	// Options is a read-only copy of the test options.
	Options Options

	// ProbeASN is the probe ASN committed to the report.
	ProbeASN string

	// ProbeCC is the probe country code committed to the report.
	ProbeCC string

	// ProbeIP is the probe IP committed to the report.
	ProbeIP string

	// ResolverIP is the discovered resolver IP. Possibly empty.
	ResolverIP string

	// TestHelper is the address of the helper this nettest measures
	// against. Possibly empty when the nettest uses no helper.
	TestHelper string
}

// Nettest is the measurement collaborator plugged into the pipeline.
//
// Implementations perform the actual measurement for one input and
// return the test keys to include into the report entry. They must not
// retain the session beyond the call.
type Nettest interface {
	Run(ctx context.Context, sess *Session, input string) (map[string]any, Failure)
}

// NettestFunc adapts a function to the [Nettest] interface.
type NettestFunc func(ctx context.Context, sess *Session, input string) (map[string]any, Failure)

var _ Nettest = NettestFunc(nil)

// Run implements [Nettest].
func (f NettestFunc) Run(ctx context.Context, sess *Session, input string) (map[string]any, Failure) {
	return f(ctx, sess, input)
}

// Variant identifies one of the known nettests. A Variant carries the
// metadata the pipeline needs (names, helper bindings, input policy);
// the measurement logic itself is supplied separately as a [Nettest].
type Variant struct {
	// Name is the canonical nettest name (e.g. "web_connectivity").
	Name string

	// Version is the nettest version recorded into report entries.
	Version string

	// HelperName is the name under which the bouncer advertises this
	// nettest's helper. Empty when the nettest uses no helper.
	HelperName string

	// HelperOption is the option key that, when explicitly set,
	// overrides the helper address chosen by the bouncer. Empty when
	// the nettest uses no helper.
	HelperOption string

	// NeedsInput indicates that the nettest cannot run without at
	// least one input string.
	NeedsInput bool

	// RecognizedOptions lists the nettest-specific option keys, used
	// when logging the configuration at startup.
	RecognizedOptions []string
}

// The known nettest variants, mirroring the tests that the original
// measurement-kit engine ships.
var (
	Dash = Variant{
		Name:       "dash",
		Version:    "0.8.0",
		HelperName: "mlab",
	}

	CaptivePortal = Variant{
		Name:    "captive_portal",
		Version: "0.5.0",
	}

	DNSInjection = Variant{
		Name:         "dns_injection",
		Version:      "0.1.0",
		HelperName:   "dns",
		HelperOption: "dns_injection/helper",
		NeedsInput:   true,
	}

	FacebookMessenger = Variant{
		Name:    "facebook_messenger",
		Version: "0.2.0",
	}

	HTTPHeaderFieldManipulation = Variant{
		Name:         "http_header_field_manipulation",
		Version:      "0.2.0",
		HelperName:   "http-return-json-headers",
		HelperOption: "http_header_field_manipulation/helper",
	}

	HTTPInvalidRequestLine = Variant{
		Name:         "http_invalid_request_line",
		Version:      "0.1.0",
		HelperName:   "tcp-echo",
		HelperOption: "http_invalid_request_line/helper",
	}

	MeekFrontedRequests = Variant{
		Name:       "meek_fronted_requests",
		Version:    "0.1.0",
		NeedsInput: true,
	}

	NDT = Variant{
		Name:       "ndt",
		Version:    "0.27.0",
		HelperName: "mlab",
	}

	MultiNDT = Variant{
		Name:       "multi_ndt",
		Version:    "0.1.0",
		HelperName: "mlab",
	}

	TCPConnect = Variant{
		Name:       "tcp_connect",
		Version:    "0.1.0",
		NeedsInput: true,
	}

	Telegram = Variant{
		Name:    "telegram",
		Version: "0.2.0",
	}

	WebConnectivity = Variant{
		Name:         "web_connectivity",
		Version:      "0.0.1",
		HelperName:   "web-connectivity",
		HelperOption: "web_connectivity/helper",
		NeedsInput:   true,
	}
)

// Variants enumerates all the known nettest variants.
func Variants() []Variant {
	return []Variant{
		Dash,
		CaptivePortal,
		DNSInjection,
		FacebookMessenger,
		HTTPHeaderFieldManipulation,
		HTTPInvalidRequestLine,
		MeekFrontedRequests,
		NDT,
		MultiNDT,
		TCPConnect,
		Telegram,
		WebConnectivity,
	}
}
