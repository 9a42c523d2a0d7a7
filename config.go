// SPDX-License-Identifier: GPL-3.0-or-later

package nettest

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/bassosimone/errclass"
	"github.com/miekg/dns"
	"golang.org/x/net/http2"
)

// Dialer abstracts the [*net.Dialer] behavior.
//
// By making network operations depend on an abstract implementation we
// allow for unit testing and for using alternative dialers.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// ErrClassifier classifies errors into categorical strings for
// structured logging.
//
// Implementations map errors to short, descriptive labels (e.g.,
// "ETIMEDOUT", "ECONNRESET") that facilitate systematic analysis of
// network measurement results.
type ErrClassifier interface {
	Classify(err error) string
}

// ErrClassifierFunc adapts a function to the [ErrClassifier] interface.
type ErrClassifierFunc func(error) string

var _ ErrClassifier = ErrClassifierFunc(nil)

// Classify implements [ErrClassifier].
func (f ErrClassifierFunc) Classify(err error) string {
	return f(err)
}

// DefaultErrClassifier classifies errors using [errclass.New] and maps
// a nil error to the empty string.
var DefaultErrClassifier = ErrClassifierFunc(func(err error) string {
	if err == nil {
		return ""
	}
	return errclass.New(err)
})

// DNSExchanger abstracts a single DNS query/response exchange with a
// given server, allowing for unit testing with stub responses.
type DNSExchanger interface {
	Exchange(ctx context.Context, query *dns.Msg, serverAddr string) (*dns.Msg, error)
}

// dnsClientExchanger is the default [DNSExchanger] using [*dns.Client].
type dnsClientExchanger struct {
	client *dns.Client
}

var _ DNSExchanger = &dnsClientExchanger{}

// Exchange implements [DNSExchanger].
func (dce *dnsClientExchanger) Exchange(
	ctx context.Context, query *dns.Msg, serverAddr string) (*dns.Msg, error) {
	resp, _, err := dce.client.ExchangeContext(ctx, query, serverAddr)
	return resp, err
}

// Config holds common configuration for pipeline operations.
//
// Pass this to [NewTest] to pre-wire dependencies. All fields have
// sensible defaults set by [NewConfig]. Fields are safe to modify
// after construction but before the test starts; they must not be
// mutated once the pipeline is executing.
type Config struct {
	// Dialer is used to create network connections.
	//
	// Set by [NewConfig] to [*net.Dialer].
	Dialer Dialer

	// DNSExchanger performs DNS exchanges for the resolver lookup.
	//
	// Set by [NewConfig] to a [*dns.Client] based implementation.
	DNSExchanger DNSExchanger

	// ErrClassifier classifies errors for structured logging.
	//
	// Set by [NewConfig] to [DefaultErrClassifier].
	ErrClassifier ErrClassifier

	// GeoIPResolver performs the country and ASN database lookups.
	//
	// Set by [NewConfig] to an implementation reading MaxMind-format
	// database files from disk.
	GeoIPResolver GeoIPResolver

	// HTTPClient performs the bouncer and IP-echo requests.
	//
	// Set by [NewConfig] to a client whose transport uses Dialer
	// and negotiates HTTP/2 over TLS when the server supports it.
	HTTPClient *http.Client

	// IPLookupServices are the IP-echo services used to discover the
	// probe IP, tried in order.
	//
	// Set by [NewConfig] to [DefaultIPLookupServices].
	IPLookupServices []IPLookupService

	// ResolvConf reads the system DNS configuration, used to discover
	// the default nameservers for the resolver lookup.
	//
	// Set by [NewConfig] to read /etc/resolv.conf.
	ResolvConf func() (*dns.ClientConfig, error)

	// TimeNow returns the current time.
	//
	// Set by [NewConfig] to [time.Now].
	TimeNow func() time.Time
}

// NewConfig creates a [*Config] with sensible defaults.
func NewConfig() *Config {
	cfg := &Config{
		Dialer:           &net.Dialer{},
		DNSExchanger:     &dnsClientExchanger{client: &dns.Client{}},
		ErrClassifier:    DefaultErrClassifier,
		GeoIPResolver:    maxmindGeoIPResolver{},
		IPLookupServices: DefaultIPLookupServices,
		ResolvConf: func() (*dns.ClientConfig, error) {
			return dns.ClientConfigFromFile("/etc/resolv.conf")
		},
		TimeNow: time.Now,
	}
	txp := &http.Transport{
		// Read cfg.Dialer at dial time so that replacing the dialer
		// after NewConfig also affects the HTTP transport.
		DialContext: func(ctx context.Context, network, address string) (net.Conn, error) {
			return cfg.Dialer.DialContext(ctx, network, address)
		},
		ForceAttemptHTTP2: true,
	}
	// Register the "h2" ALPN protocol on the transport. ConfigureTransport
	// only fails when the transport was already configured.
	_ = http2.ConfigureTransport(txp)
	cfg.HTTPClient = &http.Client{Transport: txp}
	return cfg
}
